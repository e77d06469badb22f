package protocol

import (
	"fmt"
	"maps"
	"sort"
	"strings"
)

// Named protocol maps supported by deployed controllers. Keys are detection
// category ids, values are the class byte the controller expects.
var namedMappings = map[string]map[int]int{
	"default": {0: 1, 1: 2, 2: 3, 3: 4},
	"stm32":   {0: 1, 1: 2, 2: 3, 3: 4},
	// Arduino firmware uses decade codes which fall outside the 0..4 class
	// range; sessions reject this mapping at construction.
	"arduino": {0: 10, 1: 20, 2: 30, 3: 40},
}

// Mapping returns a copy of the named protocol map.
func Mapping(name string) (map[int]int, error) {
	m, ok := namedMappings[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown protocol %q: expected one of %s", name, strings.Join(Protocols(), ", "))
	}
	return maps.Clone(m), nil
}

// Protocols lists the known protocol names in sorted order.
func Protocols() []string {
	names := make([]string, 0, len(namedMappings))
	for name := range namedMappings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Encoder translates detection categories into wire packets. The mapping is
// fixed at construction.
type Encoder struct {
	protocolMap map[int]int
}

// NewEncoder copies mapping so later changes by the caller are not observed.
func NewEncoder(mapping map[int]int) *Encoder {
	return &Encoder{protocolMap: maps.Clone(mapping)}
}

// ProtocolID returns the protocol byte for category. A category missing from
// the mapping falls back to its own id.
func (e *Encoder) ProtocolID(category int) int {
	if id, ok := e.protocolMap[category]; ok {
		return id
	}
	return category
}

// Encode builds a packet for category at the normalized position.
func (e *Encoder) Encode(category int, xNorm, yNorm float64) (Packet, error) {
	return FromNormalized(e.ProtocolID(category), xNorm, yNorm)
}

// EncodeEmpty returns the no-detection packet.
func (e *Encoder) EncodeEmpty() Packet { return Empty() }

// IsValidCategory reports whether category is mapped or is one of the four
// base taxonomy categories.
func (e *Encoder) IsValidCategory(category int) bool {
	if _, ok := e.protocolMap[category]; ok {
		return true
	}
	return category >= 0 && category <= 3
}

// Mapping returns a copy of the protocol map.
func (e *Encoder) Mapping() map[int]int {
	return maps.Clone(e.protocolMap)
}
