package sorting

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Category is a waste category as reported by the detector.
type Category int

const (
	KitchenWaste Category = iota
	RecyclableWaste
	HazardousWaste
	OtherWaste
)

// Categories lists the base taxonomy in id order.
var Categories = []Category{KitchenWaste, RecyclableWaste, HazardousWaste, OtherWaste}

var categoryNames = map[Category]string{
	KitchenWaste:    "Kitchen_waste",
	RecyclableWaste: "Recyclable_waste",
	HazardousWaste:  "Hazardous_waste",
	OtherWaste:      "Other_waste",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Category(%d)", int(c))
}

// MarshalText renders the taxonomy name so categories read well as JSON map
// keys. Categories outside the taxonomy render as their decimal id.
func (c Category) MarshalText() ([]byte, error) {
	if name, ok := categoryNames[c]; ok {
		return []byte(name), nil
	}
	return []byte(strconv.Itoa(int(c))), nil
}

// UnmarshalText accepts a taxonomy name or a decimal id.
func (c *Category) UnmarshalText(text []byte) error {
	parsed, err := ParseCategory(string(text))
	if err != nil {
		id, convErr := strconv.Atoi(strings.TrimSpace(string(text)))
		if convErr != nil {
			return err
		}
		parsed = Category(id)
	}
	*c = parsed
	return nil
}

// UnmarshalJSON accepts either a JSON number or a string.
func (c *Category) UnmarshalJSON(data []byte) error {
	var id int
	if err := json.Unmarshal(data, &id); err == nil {
		*c = Category(id)
		return nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return fmt.Errorf("category must be a number or string: %w", err)
	}
	return c.UnmarshalText([]byte(text))
}

// ParseCategory matches a taxonomy name case-insensitively.
func ParseCategory(value string) (Category, error) {
	normalized := strings.TrimSpace(value)
	for cat, name := range categoryNames {
		if strings.EqualFold(name, normalized) {
			return cat, nil
		}
	}
	return 0, fmt.Errorf("unknown waste category: %s", value)
}
