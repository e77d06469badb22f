// Package protocol implements the actuator wire format: a fixed 3-byte
// command [class, x, y] with no framing, checksum or acknowledgement.
package protocol

import (
	"errors"
	"fmt"
	"math"
)

// PacketSize is the exact number of bytes written per command.
const PacketSize = 3

const (
	MaxClassID    = 4
	MaxCoordinate = 255
)

// ErrInvalidPacketField is returned when a packet (or an event carrying
// packet coordinates) is constructed with an out-of-range field. Reaching it
// from the session pipeline indicates a programming fault.
var ErrInvalidPacketField = errors.New("invalid packet field")

// Packet is an immutable actuator command. The zero value is the empty
// packet.
type Packet struct {
	classID uint8
	x       uint8
	y       uint8
}

// NewPacket validates every field and never corrects an out-of-range value.
func NewPacket(classID, x, y int) (Packet, error) {
	if classID < 0 || classID > MaxClassID {
		return Packet{}, fmt.Errorf("%w: class_id must be between 0 and %d, got %d", ErrInvalidPacketField, MaxClassID, classID)
	}
	if x < 0 || x > MaxCoordinate {
		return Packet{}, fmt.Errorf("%w: x must be between 0 and %d, got %d", ErrInvalidPacketField, MaxCoordinate, x)
	}
	if y < 0 || y > MaxCoordinate {
		return Packet{}, fmt.Errorf("%w: y must be between 0 and %d, got %d", ErrInvalidPacketField, MaxCoordinate, y)
	}
	return Packet{classID: uint8(classID), x: uint8(x), y: uint8(y)}, nil
}

// MustPacket is NewPacket for constants in tests and tables; it panics on an
// invalid field.
func MustPacket(classID, x, y int) Packet {
	p, err := NewPacket(classID, x, y)
	if err != nil {
		panic(err)
	}
	return p
}

// Empty returns the packet sent when nothing was detected.
func Empty() Packet { return Packet{} }

// FromNormalized scales normalized [0,1] coordinates onto the 0..255 wire
// range. Scaling truncates toward zero (0.5 -> 127) and the result is clamped,
// so any finite or infinite input yields a valid coordinate; NaN maps to 0.
// The class id is still validated.
func FromNormalized(classID int, xNorm, yNorm float64) (Packet, error) {
	return NewPacket(classID, ScaleCoordinate(xNorm), ScaleCoordinate(yNorm))
}

// ScaleCoordinate maps a normalized coordinate onto 0..255.
func ScaleCoordinate(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	scaled := math.Trunc(v * MaxCoordinate)
	switch {
	case scaled < 0:
		return 0
	case scaled > MaxCoordinate:
		return MaxCoordinate
	}
	return int(scaled)
}

func (p Packet) ClassID() uint8 { return p.classID }
func (p Packet) X() uint8       { return p.x }
func (p Packet) Y() uint8       { return p.y }

// IsEmpty reports whether p is the empty (no detection) packet.
func (p Packet) IsEmpty() bool { return p == Packet{} }

// Bytes returns the wire encoding in field order.
func (p Packet) Bytes() [PacketSize]byte {
	return [PacketSize]byte{p.classID, p.x, p.y}
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (p Packet) MarshalBinary() ([]byte, error) {
	b := p.Bytes()
	return b[:], nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler with the same range
// checks as NewPacket.
func (p *Packet) UnmarshalBinary(data []byte) error {
	decoded, err := ParsePacket(data)
	if err != nil {
		return err
	}
	*p = decoded
	return nil
}

// ParsePacket decodes exactly PacketSize bytes.
func ParsePacket(data []byte) (Packet, error) {
	if len(data) != PacketSize {
		return Packet{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPacketField, PacketSize, len(data))
	}
	return NewPacket(int(data[0]), int(data[1]), int(data[2]))
}

func (p Packet) String() string {
	return fmt.Sprintf("[%d %d %d]", p.classID, p.x, p.y)
}
