package sorting

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// ItemClassified is emitted once per item that resulted in a packet.
type ItemClassified struct {
	EventID    string    `json:"event_id"`
	OccurredAt time.Time `json:"occurred_at"`
	SessionID  string    `json:"session_id"`
	// CategoryID is the protocol class id written to the wire.
	CategoryID uint8    `json:"category_id"`
	Category   Category `json:"category"`
	X          float64  `json:"x"`
	Y          float64  `json:"y"`
}

// NewItemClassified validates that x and y are normalized coordinates.
func NewItemClassified(sessionID string, categoryID uint8, category Category, x, y float64, at time.Time) (ItemClassified, error) {
	if !inUnitRange(x) {
		return ItemClassified{}, fmt.Errorf("%w: x must be between 0 and 1, got %v", ErrInvalidPacketField, x)
	}
	if !inUnitRange(y) {
		return ItemClassified{}, fmt.Errorf("%w: y must be between 0 and 1, got %v", ErrInvalidPacketField, y)
	}
	return ItemClassified{
		EventID:    uuid.NewString(),
		OccurredAt: at,
		SessionID:  sessionID,
		CategoryID: categoryID,
		Category:   category,
		X:          x,
		Y:          y,
	}, nil
}

func inUnitRange(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

func clampUnit(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
