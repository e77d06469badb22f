package sorting

import (
	"maps"
	"time"

	"github.com/banshee-data/sortgate/internal/protocol"
)

// DetectionFrame is the detector output for one camera frame. Only the
// strongest detection of a frame is carried.
type DetectionFrame struct {
	FrameID     string            `json:"frame_id"`
	ImageWidth  int               `json:"image_width"`
	ImageHeight int               `json:"image_height"`
	Category    *Category         `json:"category,omitempty"`
	Confidence  *float64          `json:"confidence,omitempty"`
	X           *float64          `json:"x,omitempty"` // normalized center
	Y           *float64          `json:"y,omitempty"` // normalized center
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// HasDetection reports whether the frame carries a detection.
func (f DetectionFrame) HasDetection() bool { return f.Category != nil }

// HasPosition reports whether both center coordinates are present.
func (f DetectionFrame) HasPosition() bool { return f.X != nil && f.Y != nil }

// SerialCoordinates returns the center on the 0..255 wire scale, or (0, 0)
// when the frame has no position.
func (f DetectionFrame) SerialCoordinates() (x, y uint8) {
	if !f.HasPosition() {
		return 0, 0
	}
	return uint8(protocol.ScaleCoordinate(*f.X)), uint8(protocol.ScaleCoordinate(*f.Y))
}

// WithDetection returns a copy of f carrying the given detection.
func (f DetectionFrame) WithDetection(cat Category, confidence, x, y float64) DetectionFrame {
	out := f
	out.Category = &cat
	out.Confidence = &confidence
	out.X = &x
	out.Y = &y
	out.Metadata = maps.Clone(f.Metadata)
	return out
}

// NewEmptyFrame returns a frame without a detection.
func NewEmptyFrame(id string, width, height int, ts time.Time) DetectionFrame {
	return DetectionFrame{FrameID: id, ImageWidth: width, ImageHeight: height, Timestamp: ts}
}

// NewDetectionFrame returns a frame carrying one detection.
func NewDetectionFrame(id string, width, height int, ts time.Time, cat Category, confidence, x, y float64) DetectionFrame {
	return NewEmptyFrame(id, width, height, ts).WithDetection(cat, confidence, x, y)
}
