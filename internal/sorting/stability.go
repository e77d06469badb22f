package sorting

import (
	"fmt"
	"math"
	"time"
)

// StabilityPolicy decides when a tracked sighting is trusted.
type StabilityPolicy struct {
	// StabilityThreshold is the minimum time since first sighting.
	StabilityThreshold time.Duration
	// DetectionReset is how long detections must be absent before the
	// same category may be sent twice in a row.
	DetectionReset time.Duration
	// PositionTolerance is the per-axis normalized distance within which
	// two sightings belong to the same object.
	PositionTolerance float64
	MinDetectionCount int
	MaxRetryCount     int
}

// DefaultStabilityPolicy mirrors the controller defaults shipped with the
// first sorter deployment.
func DefaultStabilityPolicy() StabilityPolicy {
	return StabilityPolicy{
		StabilityThreshold: time.Second,
		DetectionReset:     500 * time.Millisecond,
		PositionTolerance:  0.05,
		MinDetectionCount:  2,
		MaxRetryCount:      3,
	}
}

// Validate checks ranges.
func (p StabilityPolicy) Validate() error {
	if math.IsNaN(p.PositionTolerance) || p.PositionTolerance < 0 || p.PositionTolerance > 1 {
		return fmt.Errorf("%w: position tolerance must be between 0 and 1, got %v", ErrInvalidPolicy, p.PositionTolerance)
	}
	if p.StabilityThreshold < 0 {
		return fmt.Errorf("%w: stability threshold must be non-negative, got %v", ErrInvalidPolicy, p.StabilityThreshold)
	}
	if p.DetectionReset < 0 {
		return fmt.Errorf("%w: detection reset must be non-negative, got %v", ErrInvalidPolicy, p.DetectionReset)
	}
	if p.MinDetectionCount < 1 {
		return fmt.Errorf("%w: min detection count must be at least 1, got %d", ErrInvalidPolicy, p.MinDetectionCount)
	}
	if p.MaxRetryCount < 0 {
		return fmt.Errorf("%w: max retry count must be non-negative, got %d", ErrInvalidPolicy, p.MaxRetryCount)
	}
	return nil
}

// IsPositionStable reports whether the current position is within tolerance
// of the previous one on both axes. A missing previous coordinate is never
// stable.
func (p StabilityPolicy) IsPositionStable(curX, curY float64, prevX, prevY *float64) bool {
	if prevX == nil || prevY == nil {
		return false
	}
	return math.Abs(curX-*prevX) <= p.PositionTolerance && math.Abs(curY-*prevY) <= p.PositionTolerance
}

// ShouldCount reports whether a sighting should trigger a packet.
func (p StabilityPolicy) ShouldCount(detectionCount int, isStable, alreadyCounted bool) bool {
	if alreadyCounted || !isStable {
		return false
	}
	return detectionCount >= p.MinDetectionCount
}
