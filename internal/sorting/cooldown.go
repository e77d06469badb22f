package sorting

import (
	"fmt"
	"maps"
	"time"
)

// CooldownPolicy limits how often packets are sent to the actuator.
type CooldownPolicy struct {
	MinInterval time.Duration
	// MaxQueueSize bounds the number of packets awaiting a serial write.
	MaxQueueSize int
	// CategoryCooldowns overrides MinInterval per protocol class id.
	CategoryCooldowns map[uint8]time.Duration
}

// DefaultCooldownPolicy returns a 100ms global interval with a queue of 10.
func DefaultCooldownPolicy() CooldownPolicy {
	return CooldownPolicy{MinInterval: 100 * time.Millisecond, MaxQueueSize: 10}
}

// Validate rejects negative intervals and queue sizes.
func (p CooldownPolicy) Validate() error {
	if p.MinInterval < 0 {
		return fmt.Errorf("%w: min interval must be non-negative, got %v", ErrInvalidPolicy, p.MinInterval)
	}
	if p.MaxQueueSize < 0 {
		return fmt.Errorf("%w: max queue size must be non-negative, got %d", ErrInvalidPolicy, p.MaxQueueSize)
	}
	for cat, d := range p.CategoryCooldowns {
		if d < 0 {
			return fmt.Errorf("%w: cooldown for class %d must be non-negative, got %v", ErrInvalidPolicy, cat, d)
		}
	}
	return nil
}

func (p CooldownPolicy) clone() CooldownPolicy {
	p.CategoryCooldowns = maps.Clone(p.CategoryCooldowns)
	return p
}

// IntervalFor returns the cooldown applying to classID.
func (p CooldownPolicy) IntervalFor(classID uint8) time.Duration {
	if d, ok := p.CategoryCooldowns[classID]; ok {
		return d
	}
	return p.MinInterval
}

// ShouldSend reports whether a packet for classID may be sent at now given
// the time of the previous send, if any.
func (p CooldownPolicy) ShouldSend(now time.Time, lastSend *time.Time, classID uint8) bool {
	if lastSend == nil {
		return true
	}
	return now.Sub(*lastSend) >= p.IntervalFor(classID)
}

// NextSendTime returns the earliest time a packet for classID may follow a
// send at lastSend.
func (p CooldownPolicy) NextSendTime(lastSend time.Time, classID uint8) time.Time {
	return lastSend.Add(p.IntervalFor(classID))
}
