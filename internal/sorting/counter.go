package sorting

import (
	"maps"
	"time"

	"github.com/banshee-data/sortgate/internal/timeutil"
)

// Counter keeps per-category totals of classified items. Total always equals
// the sum of all category counts.
type Counter struct {
	id          string
	counts      map[Category]uint64
	total       uint64
	clock       timeutil.Clock
	createdAt   time.Time
	lastUpdated time.Time
}

// NewCounter returns a counter seeded with every base category at zero.
func NewCounter(id string, clock timeutil.Clock) *Counter {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	now := clock.Now()
	c := &Counter{
		id:          id,
		counts:      make(map[Category]uint64, len(Categories)),
		clock:       clock,
		createdAt:   now,
		lastUpdated: now,
	}
	for _, cat := range Categories {
		c.counts[cat] = 0
	}
	return c
}

func (c *Counter) ID() string { return c.id }

// Increment adds one item of category.
func (c *Counter) Increment(category Category) {
	c.counts[category]++
	c.total++
	c.lastUpdated = c.clock.Now()
}

// Get returns the count for category.
func (c *Counter) Get(category Category) uint64 { return c.counts[category] }

// Total returns the number of items counted across all categories.
func (c *Counter) Total() uint64 { return c.total }

// Counts returns a copy of the per-category counts.
func (c *Counter) Counts() map[Category]uint64 { return maps.Clone(c.counts) }

// LastUpdated returns the time of the last Increment or Reset.
func (c *Counter) LastUpdated() time.Time { return c.lastUpdated }

// Reset zeroes all counts, keeping the set of known categories.
func (c *Counter) Reset() {
	for cat := range c.counts {
		c.counts[cat] = 0
	}
	c.total = 0
	c.lastUpdated = c.clock.Now()
}

// Distribution returns each category's share of the total. With nothing
// counted every share is zero.
func (c *Counter) Distribution() map[Category]float64 {
	out := make(map[Category]float64, len(c.counts))
	for cat, n := range c.counts {
		if c.total == 0 {
			out[cat] = 0
			continue
		}
		out[cat] = float64(n) / float64(c.total)
	}
	return out
}

// CountsByProtocol folds non-zero category counts onto protocol ids using
// mapping. Unmapped categories are omitted.
func (c *Counter) CountsByProtocol(mapping map[Category]uint8) map[uint8]uint64 {
	out := make(map[uint8]uint64)
	for cat, n := range c.counts {
		if n == 0 {
			continue
		}
		if id, ok := mapping[cat]; ok {
			out[id] += n
		}
	}
	return out
}
