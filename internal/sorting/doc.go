// Package sorting is the decision core of the sorter. A Session consumes one
// DetectionFrame at a time, tracks each sighting across frames, debounces it
// with a StabilityPolicy, rate-limits sends with a CooldownPolicy and returns
// at most one protocol.Packet per physical item.
//
// Nothing in this package performs I/O or blocks. A Session is not safe for
// concurrent use: every method must be called from one goroutine at a time,
// which the pipeline package arranges.
package sorting
