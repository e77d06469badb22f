package sorting

import (
	"fmt"
	"time"
)

// TrackID identifies a tracked object. Index is a dense slot in the session
// arena; Generation distinguishes successive occupants of the same slot.
type TrackID struct {
	Index      int    `json:"index"`
	Generation uint32 `json:"generation"`
}

func (id TrackID) String() string { return fmt.Sprintf("%d.%d", id.Index, id.Generation) }

// TrackedObject is one sighting of a category at roughly one location,
// accumulated across frames.
type TrackedObject struct {
	ID TrackID `json:"id"`
	// CategoryID is the protocol class id the category maps to.
	CategoryID     uint8     `json:"category_id"`
	Category       Category  `json:"category"`
	FirstX         float64   `json:"first_x"`
	FirstY         float64   `json:"first_y"`
	LastX          float64   `json:"last_x"`
	LastY          float64   `json:"last_y"`
	FirstSeen      time.Time `json:"first_seen"`
	LastUpdated    time.Time `json:"last_updated"`
	DetectionCount int       `json:"detection_count"`
	IsStable       bool      `json:"is_stable"`
	IsCounted      bool      `json:"is_counted"`
}

type trackSlot struct {
	obj        TrackedObject
	generation uint32
	used       bool
}

// trackArena stores tracked objects in dense slots and recycles released
// slots through a free list.
type trackArena struct {
	slots []trackSlot
	free  []int
	live  int
}

func (a *trackArena) insert(obj TrackedObject) *TrackedObject {
	var idx int
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, trackSlot{})
		idx = len(a.slots) - 1
	}
	slot := &a.slots[idx]
	slot.generation++
	slot.used = true
	obj.ID = TrackID{Index: idx, Generation: slot.generation}
	slot.obj = obj
	a.live++
	return &slot.obj
}

// find returns the first live object, in slot order, for which match is true.
func (a *trackArena) find(match func(*TrackedObject) bool) *TrackedObject {
	for i := range a.slots {
		if a.slots[i].used && match(&a.slots[i].obj) {
			return &a.slots[i].obj
		}
	}
	return nil
}

func (a *trackArena) get(id TrackID) (*TrackedObject, bool) {
	if id.Index < 0 || id.Index >= len(a.slots) {
		return nil, false
	}
	slot := &a.slots[id.Index]
	if !slot.used || slot.generation != id.Generation {
		return nil, false
	}
	return &slot.obj, true
}

// sweep releases objects last updated before cutoff and returns how many
// were released.
func (a *trackArena) sweep(cutoff time.Time) int {
	released := 0
	for i := range a.slots {
		slot := &a.slots[i]
		if slot.used && slot.obj.LastUpdated.Before(cutoff) {
			slot.used = false
			slot.obj = TrackedObject{}
			a.free = append(a.free, i)
			a.live--
			released++
		}
	}
	return released
}

func (a *trackArena) len() int { return a.live }

func (a *trackArena) snapshot() []TrackedObject {
	out := make([]TrackedObject, 0, a.live)
	for i := range a.slots {
		if a.slots[i].used {
			out = append(out, a.slots[i].obj)
		}
	}
	return out
}
