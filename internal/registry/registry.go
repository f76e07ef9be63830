// Package registry holds the table of sensor tags placed on the periodic
// advertising train, indexed by (subevent, slot) coordinate.
//
// The table is a bounded arena sized by the configured subevent and slot
// limits. Slots are handed out in increasing order inside a subevent and a
// new subevent is opened only when the current one is full. A tag that
// drops out of sync keeps its coordinate reserved under its address so it
// returns to the same place when it pairs again; reservations are reclaimed,
// oldest first, only once no never-used coordinate is left.
//
// Registry is not safe for concurrent use. The gateway mutates it from its
// single event loop.
package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExhausted means every coordinate is held by a synced tag.
	ErrCapacityExhausted = errors.New("no free coordinate")
	// ErrCoordinateTaken is returned when claiming a coordinate that is in use.
	ErrCoordinateTaken = errors.New("coordinate already taken")
	// ErrUnknownCoordinate is returned for a coordinate with no tag on it.
	ErrUnknownCoordinate = errors.New("no tag at coordinate")
	// ErrOutOfRange is returned for a coordinate outside the configured limits.
	ErrOutOfRange = errors.New("coordinate out of range")
	// ErrOutOfOrder is returned when claiming a never-used coordinate that
	// is not the next one in allocation order.
	ErrOutOfOrder = errors.New("coordinate not next in allocation order")
)

// Coordinate is a tag's fixed position on the train.
type Coordinate struct {
	Subevent uint8 `json:"subevent"`
	Slot     uint8 `json:"slot"`
}

func (c Coordinate) String() string {
	return fmt.Sprintf("(%d, %d)", c.Subevent, c.Slot)
}

// SensorTag is one physical device placed on the train.
type SensorTag struct {
	Address    string     `json:"address"`
	Coordinate Coordinate `json:"coordinate"`
	Synced     bool       `json:"synced"`
	// MissedResponses counts consecutive unanswered polls since the tag last
	// synced. It is meaningful only while Synced is true.
	MissedResponses int `json:"missed_responses"`
}

// Transition describes the outcome of a sync state change.
type Transition struct {
	Tag     SensorTag
	Changed bool
}

// Registry is the coordinate table.
type Registry struct {
	maxSubevents int
	maxSlots     int

	tags [][]*SensorTag

	// next never-used coordinate
	cursor    Coordinate
	exhausted bool
	// slots handed out so far per subevent
	allocated []int
	// desynced coordinates in the order they were released
	released []Coordinate

	syncedCount int
}

// New creates an empty registry for maxSubevents subevents of maxSlots slots.
func New(maxSubevents, maxSlots int) (*Registry, error) {
	if maxSubevents < 1 || maxSubevents > 256 {
		return nil, fmt.Errorf("subevent limit %d: %w", maxSubevents, ErrOutOfRange)
	}
	if maxSlots < 1 || maxSlots > 256 {
		return nil, fmt.Errorf("slot limit %d: %w", maxSlots, ErrOutOfRange)
	}

	tags := make([][]*SensorTag, maxSubevents)
	for i := range tags {
		tags[i] = make([]*SensorTag, maxSlots)
	}

	return &Registry{
		maxSubevents: maxSubevents,
		maxSlots:     maxSlots,
		tags:         tags,
		allocated:    make([]int, maxSubevents),
	}, nil
}

// LookupByAddress returns the coordinate held by addr, synced or reserved.
func (r *Registry) LookupByAddress(addr string) (Coordinate, bool) {
	for s := range r.tags {
		for k := 0; k < r.allocated[s]; k++ {
			if t := r.tags[s][k]; t != nil && t.Address == addr {
				return t.Coordinate, true
			}
		}
	}
	return Coordinate{}, false
}

// NextFree returns the coordinate AllocateNextFree would hand out, without
// taking it.
func (r *Registry) NextFree() (Coordinate, error) {
	if !r.exhausted {
		return r.cursor, nil
	}
	if len(r.released) > 0 {
		return r.released[0], nil
	}
	return Coordinate{}, ErrCapacityExhausted
}

// AllocateNextFree takes the next free coordinate: the next slot of the
// current subevent, the first slot of a new subevent when the current one is
// full, or the oldest released coordinate once the arena is used up.
func (r *Registry) AllocateNextFree() (Coordinate, error) {
	c, err := r.NextFree()
	if err != nil {
		return c, err
	}
	r.take(c)
	return c, nil
}

// Allocate places a new tag for addr on the next free coordinate. The tag
// starts unsynced.
func (r *Registry) Allocate(addr string) (Coordinate, error) {
	c, err := r.AllocateNextFree()
	if err != nil {
		return c, err
	}
	r.place(addr, c)
	return c, nil
}

// Claim places a new unsynced tag for addr on c, which must be free.
// It is used to commit a coordinate obtained earlier from NextFree.
func (r *Registry) Claim(addr string, c Coordinate) error {
	if !r.inRange(c) {
		return fmt.Errorf("claim %s: %w", c, ErrOutOfRange)
	}
	if !r.IsFree(c) {
		return fmt.Errorf("claim %s: %w", c, ErrCoordinateTaken)
	}
	if !r.used(c) && c != r.cursor {
		return fmt.Errorf("claim %s: %w, next is %s", c, ErrOutOfOrder, r.cursor)
	}
	r.take(c)
	r.place(addr, c)
	return nil
}

// IsFree reports whether c can be handed to a new tag: it was never used,
// or its tag is desynced.
func (r *Registry) IsFree(c Coordinate) bool {
	if !r.inRange(c) {
		return false
	}
	if t := r.tags[c.Subevent][c.Slot]; t != nil {
		return !t.Synced
	}
	return !r.used(c)
}

// MarkSynced flags the tag at c synced and resets its miss counter.
func (r *Registry) MarkSynced(c Coordinate) (Transition, error) {
	t, err := r.at(c)
	if err != nil {
		return Transition{}, fmt.Errorf("mark synced: %w", err)
	}
	if t.Synced {
		return Transition{Tag: *t}, nil
	}

	t.Synced = true
	t.MissedResponses = 0
	r.syncedCount++
	r.unrelease(c)
	return Transition{Tag: *t, Changed: true}, nil
}

// MarkDesynced flags the tag at c as out of sync. Its miss counter is kept
// as it was and its coordinate stays reserved for it.
func (r *Registry) MarkDesynced(c Coordinate) (Transition, error) {
	t, err := r.at(c)
	if err != nil {
		return Transition{}, fmt.Errorf("mark desynced: %w", err)
	}
	if !t.Synced {
		return Transition{Tag: *t}, nil
	}

	t.Synced = false
	r.syncedCount--
	r.released = append(r.released, c)
	return Transition{Tag: *t, Changed: true}, nil
}

// RecordMiss increments the miss counter of the synced tag at c and returns
// the new count.
func (r *Registry) RecordMiss(c Coordinate) (int, error) {
	t, err := r.at(c)
	if err != nil {
		return 0, fmt.Errorf("record miss: %w", err)
	}
	if !t.Synced {
		return t.MissedResponses, fmt.Errorf("record miss %s: tag %s is not synced", c, t.Address)
	}
	t.MissedResponses++
	return t.MissedResponses, nil
}

// Tag returns a copy of the tag at c.
func (r *Registry) Tag(c Coordinate) (SensorTag, bool) {
	t, err := r.at(c)
	if err != nil {
		return SensorTag{}, false
	}
	return *t, true
}

// SyncedCount returns the number of synced tags.
func (r *Registry) SyncedCount() int {
	return r.syncedCount
}

// SubeventCount returns the number of subevents opened so far.
func (r *Registry) SubeventCount() int {
	n := 0
	for s, a := range r.allocated {
		if a > 0 {
			n = s + 1
		}
	}
	return n
}

// SlotCount returns how many slots of subevent have been handed out.
func (r *Registry) SlotCount(subevent uint8) int {
	if int(subevent) >= r.maxSubevents {
		return 0
	}
	return r.allocated[subevent]
}

// Synced returns the synced coordinates of subevent in slot order.
func (r *Registry) Synced(subevent uint8) []Coordinate {
	if int(subevent) >= r.maxSubevents {
		return nil
	}
	var out []Coordinate
	for k := 0; k < r.allocated[subevent]; k++ {
		if t := r.tags[subevent][k]; t != nil && t.Synced {
			out = append(out, t.Coordinate)
		}
	}
	return out
}

// Snapshot copies every tag in coordinate order.
func (r *Registry) Snapshot() []SensorTag {
	var out []SensorTag
	for s := range r.tags {
		for k := 0; k < r.allocated[s]; k++ {
			if t := r.tags[s][k]; t != nil {
				out = append(out, *t)
			}
		}
	}
	return out
}

func (r *Registry) at(c Coordinate) (*SensorTag, error) {
	if !r.inRange(c) {
		return nil, fmt.Errorf("%s: %w", c, ErrOutOfRange)
	}
	t := r.tags[c.Subevent][c.Slot]
	if t == nil {
		return nil, fmt.Errorf("%s: %w", c, ErrUnknownCoordinate)
	}
	return t, nil
}

func (r *Registry) inRange(c Coordinate) bool {
	return int(c.Subevent) < r.maxSubevents && int(c.Slot) < r.maxSlots
}

// used reports whether the cursor has already passed c.
func (r *Registry) used(c Coordinate) bool {
	return int(c.Slot) < r.allocated[c.Subevent]
}

// take removes c from the free pool. A never-used c must be the cursor.
func (r *Registry) take(c Coordinate) {
	if !r.used(c) {
		r.advance()
		return
	}
	r.unrelease(c)
}

func (r *Registry) advance() {
	r.allocated[r.cursor.Subevent]++
	switch {
	case int(r.cursor.Slot) < r.maxSlots-1:
		r.cursor.Slot++
	case int(r.cursor.Subevent) < r.maxSubevents-1:
		r.cursor = Coordinate{Subevent: r.cursor.Subevent + 1}
	default:
		r.exhausted = true
	}
}

func (r *Registry) place(addr string, c Coordinate) {
	r.tags[c.Subevent][c.Slot] = &SensorTag{Address: addr, Coordinate: c}
}

func (r *Registry) unrelease(c Coordinate) {
	for i, rc := range r.released {
		if rc == c {
			r.released = append(r.released[:i], r.released[i+1:]...)
			return
		}
	}
}
