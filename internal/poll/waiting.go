package poll

import (
	"github.com/srg/pawrgate/internal/registry"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// WaitingSet holds the coordinates expected to answer the current round, in
// the order they were added.
type WaitingSet struct {
	entries *orderedmap.OrderedMap[registry.Coordinate, struct{}]
}

// NewWaitingSet returns an empty set.
func NewWaitingSet() *WaitingSet {
	return &WaitingSet{entries: orderedmap.New[registry.Coordinate, struct{}]()}
}

// Add inserts c, keeping its original position when already present.
func (w *WaitingSet) Add(c registry.Coordinate) {
	if _, ok := w.entries.Get(c); ok {
		return
	}
	w.entries.Set(c, struct{}{})
}

// Remove deletes c and reports whether it was present.
func (w *WaitingSet) Remove(c registry.Coordinate) bool {
	_, ok := w.entries.Delete(c)
	return ok
}

func (w *WaitingSet) Contains(c registry.Coordinate) bool {
	_, ok := w.entries.Get(c)
	return ok
}

func (w *WaitingSet) Len() int {
	return w.entries.Len()
}

// All returns the coordinates in insertion order.
func (w *WaitingSet) All() []registry.Coordinate {
	out := make([]registry.Coordinate, 0, w.entries.Len())
	for pair := w.entries.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// InSubevent returns the coordinates of subevent in insertion order.
func (w *WaitingSet) InSubevent(subevent uint8) []registry.Coordinate {
	var out []registry.Coordinate
	for pair := w.entries.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Key.Subevent == subevent {
			out = append(out, pair.Key)
		}
	}
	return out
}
