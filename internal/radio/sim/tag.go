package sim

import (
	"github.com/srg/pawrgate/internal/adv"
	"github.com/srg/pawrgate/internal/radio"
)

// DefaultOutOfSyncLimit is the number of consecutive lost trains after which
// a tag gives up its sync and advertises again.
const DefaultOutOfSyncLimit = 20

// Tag is a simulated sensor tag running the tag firmware logic.
type Tag struct {
	Address string
	Name    string
	// LossRate is the probability in [0, 1] that the tag misses one train.
	LossRate float64

	reading adv.Reading

	subevent uint8
	slot     uint8
	synced   bool
	lost     int
}

// NewTag creates an unsynced tag advertising name.
func NewTag(address, name string, reading adv.Reading) *Tag {
	return &Tag{Address: address, Name: name, reading: reading}
}

// Synced reports whether the tag follows the train.
func (t *Tag) Synced() bool {
	return t.synced
}

// Coordinate returns the subevent and slot last written to the tag.
func (t *Tag) Coordinate() (subevent, slot uint8) {
	return t.subevent, t.slot
}

// SetReading changes the values reported from now on.
func (t *Tag) SetReading(r adv.Reading) {
	t.reading = r
}

// Advertisement returns the advertising data of an unsynced tag.
func (t *Tag) Advertisement() ([]byte, error) {
	return adv.Advertisement(t.Name)
}

// Addressed parses a command frame [n][addr...][op] and returns the
// operation when the frame names the tag's slot or the broadcast address.
func (t *Tag) Addressed(payload []byte) (radio.Op, bool) {
	if len(payload) < 2 {
		return 0, false
	}
	n := int(payload[0])
	if len(payload) < n+2 {
		return 0, false
	}
	for _, a := range payload[1 : n+1] {
		if a == t.slot || a == radio.BroadcastAddress {
			return radio.Op(payload[n+1]), true
		}
	}
	return 0, false
}

// Respond builds the response frame [slot][op][records...] for op.
func (t *Tag) Respond(op radio.Op) ([]byte, error) {
	out := []byte{t.slot, byte(op)}
	if op != radio.OpReadSensorValues {
		return out, nil
	}
	records, err := adv.EncodeReading(t.reading)
	if err != nil {
		return nil, err
	}
	return append(out, records...), nil
}

func (t *Tag) sync() {
	t.synced = true
	t.lost = 0
}

// missTrain counts a lost train and reports whether the tag dropped sync.
func (t *Tag) missTrain(limit int) bool {
	t.lost++
	if t.lost < limit {
		return false
	}
	t.synced = false
	t.lost = 0
	return true
}
