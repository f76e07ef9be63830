// Package poll runs the read rounds over the synced sensor tags.
//
// A round is armed by PollDue and stays armed until the radio has requested
// data for every subevent of the train, whether in one request or one
// request per subevent. Every subevent either gets a broadcast read, which
// makes each synced slot of that subevent expected, or a targeted resend
// listing only the slots still missing from an earlier round. One sweep per
// round, scheduled after the last subevent is filled, counts the slots that
// stayed silent and desyncs those that reach the miss threshold; leftovers
// re-arm the engine straight away.
//
// Engine is not safe for concurrent use. Scheduled sweeps must be run on the
// same goroutine that delivers radio events.
package poll

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/pawrgate/internal/radio"
	"github.com/srg/pawrgate/internal/registry"
)

// DefaultMaxMissed is the number of consecutive silent rounds after which a
// tag is considered out of sync.
const DefaultMaxMissed = 2

// sweepFactor stretches the train interval so every subevent's responses are
// in before misses are counted.
const sweepFactor = 1.5

// Scheduler runs fn once after d. Implementations must deliver fn on the
// engine's goroutine.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func())
}

// Publisher accepts the raw sensor records of one response.
type Publisher interface {
	Publish(data []byte, address string)
}

// Options wires an Engine to its collaborators.
type Options struct {
	Advertiser radio.Advertiser
	Registry   *registry.Registry
	Scheduler  Scheduler
	Publisher  Publisher
	Params     radio.PAwRParams
	// MaxMissed defaults to DefaultMaxMissed.
	MaxMissed int
	Logger    *logrus.Logger
}

// Engine is the poll cycle state.
type Engine struct {
	opts    Options
	logger  *logrus.Logger
	waiting *WaitingSet

	set     uint8
	armed   bool
	inRound bool
	rounds  uint64

	// unfilled holds the subevents the armed round has not written yet.
	unfilled map[uint8]struct{}
	issued   int
}

// NewEngine creates an idle engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Advertiser == nil || opts.Registry == nil || opts.Scheduler == nil || opts.Publisher == nil {
		return nil, fmt.Errorf("poll engine: advertiser, registry, scheduler and publisher are required")
	}
	if opts.Params.Subevents == 0 {
		return nil, fmt.Errorf("poll engine: at least one subevent is required")
	}
	if opts.MaxMissed <= 0 {
		opts.MaxMissed = DefaultMaxMissed
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	return &Engine{
		opts:     opts,
		logger:   opts.Logger,
		waiting:  NewWaitingSet(),
		unfilled: make(map[uint8]struct{}, opts.Params.Subevents),
	}, nil
}

// SetAdvertisingSet records the handle of the running advertising train.
func (e *Engine) SetAdvertisingSet(set uint8) {
	e.set = set
}

// Pending reports whether a round is armed and waits for a data request.
func (e *Engine) Pending() bool {
	return e.armed
}

// Waiting returns the coordinates expected to answer, in the order they were
// added.
func (e *Engine) Waiting() []registry.Coordinate {
	return e.waiting.All()
}

// Rounds returns how many rounds have been issued.
func (e *Engine) Rounds() uint64 {
	return e.rounds
}

// SweepDelay is the time between issuing a round and counting its misses.
func (e *Engine) SweepDelay() time.Duration {
	return time.Duration(float64(e.opts.Params.IntervalDuration()) * sweepFactor)
}

// PollDue arms a round when at least one tag is synced.
func (e *Engine) PollDue() {
	if e.opts.Registry.SyncedCount() == 0 {
		e.logger.Info("No synced tags, skipping reading")
		return
	}
	if e.inRound || e.armed {
		e.logger.Debug("Poll round still in flight, skipping")
		return
	}
	e.arm()
}

// OnSubeventDataRequest fills the requested subevents when a round is armed.
// Subevents already filled by this round are left alone.
func (e *Engine) OnSubeventDataRequest(ev radio.SubeventDataRequest) {
	if !e.armed {
		return
	}

	subevents := int(e.opts.Params.Subevents)
	for i := 0; i < int(ev.Count); i++ {
		subevent := uint8((int(ev.SubeventStart) + i) % subevents)
		if _, ok := e.unfilled[subevent]; !ok {
			continue
		}
		delete(e.unfilled, subevent)
		if e.fill(subevent) {
			e.issued++
		}
	}
	if len(e.unfilled) > 0 {
		return
	}

	e.armed = false
	if e.issued == 0 {
		e.logger.Debug("Nothing to read in requested subevents")
		return
	}

	e.rounds++
	e.inRound = true
	e.opts.Scheduler.AfterFunc(e.SweepDelay(), e.Sweep)
}

func (e *Engine) arm() {
	e.armed = true
	e.issued = 0
	for s := uint8(0); s < e.opts.Params.Subevents; s++ {
		e.unfilled[s] = struct{}{}
	}
}

// fill submits the payload of one subevent and reports whether it did.
func (e *Engine) fill(subevent uint8) bool {
	logger := e.logger.WithField("subevent", subevent)

	slots := e.opts.Registry.SlotCount(subevent)
	if slots == 0 {
		return false
	}

	var (
		addresses []byte
		expected  []registry.Coordinate
	)
	if resend := e.waiting.InSubevent(subevent); len(resend) > 0 {
		for _, c := range resend {
			addresses = append(addresses, c.Slot)
			logger.WithField("slot", c.Slot).Infof("Reading sensor at %s", c)
		}
	} else {
		expected = e.opts.Registry.Synced(subevent)
		if len(expected) == 0 {
			return false
		}
		addresses = []byte{radio.BroadcastAddress}
		logger.Infof("Reading all sensors in subevent %d", subevent)
	}

	payload := BuildRequest(radio.OpReadSensorValues, addresses)
	if err := e.opts.Advertiser.SetSubeventData(e.set, subevent, 0, uint8(slots), payload); err != nil {
		logger.WithError(err).Warn("Failed to set subevent data")
		return false
	}
	for _, c := range expected {
		e.waiting.Add(c)
	}
	return true
}

// Sweep counts a miss for every coordinate that did not answer. Tags that
// reach the threshold are desynced and dropped from the set. Anything left
// arms the next round.
func (e *Engine) Sweep() {
	e.inRound = false
	if e.waiting.Len() == 0 {
		return
	}

	for _, c := range e.waiting.All() {
		logger := e.logger.WithFields(logrus.Fields{
			"subevent": c.Subevent,
			"slot":     c.Slot,
		})

		missed, err := e.opts.Registry.RecordMiss(c)
		if err != nil {
			logger.WithError(err).Warn("Dropping stale waiting entry")
			e.waiting.Remove(c)
			continue
		}
		logger = logger.WithField("missed", missed)
		logger.Warnf("Tag at %s did not respond to the previous command, resend scheduled", c)

		if missed < e.opts.MaxMissed {
			continue
		}

		tr, err := e.opts.Registry.MarkDesynced(c)
		if err != nil {
			logger.WithError(err).Warn("Failed to desync tag")
		} else if tr.Changed {
			logger.WithField("address", tr.Tag.Address).Error("Tag lost sync, it must be paired again")
		}
		e.waiting.Remove(c)
	}

	if e.waiting.Len() > 0 {
		e.arm()
	}
}

// OnResponse handles one slot's answer.
func (e *Engine) OnResponse(ev radio.ResponseReport) {
	c := registry.Coordinate{Subevent: ev.Subevent, Slot: ev.Slot}
	logger := e.logger.WithFields(logrus.Fields{
		"subevent": c.Subevent,
		"slot":     c.Slot,
	})

	if ev.Status != radio.StatusSuccess {
		if e.waiting.Contains(c) {
			logger.WithField("status", ev.Status).Errorf("Failed response received, data: %x", ev.Data)
		}
		return
	}

	op, ok := ev.Op()
	if !ok {
		logger.Warnf("Malformed response: %x", ev.Data)
		return
	}
	logger.WithField("op", op).Debugf("Response received, data: %x", ev.Data)

	switch op {
	case radio.OpPing:
		logger.Info("Ping response received")
	case radio.OpReadSensorValues:
		tag, ok := e.opts.Registry.Tag(c)
		if !ok {
			logger.Warn("Response from a slot with no tag")
			return
		}
		if !e.waiting.Remove(c) {
			logger.Debug("Response not expected in this round")
		}
		e.opts.Publisher.Publish(ev.Payload(), tag.Address)
	default:
		logger.Warnf("Unknown operation %d in response", op)
	}
}

// BuildRequest frames a command for the tags: the address count, the
// addresses and the operation.
func BuildRequest(op radio.Op, addresses []byte) []byte {
	payload := make([]byte, 0, len(addresses)+2)
	payload = append(payload, byte(len(addresses)))
	payload = append(payload, addresses...)
	return append(payload, byte(op))
}
