// Package sim is an in-process PAwR radio with simulated sensor tags. It
// accepts the same commands as the real controller and answers with the
// events the tags and the link layer would produce, so the gateway can run
// without hardware.
package sim

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/pawrgate/internal/radio"
)

const (
	serviceHandle        = uint32(0x00010008)
	subeventCharHandle   = uint16(0x0021)
	responseSlotHandle   = uint16(0x0024)
	advertisingSetHandle = uint8(0)

	// reasonLocalHost is reported when the gateway closes a connection.
	reasonLocalHost = uint16(0x1016)
	// gattAttributeNotFound completes a discovery that found nothing.
	gattAttributeNotFound = uint16(0x040a)
)

// Options configures the simulated radio.
type Options struct {
	// Tick is the wall-clock time of one train in Run. Zero runs trains
	// at the default 5 s interval.
	Tick time.Duration
	// OutOfSyncLimit defaults to DefaultOutOfSyncLimit.
	OutOfSyncLimit int
	Seed           uint64
	Logger         *logrus.Logger
}

type link struct {
	tag *Tag
}

// Radio is the simulated controller.
type Radio struct {
	mu     sync.Mutex
	opts   Options
	logger *logrus.Logger
	rng    *rand.Rand

	events chan radio.Event
	closed bool

	tags        []*Tag
	params      radio.PAwRParams
	advertising bool
	scanning    bool
	links       map[uint8]*link
	nextConn    uint8
}

// New creates a radio serving tags.
func New(opts Options, tags ...*Tag) *Radio {
	if opts.OutOfSyncLimit <= 0 {
		opts.OutOfSyncLimit = DefaultOutOfSyncLimit
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	return &Radio{
		opts:     opts,
		logger:   opts.Logger,
		rng:      rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
		events:   make(chan radio.Event, 4096),
		tags:     tags,
		links:    make(map[uint8]*link),
		nextConn: 1,
	}
}

// AddTag brings another tag into range.
func (r *Radio) AddTag(t *Tag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags = append(r.tags, t)
}

// Tags returns the simulated tags.
func (r *Radio) Tags() []*Tag {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Tag(nil), r.tags...)
}

// Detach makes the tag at address lose its sync as if it moved out of range
// for longer than its out-of-sync limit.
func (r *Radio) Detach(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tags {
		if t.Address == address && t.synced {
			t.synced = false
			t.lost = 0
			return true
		}
	}
	return false
}

// SyncedTags returns the addresses of the tags following the train.
func (r *Radio) SyncedTags() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, t := range r.tags {
		if t.synced {
			out = append(out, t.Address)
		}
	}
	return out
}

func (r *Radio) Events() <-chan radio.Event {
	return r.events
}

// Run boots the controller and drives trains until ctx is done. The event
// channel is closed on return.
func (r *Radio) Run(ctx context.Context) error {
	r.emit(radio.Boot{})

	tick := r.opts.Tick
	if tick <= 0 {
		tick = radio.PAwRParams{Interval: 4000}.IntervalDuration()
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	defer r.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Step()
		}
	}
}

// Close stops the radio. Commands fail with radio.ErrClosed afterwards.
func (r *Radio) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.events)
}

// Boot emits the boot event without starting Run.
func (r *Radio) Boot() {
	r.emit(radio.Boot{})
}

// Step runs one train: unsynced tags advertise while scanning is on and every
// subevent asks for its data.
func (r *Radio) Step() {
	r.mu.Lock()
	var out []radio.Event
	if r.scanning {
		for _, t := range r.tags {
			if t.synced || r.connectedLocked(t) {
				continue
			}
			data, err := t.Advertisement()
			if err != nil {
				r.logger.WithError(err).WithField("address", t.Address).Warn("Simulated tag cannot advertise")
				continue
			}
			out = append(out, radio.AdvertisementReport{
				Address: t.Address,
				Data:    data,
			})
		}
	}
	if r.advertising {
		for s := uint8(0); s < r.params.Subevents; s++ {
			out = append(out, radio.SubeventDataRequest{
				AdvertisingSet: advertisingSetHandle,
				SubeventStart:  s,
				Count:          1,
			})
		}
	}
	r.mu.Unlock()

	r.emit(out...)
}

func (r *Radio) StartPeriodicAdvertising(p radio.PAwRParams) (uint8, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, radio.ErrClosed
	}
	if p.Subevents == 0 || p.Slots == 0 {
		return 0, &radio.CommandError{Command: "start periodic advertising", Status: 0x0021}
	}
	r.params = p
	r.advertising = true
	r.logger.WithField("interval", p.IntervalDuration()).Debug("Simulated train started")
	return advertisingSetHandle, nil
}

// SetSubeventData transmits payload in subevent and collects the answers of
// the tags listening there.
func (r *Radio) SetSubeventData(set, subevent, slotStart, slotCount uint8, data []byte) error {
	r.mu.Lock()
	if err := r.checkLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	if !r.advertising || set != advertisingSetHandle {
		r.mu.Unlock()
		return &radio.CommandError{Command: "set subevent data", Status: 0x0142}
	}

	var out []radio.Event
	for _, t := range r.tags {
		if !t.synced || t.subevent != subevent {
			continue
		}
		if r.rng.Float64() < t.LossRate {
			if t.missTrain(r.opts.OutOfSyncLimit) {
				r.logger.WithField("address", t.Address).Debug("Simulated tag lost sync")
			}
			continue
		}
		t.lost = 0

		op, ok := t.Addressed(data)
		if !ok || t.slot < slotStart || t.slot >= slotStart+slotCount {
			continue
		}
		data, err := t.Respond(op)
		if err != nil {
			r.logger.WithError(err).WithField("address", t.Address).Warn("Simulated tag cannot respond")
			continue
		}
		out = append(out, radio.ResponseReport{
			Subevent: subevent,
			Slot:     t.slot,
			Status:   radio.StatusSuccess,
			Data:     data,
		})
	}
	r.mu.Unlock()

	r.emit(out...)
	return nil
}

func (r *Radio) StartScan() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkLocked(); err != nil {
		return err
	}
	r.scanning = true
	return nil
}

func (r *Radio) StopScan() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkLocked(); err != nil {
		return err
	}
	r.scanning = false
	return nil
}

func (r *Radio) OpenConnection(address string, _ uint8) error {
	r.mu.Lock()
	if err := r.checkLocked(); err != nil {
		r.mu.Unlock()
		return err
	}

	var tag *Tag
	for _, t := range r.tags {
		if t.Address == address {
			tag = t
			break
		}
	}
	if tag == nil {
		r.mu.Unlock()
		return &radio.CommandError{Command: "open connection", Status: 0x0102}
	}

	conn := r.nextConn
	r.nextConn++
	if r.nextConn == 0 {
		r.nextConn = 1
	}
	r.links[conn] = &link{tag: tag}
	r.mu.Unlock()

	r.emit(radio.ConnectionOpened{Address: address, Connection: conn})
	return nil
}

func (r *Radio) CloseConnection(conn uint8) error {
	r.mu.Lock()
	if err := r.checkLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	if _, ok := r.links[conn]; !ok {
		r.mu.Unlock()
		return &radio.CommandError{Command: "close connection", Status: 0x0002}
	}
	delete(r.links, conn)
	r.mu.Unlock()

	r.emit(radio.ConnectionClosed{Connection: conn, Reason: reasonLocalHost})
	return nil
}

func (r *Radio) DiscoverService(conn uint8, uuid ble.UUID) error {
	if _, err := r.link(conn); err != nil {
		return err
	}

	var out []radio.Event
	if uuid.Equal(radio.SensorServiceUUID) {
		out = append(out, radio.ServiceDiscovered{Connection: conn, UUID: uuid, Service: serviceHandle})
	}
	out = append(out, radio.ProcedureCompleted{Connection: conn})
	r.emit(out...)
	return nil
}

func (r *Radio) DiscoverCharacteristic(conn uint8, service uint32, uuid ble.UUID) error {
	if _, err := r.link(conn); err != nil {
		return err
	}

	var handle uint16
	switch {
	case service != serviceHandle:
	case uuid.Equal(radio.SubeventCharUUID):
		handle = subeventCharHandle
	case uuid.Equal(radio.ResponseSlotCharUUID):
		handle = responseSlotHandle
	}

	if handle == 0 {
		r.emit(radio.ProcedureCompleted{Connection: conn, Result: gattAttributeNotFound})
		return nil
	}
	r.emit(
		radio.CharacteristicDiscovered{Connection: conn, UUID: uuid, Characteristic: handle},
		radio.ProcedureCompleted{Connection: conn},
	)
	return nil
}

func (r *Radio) WriteCharacteristic(conn uint8, characteristic uint16, value []byte) error {
	l, err := r.link(conn)
	if err != nil {
		return err
	}
	if len(value) != 1 {
		return &radio.CommandError{Command: "write characteristic", Status: 0x0412}
	}

	r.mu.Lock()
	switch characteristic {
	case subeventCharHandle:
		l.tag.subevent = value[0]
	case responseSlotHandle:
		l.tag.slot = value[0]
	default:
		r.mu.Unlock()
		return &radio.CommandError{Command: "write characteristic", Status: 0x0401}
	}
	r.mu.Unlock()

	r.emit(radio.ProcedureCompleted{Connection: conn})
	return nil
}

// TransferSync hands the train to the tag, which follows it and then drops
// the connection the way the firmware does.
func (r *Radio) TransferSync(conn uint8, set uint8) error {
	l, err := r.link(conn)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if set != advertisingSetHandle || !r.advertising {
		r.mu.Unlock()
		return &radio.CommandError{Command: "transfer sync", Status: 0x0142}
	}
	l.tag.sync()
	delete(r.links, conn)
	r.mu.Unlock()

	r.emit(
		radio.ProcedureCompleted{Connection: conn},
		radio.ConnectionClosed{Connection: conn, Reason: radio.ReasonCleanDisconnect},
	)
	return nil
}

func (r *Radio) link(conn uint8) (*link, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkLocked(); err != nil {
		return nil, err
	}
	l, ok := r.links[conn]
	if !ok {
		return nil, &radio.CommandError{Command: fmt.Sprintf("connection %d", conn), Status: 0x0002}
	}
	return l, nil
}

func (r *Radio) connectedLocked(t *Tag) bool {
	for _, l := range r.links {
		if l.tag == t {
			return true
		}
	}
	return false
}

func (r *Radio) checkLocked() error {
	if r.closed {
		return radio.ErrClosed
	}
	return nil
}

// emit delivers events in order. Events produced after Close are dropped.
func (r *Radio) emit(events ...radio.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	for _, ev := range events {
		r.events <- ev
	}
}

var _ radio.Radio = (*Radio)(nil)
