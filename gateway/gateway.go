// Package gateway wires the scanner, the pairing handshake and the poll
// engine to one radio and runs them from a single event loop.
//
// Radio events, poll ticks and delayed sweeps are all posted into one FIFO
// and handled one at a time by Run, so the registry, the waiting set and
// the pairing session are only ever touched from that loop.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/pawrgate/internal/groutine"
	"github.com/srg/pawrgate/internal/pairing"
	"github.com/srg/pawrgate/internal/poll"
	"github.com/srg/pawrgate/internal/queue"
	"github.com/srg/pawrgate/internal/radio"
	"github.com/srg/pawrgate/internal/registry"
	"github.com/srg/pawrgate/scanner"
)

var (
	// ErrAlreadyRunning is returned by a second concurrent Run.
	ErrAlreadyRunning = errors.New("gateway already running")
	// ErrStopped is returned by queries made after Run returned.
	ErrStopped = errors.New("gateway stopped")
)

// Options configures a Gateway.
type Options struct {
	Radio     radio.Radio
	Params    radio.PAwRParams
	Publisher poll.Publisher
	// ReadPeriod is the time between poll rounds.
	ReadPeriod time.Duration
	MaxMissed  int
	Scan       *scanner.ScanOptions
	Logger     *logrus.Logger
}

// item is one unit of work for the loop: a radio event or a task.
type item struct {
	event radio.Event
	task  func()
}

// Gateway is the composition root.
type Gateway struct {
	opts   Options
	logger *logrus.Logger

	radio    radio.Radio
	registry *registry.Registry
	engine   *poll.Engine
	scanner  *scanner.Scanner
	// session is the pairing in progress, if any. At most one exists.
	session *pairing.Session

	queue   *queue.Queue[item]
	set     uint8
	booted  bool
	running atomic.Bool
}

// New builds a gateway around opts.Radio. The registry is sized by the
// subevent and slot counts of opts.Params.
func New(opts Options) (*Gateway, error) {
	if opts.Radio == nil {
		return nil, errors.New("gateway requires a radio")
	}
	if opts.Publisher == nil {
		return nil, errors.New("gateway requires a publisher")
	}
	if opts.ReadPeriod <= 0 {
		return nil, fmt.Errorf("read period must be positive, got %s", opts.ReadPeriod)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	reg, err := registry.New(int(opts.Params.Subevents), int(opts.Params.Slots))
	if err != nil {
		return nil, fmt.Errorf("failed to size tag registry: %w", err)
	}

	g := &Gateway{
		opts:     opts,
		logger:   opts.Logger,
		radio:    opts.Radio,
		registry: reg,
		queue:    queue.New[item](),
	}

	g.engine, err = poll.NewEngine(poll.Options{
		Advertiser: opts.Radio,
		Registry:   reg,
		Scheduler:  loopScheduler{g},
		Publisher:  opts.Publisher,
		Params:     opts.Params,
		MaxMissed:  opts.MaxMissed,
		Logger:     opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	g.scanner, err = scanner.NewScanner(opts.Radio, opts.Scan, opts.Logger)
	if err != nil {
		return nil, err
	}

	return g, nil
}

// Run processes radio events until ctx is done or the radio closes its event
// stream. It returns an error only when the radio cannot be started.
func (g *Gateway) Run(ctx context.Context) error {
	if !g.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	group := groutine.NewGroup(ctx)
	defer func() {
		cancel()
		g.queue.Close()
		group.Wait()
	}()

	group.Go("radio-events", g.forwardEvents)
	group.Go("poll-ticker", g.tick)

	for {
		if err := g.drain(); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			g.logger.Info("Gateway stopped")
			return nil
		case _, ok := <-g.queue.Wait():
			if !ok {
				g.logger.Info("Radio event stream closed, gateway stopped")
				return g.drain()
			}
		}
	}
}

func (g *Gateway) drain() error {
	for {
		it, ok := g.queue.TryPop()
		if !ok {
			return nil
		}
		if it.task != nil {
			it.task()
			continue
		}
		if err := g.handle(it.event); err != nil {
			return err
		}
	}
}

// forwardEvents moves radio events into the loop queue.
func (g *Gateway) forwardEvents(ctx context.Context) {
	events := g.radio.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				g.queue.Close()
				return
			}
			g.queue.Push(item{event: ev})
		}
	}
}

// tick posts a poll request every read period.
func (g *Gateway) tick(ctx context.Context) {
	g.logger.WithField("period", g.opts.ReadPeriod).Info("Sensor reading period set")

	ticker := time.NewTicker(g.opts.ReadPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.queue.Push(item{task: g.engine.PollDue})
		}
	}
}

// handle routes one radio event. Only a failed boot is fatal.
func (g *Gateway) handle(ev radio.Event) error {
	switch e := ev.(type) {
	case radio.Boot:
		return g.boot()

	case radio.AdvertisementReport:
		g.scanner.HandleAdvertisement(e, g.session != nil)

	case radio.ConnectionOpened:
		g.connectionOpened(e)

	case radio.ServiceDiscovered, radio.CharacteristicDiscovered, radio.ProcedureCompleted:
		if g.session == nil || !g.session.Handle(ev) {
			g.logger.WithField("event", radio.Name(ev)).Debug("Event for no pairing session")
		}

	case radio.ConnectionClosed:
		g.connectionClosed(e)

	case radio.SubeventDataRequest:
		g.engine.OnSubeventDataRequest(e)

	case radio.ResponseReport:
		g.engine.OnResponse(e)

	default:
		g.logger.WithField("event", radio.Name(ev)).Debug("Unhandled event")
	}
	return nil
}

// boot starts the advertising train, then scanning. Polling runs off the
// ticker, which only arms rounds once tags are synced.
func (g *Gateway) boot() error {
	if g.booted {
		g.logger.Warn("Radio rebooted, keeping the running train")
		return nil
	}

	p := g.opts.Params
	set, err := g.radio.StartPeriodicAdvertising(p)
	if err != nil {
		return fmt.Errorf("failed to start periodic advertising: %w", err)
	}
	g.set = set
	g.engine.SetAdvertisingSet(set)
	g.booted = true

	g.logger.WithFields(logrus.Fields{
		"set":       set,
		"interval":  p.IntervalDuration(),
		"subevents": p.Subevents,
		"slots":     p.Slots,
	}).Info("PAwR train started")

	if err := g.scanner.Start(); err != nil {
		return err
	}
	return nil
}

func (g *Gateway) connectionOpened(ev radio.ConnectionOpened) {
	g.scanner.ConnectionOpened(ev.Address)

	if g.session != nil {
		g.logger.WithFields(logrus.Fields{
			"address":    ev.Address,
			"connection": ev.Connection,
		}).Warn("Pairing already in progress, closing extra connection")
		if err := g.radio.CloseConnection(ev.Connection); err != nil {
			g.logger.WithError(err).Warn("Failed to close connection")
		}
		return
	}

	g.session = pairing.Open(ev, pairing.Options{
		GATT:           g.radio,
		Connector:      g.radio,
		Registry:       g.registry,
		AdvertisingSet: g.set,
		Logger:         g.logger,
	})
}

func (g *Gateway) connectionClosed(ev radio.ConnectionClosed) {
	logger := g.logger.WithFields(logrus.Fields{
		"connection": ev.Connection,
		"reason":     fmt.Sprintf("0x%04x", ev.Reason),
	})

	switch {
	case g.session != nil && g.session.Connection() == ev.Connection:
		out := g.session.Close(ev.Reason)
		g.session = nil
		logger.WithFields(logrus.Fields{
			"address": out.Address,
			"result":  out.Result,
		}).Info("Connection closed")
		if out.Result == pairing.Synced {
			logger.WithField("synced", g.registry.SyncedCount()).Info("Synced tags")
		}
	case g.session == nil:
		// A close without an open session ends the attempt the scanner
		// started, the controller never reported it as opened.
		if c, ok := g.scanner.Attempt(); ok {
			g.scanner.ConnectFailed(c.Address)
			return
		}
		logger.Info("Connection closed")
	default:
		logger.Info("Connection closed")
	}

	if g.session == nil {
		g.scanner.Resume()
	}
}

// Status is a point-in-time view of the gateway.
type Status struct {
	Tags        []registry.SensorTag
	SyncedCount int
	Pairing     string
	Waiting     []registry.Coordinate
	Rounds      uint64
}

// Status asks the loop for a snapshot. It blocks until the loop answers or
// ctx is done.
func (g *Gateway) Status(ctx context.Context) (Status, error) {
	result := make(chan Status, 1)
	ok := g.queue.Push(item{task: func() {
		st := Status{
			Tags:        g.registry.Snapshot(),
			SyncedCount: g.registry.SyncedCount(),
			Waiting:     g.engine.Waiting(),
			Rounds:      g.engine.Rounds(),
		}
		if g.session != nil {
			st.Pairing = g.session.Address()
		}
		result <- st
	}})
	if !ok {
		return Status{}, ErrStopped
	}

	select {
	case st := <-result:
		return st, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// loopScheduler runs delayed work on the gateway loop.
type loopScheduler struct {
	g *Gateway
}

func (s loopScheduler) AfterFunc(d time.Duration, fn func()) {
	time.AfterFunc(d, func() {
		s.g.queue.Push(item{task: fn})
	})
}
