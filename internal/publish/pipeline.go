package publish

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/pawrgate/internal/queue"
)

// Sink delivers decoded messages.
type Sink interface {
	Send(ctx context.Context, m Message) error
}

type rawReading struct {
	data       []byte
	address    string
	receivedAt time.Time
}

// Pipeline accepts raw readings without blocking and hands them, decoded, to
// a sink from its own goroutine.
type Pipeline struct {
	sink   Sink
	queue  *queue.Queue[rawReading]
	logger *logrus.Logger
	now    func() time.Time
}

// NewPipeline creates a pipeline feeding sink.
func NewPipeline(sink Sink, logger *logrus.Logger) *Pipeline {
	if logger == nil {
		logger = logrus.New()
	}
	return &Pipeline{
		sink:   sink,
		queue:  queue.New[rawReading](),
		logger: logger,
		now:    time.Now,
	}
}

// Publish queues the sensor records sent by the tag at address. It never
// blocks. Readings published after Run returned are dropped.
func (p *Pipeline) Publish(data []byte, address string) {
	r := rawReading{
		data:       append([]byte(nil), data...),
		address:    address,
		receivedAt: p.now(),
	}
	if !p.queue.Push(r) {
		p.logger.WithField("address", address).Warn("Publisher stopped, dropping reading")
	}
}

// Backlog returns the number of readings not yet delivered.
func (p *Pipeline) Backlog() int {
	return p.queue.Len()
}

// Run delivers readings until ctx is done. Readings still queued at that
// point are flushed with a fresh context before Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.flush()

	for {
		p.drain(ctx)

		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-p.queue.Wait():
			if !ok {
				return nil
			}
		}
	}
}

func (p *Pipeline) flush() {
	p.queue.Close()
	if p.queue.Len() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.drain(ctx)
}

func (p *Pipeline) drain(ctx context.Context) {
	for {
		r, ok := p.queue.TryPop()
		if !ok {
			return
		}
		p.deliver(ctx, r)
	}
}

func (p *Pipeline) deliver(ctx context.Context, r rawReading) {
	logger := p.logger.WithField("address", r.address)

	m, err := NewMessage(r.data, r.address, r.receivedAt)
	if err != nil {
		logger.WithError(err).Warnf("Dropping undecodable reading: %x", r.data)
		return
	}
	if err := p.sink.Send(ctx, m); err != nil {
		logger.WithError(err).Error("Failed to publish reading")
	}
}
