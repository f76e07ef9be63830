// Package testutils holds fakes shared by the package tests: a recording
// radio, a manual scheduler, a recording publisher and builders for the raw
// frames the tags exchange with the gateway.
package testutils

import (
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/pawrgate/internal/adv"
	"github.com/srg/pawrgate/internal/radio"
)

// NewTestLogger returns a debug-level logger that writes nowhere and a hook
// capturing its entries.
func NewTestLogger() (*logrus.Logger, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	logger.SetOutput(io.Discard)
	return logger, hook
}

// ScheduledTask is a function handed to ManualScheduler.
type ScheduledTask struct {
	Delay time.Duration
	Fn    func()
}

// ManualScheduler stores delayed work until the test runs it.
type ManualScheduler struct {
	mu    sync.Mutex
	tasks []ScheduledTask
}

func (s *ManualScheduler) AfterFunc(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, ScheduledTask{Delay: d, Fn: fn})
}

// Pending returns the tasks not yet run.
func (s *ManualScheduler) Pending() []ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ScheduledTask(nil), s.tasks...)
}

// RunAll runs and forgets every pending task, returning how many ran.
func (s *ManualScheduler) RunAll() int {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = nil
	s.mu.Unlock()

	for _, t := range tasks {
		t.Fn()
	}
	return len(tasks)
}

// Published is one handoff seen by RecordingPublisher.
type Published struct {
	Data    []byte
	Address string
}

// RecordingPublisher keeps every reading handed to it.
type RecordingPublisher struct {
	mu       sync.Mutex
	readings []Published
}

func (p *RecordingPublisher) Publish(data []byte, address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readings = append(p.readings, Published{Data: append([]byte(nil), data...), Address: address})
}

// Readings returns a copy of the recorded handoffs.
func (p *RecordingPublisher) Readings() []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Published(nil), p.readings...)
}

// SensorAdvertisement builds the advertisement a tag sends while unsynced.
func SensorAdvertisement(name string) []byte {
	return must(adv.Advertisement(name))
}

// SensorResponse builds a read-sensor-values response from slot.
func SensorResponse(slot uint8, temperature, humidity float64, battery uint8) []byte {
	data := []byte{slot, byte(radio.OpReadSensorValues)}
	return append(data, must(adv.EncodeReading(adv.Reading{
		Temperature:  temperature,
		Humidity:     humidity,
		BatteryLevel: &battery,
	}))...)
}

func must(b []byte, err error) []byte {
	if err != nil {
		panic(err)
	}
	return b
}
