package poll

import (
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/pawrgate/internal/radio"
	"github.com/srg/pawrgate/internal/registry"
	"github.com/srg/pawrgate/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

var defaultParams = radio.PAwRParams{
	Interval:         4000,
	Flags:            0x2,
	Subevents:        1,
	SubeventInterval: 65,
	SlotDelay:        34,
	SlotSpacing:      12,
	Slots:            23,
}

type EngineTestSuite struct {
	suite.Suite

	radio     *testutils.FakeRadio
	reg       *registry.Registry
	scheduler *testutils.ManualScheduler
	publisher *testutils.RecordingPublisher
	hook      *test.Hook
	engine    *Engine
}

func (s *EngineTestSuite) SetupTest() {
	s.setup(1, 23, defaultParams)
}

func (s *EngineTestSuite) setup(subevents, slots int, params radio.PAwRParams) {
	s.radio = testutils.NewFakeRadio()
	s.scheduler = &testutils.ManualScheduler{}
	s.publisher = &testutils.RecordingPublisher{}

	reg, err := registry.New(subevents, slots)
	s.Require().NoError(err)
	s.reg = reg

	logger, hook := testutils.NewTestLogger()
	s.hook = hook

	engine, err := NewEngine(Options{
		Advertiser: s.radio,
		Registry:   reg,
		Scheduler:  s.scheduler,
		Publisher:  s.publisher,
		Params:     params,
		Logger:     logger,
	})
	s.Require().NoError(err)
	engine.SetAdvertisingSet(4)
	s.engine = engine
}

// syncTags places n synced tags in allocation order.
func (s *EngineTestSuite) syncTags(n int) {
	for i := 0; i < n; i++ {
		c, err := s.reg.Allocate(fmt.Sprintf("00:0b:57:00:00:%02x", i))
		s.Require().NoError(err)
		_, err = s.reg.MarkSynced(c)
		s.Require().NoError(err)
	}
}

func (s *EngineTestSuite) round() {
	s.engine.OnSubeventDataRequest(radio.SubeventDataRequest{AdvertisingSet: 4, SubeventStart: 0, Count: 1})
}

func (s *EngineTestSuite) respond(slot uint8) {
	s.engine.OnResponse(radio.ResponseReport{
		Subevent: 0,
		Slot:     slot,
		Data:     testutils.SensorResponse(slot, 21.5, 40.25, 90),
	})
}

func (s *EngineTestSuite) lastPayload() []byte {
	writes := s.radio.CommandsNamed(testutils.CmdSetSubeventData)
	s.Require().NotEmpty(writes)
	return writes[len(writes)-1].Data
}

func (s *EngineTestSuite) hasMessage(level logrus.Level, msg string) bool {
	for _, e := range s.hook.AllEntries() {
		if e.Level == level && e.Message == msg {
			return true
		}
	}
	return false
}

func (s *EngineTestSuite) TestSkipsWithoutSyncedTags() {
	s.engine.PollDue()
	s.False(s.engine.Pending())
	s.True(s.hasMessage(logrus.InfoLevel, "No synced tags, skipping reading"))

	s.round()
	s.Empty(s.radio.Commands())
	s.Empty(s.scheduler.Pending())
}

func (s *EngineTestSuite) TestIdleEngineIgnoresDataRequests() {
	s.syncTags(2)
	s.round()
	s.Empty(s.radio.Commands())
}

// Three synced tags answer a broadcast round and nothing is left waiting.
func (s *EngineTestSuite) TestBroadcastRoundAllRespond() {
	s.syncTags(3)

	s.engine.PollDue()
	s.True(s.engine.Pending())
	s.round()
	s.False(s.engine.Pending())

	writes := s.radio.CommandsNamed(testutils.CmdSetSubeventData)
	s.Require().Len(writes, 1)
	s.Equal([]byte{1, radio.BroadcastAddress, byte(radio.OpReadSensorValues)}, writes[0].Data)
	s.Equal(uint32(4), writes[0].Handle)
	s.Equal(uint8(0), writes[0].SlotStart)
	s.Equal(uint8(3), writes[0].SlotCount)
	s.Len(s.engine.Waiting(), 3)

	pending := s.scheduler.Pending()
	s.Require().Len(pending, 1)
	s.Equal(7500*time.Millisecond, pending[0].Delay)

	for slot := uint8(0); slot < 3; slot++ {
		s.respond(slot)
	}
	s.Empty(s.engine.Waiting())

	readings := s.publisher.Readings()
	s.Require().Len(readings, 3)
	for i, r := range readings {
		s.Equal(fmt.Sprintf("00:0b:57:00:00:%02x", i), r.Address)
		s.Equal(testutils.SensorResponse(uint8(i), 21.5, 40.25, 90)[2:], r.Data)
	}

	s.Equal(1, s.scheduler.RunAll())
	s.False(s.engine.Pending())
	for slot := uint8(0); slot < 3; slot++ {
		tag, ok := s.reg.Tag(registry.Coordinate{Slot: slot})
		s.Require().True(ok)
		s.Equal(0, tag.MissedResponses)
	}
}

// Slot 2 stays silent: the first sweep schedules a targeted resend, the
// second desyncs the tag.
func (s *EngineTestSuite) TestSilentTagIsResentThenDesynced() {
	s.syncTags(3)
	missing := registry.Coordinate{Subevent: 0, Slot: 2}

	s.engine.PollDue()
	s.round()
	s.respond(0)
	s.respond(1)
	s.scheduler.RunAll()

	tag, _ := s.reg.Tag(missing)
	s.Equal(1, tag.MissedResponses)
	s.True(tag.Synced)
	s.Equal([]registry.Coordinate{missing}, s.engine.Waiting())
	s.True(s.engine.Pending(), "leftover misses MUST re-arm the engine")

	s.round()
	s.Equal([]byte{1, 2, byte(radio.OpReadSensorValues)}, s.lastPayload())
	s.scheduler.RunAll()

	tag, _ = s.reg.Tag(missing)
	s.False(tag.Synced)
	s.Equal(2, tag.MissedResponses, "miss counter MUST be kept while desynced")
	s.Equal(2, s.reg.SyncedCount())
	s.Empty(s.engine.Waiting())
	s.False(s.engine.Pending())
	s.True(s.reg.IsFree(missing))

	s.Run("sweep after desync is a no-op", func() {
		s.engine.Sweep()
		tag, _ := s.reg.Tag(missing)
		s.Equal(2, tag.MissedResponses)
		s.Equal(2, s.reg.SyncedCount())
		s.False(s.engine.Pending())
	})

	s.Run("next broadcast skips the desynced tag", func() {
		s.engine.PollDue()
		s.round()
		s.Equal([]byte{1, radio.BroadcastAddress, byte(radio.OpReadSensorValues)}, s.lastPayload())
		s.Len(s.engine.Waiting(), 2)
		s.NotContains(s.engine.Waiting(), missing)
	})
}

func (s *EngineTestSuite) TestResyncResetsMissCounter() {
	s.syncTags(1)
	c := registry.Coordinate{}

	for i := 0; i < 2; i++ {
		s.engine.PollDue()
		s.round()
		s.scheduler.RunAll()
	}
	tag, _ := s.reg.Tag(c)
	s.Require().False(tag.Synced)

	_, err := s.reg.MarkSynced(c)
	s.Require().NoError(err)
	tag, _ = s.reg.Tag(c)
	s.Equal(0, tag.MissedResponses)
}

func (s *EngineTestSuite) TestFailedResponseIsCountedBySweepOnly() {
	s.syncTags(1)
	s.engine.PollDue()
	s.round()

	s.engine.OnResponse(radio.ResponseReport{Subevent: 0, Slot: 0, Status: 0x3c, Data: []byte{0}})
	tag, _ := s.reg.Tag(registry.Coordinate{})
	s.Equal(0, tag.MissedResponses)
	s.Len(s.engine.Waiting(), 1)
	s.Empty(s.publisher.Readings())

	s.scheduler.RunAll()
	tag, _ = s.reg.Tag(registry.Coordinate{})
	s.Equal(1, tag.MissedResponses)
}

func (s *EngineTestSuite) TestPingResponseIsNotPublished() {
	s.syncTags(1)
	s.engine.PollDue()
	s.round()

	s.engine.OnResponse(radio.ResponseReport{Data: []byte{0, byte(radio.OpPing)}})
	s.Empty(s.publisher.Readings())
	s.Len(s.engine.Waiting(), 1)
	s.True(s.hasMessage(logrus.InfoLevel, "Ping response received"))
}

func (s *EngineTestSuite) TestMalformedResponseIsDropped() {
	s.syncTags(1)
	s.engine.PollDue()
	s.round()

	s.engine.OnResponse(radio.ResponseReport{Data: []byte{0}})
	s.Empty(s.publisher.Readings())
	s.Len(s.engine.Waiting(), 1)
}

func (s *EngineTestSuite) TestPollDueDuringRoundIsSkipped() {
	s.syncTags(1)
	s.engine.PollDue()
	s.round()

	s.engine.PollDue()
	s.False(s.engine.Pending())

	s.scheduler.RunAll()
	s.True(s.engine.Pending(), "the silent tag re-arms after the sweep")
}

func (s *EngineTestSuite) TestRejectedSubeventDataSchedulesNoSweep() {
	s.syncTags(1)
	s.radio.FailOn(testutils.CmdSetSubeventData, radio.ErrRejected)

	s.engine.PollDue()
	s.round()
	s.Empty(s.scheduler.Pending())
	s.False(s.engine.Pending())
}

func (s *EngineTestSuite) TestSubeventsWrapAround() {
	params := defaultParams
	params.Subevents = 2
	s.setup(2, 2, params)
	s.syncTags(3)

	s.engine.PollDue()
	s.engine.OnSubeventDataRequest(radio.SubeventDataRequest{SubeventStart: 1, Count: 2})

	writes := s.radio.CommandsNamed(testutils.CmdSetSubeventData)
	s.Require().Len(writes, 2)
	s.Equal(uint8(1), writes[0].Subevent)
	s.Equal(uint8(1), writes[0].SlotCount)
	s.Equal(uint8(0), writes[1].Subevent)
	s.Equal(uint8(2), writes[1].SlotCount)
	s.Len(s.scheduler.Pending(), 1, "one sweep per round")

	s.Run("targeted resend only in the subevent with misses", func() {
		s.engine.OnResponse(radio.ResponseReport{Subevent: 0, Slot: 0, Data: testutils.SensorResponse(0, 20, 30, 50)})
		s.engine.OnResponse(radio.ResponseReport{Subevent: 0, Slot: 1, Data: testutils.SensorResponse(1, 20, 30, 50)})
		s.scheduler.RunAll()
		s.Require().True(s.engine.Pending())

		s.engine.OnSubeventDataRequest(radio.SubeventDataRequest{SubeventStart: 0, Count: 2})
		writes := s.radio.CommandsNamed(testutils.CmdSetSubeventData)
		s.Require().Len(writes, 4)
		s.Equal([]byte{1, radio.BroadcastAddress, byte(radio.OpReadSensorValues)}, writes[2].Data)
		s.Equal([]byte{1, 0, byte(radio.OpReadSensorValues)}, writes[3].Data)
	})
}

func (s *EngineTestSuite) TestRoundSpansSubeventsRequestedOneByOne() {
	params := defaultParams
	params.Subevents = 2
	s.setup(2, 1, params)
	s.syncTags(2)

	s.engine.PollDue()
	s.engine.OnSubeventDataRequest(radio.SubeventDataRequest{AdvertisingSet: 4, SubeventStart: 0, Count: 1})
	s.Require().Len(s.radio.CommandsNamed(testutils.CmdSetSubeventData), 1)
	s.True(s.engine.Pending(), "subevent 1 still needs its payload")
	s.Empty(s.scheduler.Pending())

	s.engine.OnSubeventDataRequest(radio.SubeventDataRequest{AdvertisingSet: 4, SubeventStart: 0, Count: 1})
	s.Len(s.radio.CommandsNamed(testutils.CmdSetSubeventData), 1, "a subevent is filled once per round")

	s.engine.OnSubeventDataRequest(radio.SubeventDataRequest{AdvertisingSet: 4, SubeventStart: 1, Count: 1})
	writes := s.radio.CommandsNamed(testutils.CmdSetSubeventData)
	s.Require().Len(writes, 2)
	s.Equal(uint8(0), writes[0].Subevent)
	s.Equal(uint8(1), writes[1].Subevent)
	s.Equal([]byte{1, radio.BroadcastAddress, byte(radio.OpReadSensorValues)}, writes[1].Data)

	s.False(s.engine.Pending())
	s.Len(s.scheduler.Pending(), 1, "one sweep after the last subevent")
	s.ElementsMatch([]registry.Coordinate{{Subevent: 0, Slot: 0}, {Subevent: 1, Slot: 0}}, s.engine.Waiting())
	s.Equal(uint64(1), s.engine.Rounds())

	s.Run("silent tag in the later subevent is counted", func() {
		s.respond(0)
		s.scheduler.RunAll()

		tag, ok := s.reg.Tag(registry.Coordinate{Subevent: 1, Slot: 0})
		s.Require().True(ok)
		s.Equal(1, tag.MissedResponses)
		s.True(s.engine.Pending())
	})
}

func TestEngineTestSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	_, err := NewEngine(Options{Params: defaultParams})
	require.Error(t, err)
}

func TestBuildRequest(t *testing.T) {
	tests := []struct {
		name      string
		op        radio.Op
		addresses []byte
		want      []byte
	}{
		{"broadcast read", radio.OpReadSensorValues, []byte{radio.BroadcastAddress}, []byte{1, 255, 1}},
		{"targeted read", radio.OpReadSensorValues, []byte{2, 5, 7}, []byte{3, 2, 5, 7, 1}},
		{"broadcast ping", radio.OpPing, []byte{radio.BroadcastAddress}, []byte{1, 255, 0}},
		{"no addresses", radio.OpPing, nil, []byte{0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildRequest(tt.op, tt.addresses))
		})
	}
}

func TestWaitingSetKeepsInsertionOrder(t *testing.T) {
	w := NewWaitingSet()
	a := registry.Coordinate{Subevent: 1, Slot: 4}
	b := registry.Coordinate{Subevent: 0, Slot: 9}
	c := registry.Coordinate{Subevent: 1, Slot: 0}

	w.Add(a)
	w.Add(b)
	w.Add(c)
	w.Add(a)

	assert.Equal(t, []registry.Coordinate{a, b, c}, w.All())
	assert.Equal(t, []registry.Coordinate{a, c}, w.InSubevent(1))
	assert.True(t, w.Remove(b))
	assert.False(t, w.Remove(b))
	assert.False(t, w.Contains(b))
	assert.Equal(t, 2, w.Len())
}
