package testutils

import (
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/srg/pawrgate/internal/radio"
)

// Command names recorded by FakeRadio.
const (
	CmdStartPeriodicAdvertising = "start_periodic_advertising"
	CmdSetSubeventData          = "set_subevent_data"
	CmdStartScan                = "start_scan"
	CmdStopScan                 = "stop_scan"
	CmdOpenConnection           = "open_connection"
	CmdCloseConnection          = "close_connection"
	CmdDiscoverService          = "discover_service"
	CmdDiscoverCharacteristic   = "discover_characteristic"
	CmdWriteCharacteristic      = "write_characteristic"
	CmdTransferSync             = "transfer_sync"
)

// Command is one recorded call on FakeRadio.
type Command struct {
	Name       string
	Connection uint8
	Address    string
	UUID       ble.UUID
	Handle     uint32
	Subevent   uint8
	SlotStart  uint8
	SlotCount  uint8
	Data       []byte
}

// FakeRadio records every command and lets tests inject events and
// synchronous failures.
type FakeRadio struct {
	mu       sync.Mutex
	commands []Command
	fail     map[string]error
	events   chan radio.Event

	// Set is returned by StartPeriodicAdvertising.
	Set uint8
}

// NewFakeRadio creates a FakeRadio with a buffered event channel.
func NewFakeRadio() *FakeRadio {
	return &FakeRadio{
		fail:   make(map[string]error),
		events: make(chan radio.Event, 256),
	}
}

// FailOn makes every subsequent command called name return err.
// A nil err clears the failure.
func (f *FakeRadio) FailOn(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, name)
		return
	}
	f.fail[name] = err
}

// Emit queues an event for Events() consumers.
func (f *FakeRadio) Emit(ev radio.Event) {
	f.events <- ev
}

// CloseEvents closes the event channel.
func (f *FakeRadio) CloseEvents() {
	close(f.events)
}

// Commands returns a copy of the recorded commands.
func (f *FakeRadio) Commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.commands...)
}

// CommandsNamed returns the recorded commands called name.
func (f *FakeRadio) CommandsNamed(name string) []Command {
	var out []Command
	for _, c := range f.Commands() {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// Names returns the recorded command names in order.
func (f *FakeRadio) Names() []string {
	var out []string
	for _, c := range f.Commands() {
		out = append(out, c.Name)
	}
	return out
}

// Last returns the most recent command, or a zero Command.
func (f *FakeRadio) Last() Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.commands) == 0 {
		return Command{}
	}
	return f.commands[len(f.commands)-1]
}

// Reset forgets the recorded commands.
func (f *FakeRadio) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = nil
}

func (f *FakeRadio) record(c Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[c.Name]; ok {
		return err
	}
	f.commands = append(f.commands, c)
	return nil
}

func (f *FakeRadio) StartPeriodicAdvertising(p radio.PAwRParams) (uint8, error) {
	err := f.record(Command{
		Name:      CmdStartPeriodicAdvertising,
		SlotCount: p.Slots,
		Data:      []byte(fmt.Sprintf("%+v", p)),
	})
	return f.Set, err
}

func (f *FakeRadio) SetSubeventData(set, subevent, slotStart, slotCount uint8, data []byte) error {
	return f.record(Command{
		Name:      CmdSetSubeventData,
		Handle:    uint32(set),
		Subevent:  subevent,
		SlotStart: slotStart,
		SlotCount: slotCount,
		Data:      append([]byte(nil), data...),
	})
}

func (f *FakeRadio) StartScan() error {
	return f.record(Command{Name: CmdStartScan})
}

func (f *FakeRadio) StopScan() error {
	return f.record(Command{Name: CmdStopScan})
}

func (f *FakeRadio) OpenConnection(address string, addressType uint8) error {
	return f.record(Command{Name: CmdOpenConnection, Address: address, Handle: uint32(addressType)})
}

func (f *FakeRadio) CloseConnection(connection uint8) error {
	return f.record(Command{Name: CmdCloseConnection, Connection: connection})
}

func (f *FakeRadio) DiscoverService(connection uint8, uuid ble.UUID) error {
	return f.record(Command{Name: CmdDiscoverService, Connection: connection, UUID: uuid})
}

func (f *FakeRadio) DiscoverCharacteristic(connection uint8, service uint32, uuid ble.UUID) error {
	return f.record(Command{Name: CmdDiscoverCharacteristic, Connection: connection, Handle: service, UUID: uuid})
}

func (f *FakeRadio) WriteCharacteristic(connection uint8, characteristic uint16, value []byte) error {
	return f.record(Command{
		Name:       CmdWriteCharacteristic,
		Connection: connection,
		Handle:     uint32(characteristic),
		Data:       append([]byte(nil), value...),
	})
}

func (f *FakeRadio) TransferSync(connection uint8, set uint8) error {
	return f.record(Command{Name: CmdTransferSync, Connection: connection, Handle: uint32(set)})
}

func (f *FakeRadio) Events() <-chan radio.Event {
	return f.events
}

var _ radio.Radio = (*FakeRadio)(nil)
