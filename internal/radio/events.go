package radio

import (
	"fmt"

	"github.com/go-ble/ble"
)

// Event is anything the radio delivers asynchronously.
type Event interface {
	eventName() string
}

// Name returns a short identifier of the event kind for logging.
func Name(ev Event) string {
	if ev == nil {
		return "<nil>"
	}
	return ev.eventName()
}

// Boot is delivered once the radio is ready for commands.
type Boot struct{}

// AdvertisementReport carries one legacy advertisement seen while scanning.
type AdvertisementReport struct {
	Address     string
	AddressType uint8
	Data        []byte
}

// ConnectionOpened reports a central connection established to Address.
type ConnectionOpened struct {
	Address    string
	Connection uint8
}

// ConnectionClosed reports the end of a connection.
type ConnectionClosed struct {
	Connection uint8
	Reason     uint16
}

// ServiceDiscovered reports a primary service found on the peer.
type ServiceDiscovered struct {
	Connection uint8
	UUID       ble.UUID
	Service    uint32
}

// CharacteristicDiscovered reports a characteristic found on the peer.
type CharacteristicDiscovered struct {
	Connection     uint8
	UUID           ble.UUID
	Characteristic uint16
}

// ProcedureCompleted ends a GATT procedure. A nonzero Result is a failure.
type ProcedureCompleted struct {
	Connection uint8
	Result     uint16
}

// SubeventDataRequest asks for payloads of Count subevents starting at
// SubeventStart.
type SubeventDataRequest struct {
	AdvertisingSet uint8
	SubeventStart  uint8
	Count          uint8
}

// ResponseReport carries the response received in one slot.
type ResponseReport struct {
	Subevent uint8
	Slot     uint8
	Status   uint8
	Data     []byte
}

// Op returns the operation tag echoed by the tag, if the payload carries one.
// Responses are framed as [slot][op][data...].
func (r ResponseReport) Op() (Op, bool) {
	if len(r.Data) < 2 {
		return 0, false
	}
	return Op(r.Data[1]), true
}

// Payload returns the bytes following the [slot][op] header.
func (r ResponseReport) Payload() []byte {
	if len(r.Data) < 2 {
		return nil
	}
	return r.Data[2:]
}

func (Boot) eventName() string                     { return "boot" }
func (AdvertisementReport) eventName() string      { return "advertisement_report" }
func (ConnectionOpened) eventName() string         { return "connection_opened" }
func (ConnectionClosed) eventName() string         { return "connection_closed" }
func (ServiceDiscovered) eventName() string        { return "service_discovered" }
func (CharacteristicDiscovered) eventName() string { return "characteristic_discovered" }
func (ProcedureCompleted) eventName() string       { return "procedure_completed" }
func (SubeventDataRequest) eventName() string      { return "subevent_data_request" }
func (ResponseReport) eventName() string           { return "response_report" }

func (e ConnectionClosed) String() string {
	return fmt.Sprintf("connection %d closed (reason 0x%04x)", e.Connection, e.Reason)
}
