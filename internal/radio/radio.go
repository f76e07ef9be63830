// Package radio describes the link-layer collaborator the gateway drives:
// the commands it issues to the radio front-end and the events the radio
// delivers back. Commands are fire-and-forget; the only error a command
// returns is a synchronous rejection. Results arrive later as events.
package radio

import (
	"time"

	"github.com/go-ble/ble"
)

// Protocol constants shared with the sensor tag firmware.
const (
	// BroadcastAddress addresses every tag of a subevent in a poll payload.
	BroadcastAddress byte = 255

	// ReasonCleanDisconnect is the close reason a tag reports when it drops
	// the connection after receiving the periodic sync transfer.
	ReasonCleanDisconnect uint16 = 0x1013

	// StatusSuccess is the data status of a well-received slot response.
	StatusSuccess uint8 = 0
)

// Op tags the operation carried by a poll payload and echoed in responses.
type Op byte

const (
	OpPing             Op = 0
	OpReadSensorValues Op = 1
)

func (o Op) String() string {
	switch o {
	case OpPing:
		return "ping"
	case OpReadSensorValues:
		return "read_sensor_values"
	default:
		return "unknown"
	}
}

// GATT identifiers of the tag's PAwR configuration service.
var (
	SensorServiceUUID    = ble.UUID16(0xAAAA)
	SubeventCharUUID     = ble.UUID16(0xBBBB)
	ResponseSlotCharUUID = ble.UUID16(0xCCCC)
	TemperatureCharUUID  = ble.UUID16(0x2A6E)
	HumidityCharUUID     = ble.UUID16(0x2A6F)
	BatteryLevelCharUUID = ble.UUID16(0x2A19)
)

// intervalUnit is the controller's periodic interval granularity.
const intervalUnit = 1250 * time.Microsecond

// PAwRParams configures the periodic advertising with responses train.
// Interval and SubeventInterval are in units of 1.25 ms, SlotDelay in
// 1.25 ms units and SlotSpacing in 0.125 ms units, as the controller expects.
type PAwRParams struct {
	Interval         uint16
	Flags            uint32
	Subevents        uint8
	SubeventInterval uint8
	SlotDelay        uint8
	SlotSpacing      uint8
	Slots            uint8
}

// IntervalDuration converts the train interval to wall-clock time.
func (p PAwRParams) IntervalDuration() time.Duration {
	return time.Duration(p.Interval) * intervalUnit
}

// Advertiser drives the periodic advertising train.
type Advertiser interface {
	// StartPeriodicAdvertising creates an advertising set and starts the
	// PAwR train on it, returning the set handle.
	StartPeriodicAdvertising(params PAwRParams) (uint8, error)
	SetSubeventData(set, subevent, slotStart, slotCount uint8, data []byte) error
}

// Scanner toggles passive scanning.
type Scanner interface {
	StartScan() error
	StopScan() error
}

// Connector opens and closes central connections.
type Connector interface {
	OpenConnection(address string, addressType uint8) error
	CloseConnection(connection uint8) error
}

// GATTClient runs GATT procedures on an open connection.
type GATTClient interface {
	DiscoverService(connection uint8, uuid ble.UUID) error
	DiscoverCharacteristic(connection uint8, service uint32, uuid ble.UUID) error
	WriteCharacteristic(connection uint8, characteristic uint16, value []byte) error
	TransferSync(connection uint8, set uint8) error
}

// Radio is the full capability set of the link-layer collaborator.
type Radio interface {
	Advertiser
	Scanner
	Connector
	GATTClient

	// Events delivers asynchronous completions in the order they occur.
	// The channel is closed when the radio shuts down.
	Events() <-chan Event
}
