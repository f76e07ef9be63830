// Package publish turns the raw sensor records of a poll response into
// reading messages and delivers them to MQTT or the log.
package publish

import (
	"fmt"
	"strings"
	"time"

	"github.com/srg/pawrgate/internal/adv"
)

// TimestampFormat is the local-time layout of Message.Timestamp.
const TimestampFormat = "2006-01-02T15:04:05.000000"

// Message is one published reading.
type Message struct {
	Address      string  `json:"address"`
	Timestamp    string  `json:"timestamp"`
	Temperature  float64 `json:"temperature"`
	Humidity     float64 `json:"humidity"`
	BatteryLevel *uint8  `json:"battery_level"`
}

// NewMessage decodes the sensor records sent by the tag at address.
func NewMessage(data []byte, address string, at time.Time) (Message, error) {
	r, err := adv.DecodeReading(data)
	if err != nil {
		return Message{}, fmt.Errorf("failed to decode reading from %s: %w", address, err)
	}

	return Message{
		Address:      strings.ToUpper(address),
		Timestamp:    at.Format(TimestampFormat),
		Temperature:  r.Temperature,
		Humidity:     r.Humidity,
		BatteryLevel: r.BatteryLevel,
	}, nil
}
