package adv

import (
	"encoding/binary"
	"fmt"

	"github.com/go-ble/ble"
	bleadv "github.com/go-ble/ble/linux/adv"
	"github.com/srg/pawrgate/internal/radio"
)

// Reading is one decoded set of sensor values.
type Reading struct {
	Temperature  float64 `json:"temperature"`
	Humidity     float64 `json:"humidity"`
	BatteryLevel *uint8  `json:"battery_level,omitempty"`
}

// DecodeReading decodes the sensor records of a read-sensor-values response.
// Temperature and humidity are required; the battery level is optional.
func DecodeReading(data []byte) (Reading, error) {
	var r Reading

	raw, ok := ServiceDataValue(data, TypeServiceData, radio.TemperatureCharUUID)
	if !ok {
		return r, fmt.Errorf("temperature: %w", ErrFieldNotFound)
	}
	t, err := DecodeFloat(raw)
	if err != nil {
		return r, fmt.Errorf("temperature: %w", err)
	}

	raw, ok = ServiceDataValue(data, TypeServiceData, radio.HumidityCharUUID)
	if !ok {
		return r, fmt.Errorf("humidity: %w", ErrFieldNotFound)
	}
	h, err := DecodeFloat(raw)
	if err != nil {
		return r, fmt.Errorf("humidity: %w", err)
	}

	r.Temperature = t
	r.Humidity = h

	if raw, ok = ServiceDataValue(data, TypeServiceData, radio.BatteryLevelCharUUID); ok {
		level := raw[0]
		r.BatteryLevel = &level
	}
	return r, nil
}

// EncodeReading lays out sensor values the way the tag firmware does:
// temperature and humidity as centi-units, then a one-byte battery level,
// each as 16-bit service data announced by its UUID.
func EncodeReading(r Reading) ([]byte, error) {
	var tmp [2]byte

	binary.LittleEndian.PutUint16(tmp[:], uint16(r.Temperature*100+0.5))
	fields := []bleadv.Field{serviceData(radio.TemperatureCharUUID, tmp[:])}
	binary.LittleEndian.PutUint16(tmp[:], uint16(r.Humidity*100+0.5))
	fields = append(fields, serviceData(radio.HumidityCharUUID, tmp[:]))
	if r.BatteryLevel != nil {
		fields = append(fields, serviceData(radio.BatteryLevelCharUUID, []byte{*r.BatteryLevel}))
	}

	p, err := bleadv.NewPacket(fields...)
	if err != nil {
		return nil, fmt.Errorf("failed to encode reading: %w", err)
	}
	return p.Bytes(), nil
}

func serviceData(uuid ble.UUID, value []byte) bleadv.Field {
	return bleadv.ServiceData16(binary.LittleEndian.Uint16(uuid), append([]byte(nil), value...))
}
