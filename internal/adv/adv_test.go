package adv

import (
	"testing"

	"github.com/go-ble/ble"
	bleadv "github.com/go-ble/ble/linux/adv"
	"github.com/srg/pawrgate/internal/radio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sensorRecord mirrors the response layout produced by the tag firmware:
// 23.45 C, 41.20 %RH, battery 87.
var sensorRecord = []byte{
	0x05, 0x16, 0x6E, 0x2A, 0x29, 0x09,
	0x05, 0x16, 0x6F, 0x2A, 0x18, 0x10,
	0x04, 0x16, 0x19, 0x2A, 0x57,
}

func TestField(t *testing.T) {
	record := []byte{
		0x02, 0x01, 0x06,
		0x04, 0x09, 'w', 's', 'n',
		0x03, 0x16, 0xAA, 0xBB,
	}

	tests := []struct {
		name     string
		data     []byte
		typ      byte
		expected []byte
		found    bool
	}{
		{name: "first field", data: record, typ: 0x01, expected: []byte{0x06}, found: true},
		{name: "middle field", data: record, typ: 0x09, expected: []byte("wsn"), found: true},
		{name: "last field", data: record, typ: 0x16, expected: []byte{0xAA, 0xBB}, found: true},
		{name: "absent field", data: record, typ: 0xFF, found: false},
		{name: "empty record", data: nil, typ: 0x09, found: false},
		{
			name:  "declared length overruns record",
			data:  []byte{0x02, 0x01, 0x06, 0x09, 0x09, 'w', 's', 'n'},
			typ:   0x09,
			found: false,
		},
		{
			name:  "truncated length byte only",
			data:  []byte{0x02, 0x01, 0x06, 0x05},
			typ:   0x09,
			found: false,
		},
		{
			name:  "zero length terminates",
			data:  []byte{0x02, 0x01, 0x06, 0x00, 0x04, 0x09, 'w', 's', 'n'},
			typ:   0x09,
			found: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Field(tt.data, tt.typ)
			assert.Equal(t, tt.found, ok)
			if tt.found {
				assert.Equal(t, tt.expected, got)
			} else {
				assert.Nil(t, got)
			}
		})
	}
}

func TestFieldNeverReadsPastRecord(t *testing.T) {
	backing := []byte{0x04, 0x09, 'w', 's', 'n', 0xDE, 0xAD}
	// The slice ends in the middle of the name field; the bytes after it
	// belong to the backing array, not to the record.
	record := backing[:4]

	_, ok := Field(record, TypeCompleteName)
	assert.False(t, ok)
}

func TestLocalName(t *testing.T) {
	t.Run("complete name", func(t *testing.T) {
		data, err := Advertisement("wsn")
		require.NoError(t, err)
		name, ok := LocalName(data)
		require.True(t, ok)
		assert.Equal(t, "wsn", name)
	})

	t.Run("shortened name", func(t *testing.T) {
		name, ok := LocalName([]byte{0x03, 0x08, 'w', 's'})
		require.True(t, ok)
		assert.Equal(t, "ws", name)
	})

	t.Run("no name", func(t *testing.T) {
		_, ok := LocalName([]byte{0x02, 0x01, 0x06})
		assert.False(t, ok)
	})
}

func TestAdvertisement(t *testing.T) {
	data, err := Advertisement("wsn")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x01, 0x06, 0x04, 0x09, 'w', 's', 'n'}, data)

	_, err = Advertisement("a-sensor-name-that-cannot-fit-an-advertisement")
	assert.ErrorIs(t, err, bleadv.ErrNotFit)
}

func TestServiceDataValue(t *testing.T) {
	tests := []struct {
		name     string
		uuid     ble.UUID
		expected []byte
		found    bool
	}{
		{name: "temperature", uuid: radio.TemperatureCharUUID, expected: []byte{0x29, 0x09}, found: true},
		{name: "humidity", uuid: radio.HumidityCharUUID, expected: []byte{0x18, 0x10}, found: true},
		{name: "battery is one byte", uuid: radio.BatteryLevelCharUUID, expected: []byte{0x57}, found: true},
		{name: "unknown characteristic", uuid: ble.UUID16(0x2A00), found: false},
		{name: "128-bit identifier", uuid: ble.MustParse("6e400001-b5a3-f393-e0a9-e50e24dcca9e"), found: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ServiceDataValue(sensorRecord, TypeServiceData, tt.uuid)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.expected, got)
		})
	}

	t.Run("ignores other field types", func(t *testing.T) {
		data := []byte{0x05, 0xFF, 0x6E, 0x2A, 0x01, 0x02}
		_, ok := ServiceDataValue(data, TypeServiceData, radio.TemperatureCharUUID)
		assert.False(t, ok)
	})
}

func TestServiceData(t *testing.T) {
	sd := ServiceData(sensorRecord)

	require.Len(t, sd, 3)
	assert.True(t, sd[0].UUID.Equal(radio.TemperatureCharUUID))
	assert.Equal(t, []byte{0x29, 0x09}, sd[0].Data)
	assert.True(t, sd[2].UUID.Equal(radio.BatteryLevelCharUUID))
	assert.Equal(t, []byte{0x57}, sd[2].Data)
}

func TestDecode(t *testing.T) {
	v, err := DecodeUint16([]byte{0x29, 0x09})
	require.NoError(t, err)
	assert.Equal(t, uint16(2345), v)

	f, err := DecodeFloat([]byte{0x29, 0x09})
	require.NoError(t, err)
	assert.InDelta(t, 23.45, f, 1e-9)

	i, err := DecodeInt([]byte{0xFF, 0xFF})
	require.NoError(t, err)
	assert.Equal(t, 65535, i)

	_, err = DecodeFloat([]byte{0x01})
	assert.ErrorIs(t, err, ErrShortValue)
}

func TestDecodeReading(t *testing.T) {
	t.Run("full record", func(t *testing.T) {
		r, err := DecodeReading(sensorRecord)
		require.NoError(t, err)

		assert.InDelta(t, 23.45, r.Temperature, 1e-9)
		assert.InDelta(t, 41.20, r.Humidity, 1e-9)
		require.NotNil(t, r.BatteryLevel)
		assert.Equal(t, uint8(87), *r.BatteryLevel)
	})

	t.Run("missing humidity", func(t *testing.T) {
		_, err := DecodeReading(sensorRecord[:6])
		require.ErrorIs(t, err, ErrFieldNotFound)
		assert.Contains(t, err.Error(), "humidity")
	})

	t.Run("missing battery", func(t *testing.T) {
		r, err := DecodeReading(sensorRecord[:12])
		require.NoError(t, err)
		assert.Nil(t, r.BatteryLevel)
	})

	t.Run("encoded reading decodes", func(t *testing.T) {
		level := uint8(87)
		got, err := EncodeReading(Reading{Temperature: 23.45, Humidity: 41.20, BatteryLevel: &level})
		require.NoError(t, err)

		r, err := DecodeReading(got)
		require.NoError(t, err)
		assert.InDelta(t, 23.45, r.Temperature, 0.001)
		assert.InDelta(t, 41.20, r.Humidity, 0.001)
		require.NotNil(t, r.BatteryLevel)
		assert.Equal(t, uint8(87), *r.BatteryLevel)
	})

	t.Run("encoded reading announces its characteristics", func(t *testing.T) {
		got, err := EncodeReading(Reading{Temperature: 23.45, Humidity: 41.20})
		require.NoError(t, err)
		assert.Equal(t,
			[]ble.UUID{radio.TemperatureCharUUID, radio.HumidityCharUUID},
			bleadv.NewRawPacket(got).UUIDs())
		assert.Equal(t, sensorRecord[:6], got[4:10], "service data MUST follow its UUID list field")
	})
}
