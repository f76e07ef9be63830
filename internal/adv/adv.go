// Package adv reads and builds advertisement-formatted records: a flat sequence of
// [len][type][len-1 value bytes] fields. The same record layout carries the
// tags' advertisements and the sensor values inside poll responses.
//
// All functions are pure and never read past the end of the record.
package adv

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-ble/ble"
	bleadv "github.com/go-ble/ble/linux/adv"
)

// Field types used by the sensor tags.
const (
	TypeShortName    byte = 0x08
	TypeCompleteName byte = 0x09
	TypeServiceData  byte = 0x16
)

var (
	// ErrFieldNotFound is returned when a record lacks a required field.
	ErrFieldNotFound = errors.New("field not found")
	// ErrShortValue is returned when a value has fewer bytes than its type needs.
	ErrShortValue = errors.New("value too short")
)

// Field returns the value bytes of the first field of type typ.
// A zero length byte ends the record; a field whose declared length runs
// past the end of data makes the rest of the record unreadable and yields
// not found.
func Field(data []byte, typ byte) ([]byte, bool) {
	v := bleadv.NewRawPacket(data).Field(typ)
	if v == nil {
		return nil, false
	}
	return v, true
}

// LocalName returns the shortened local name, or the complete one if the
// record has no shortened name. The value is taken as ASCII, not
// null-terminated.
func LocalName(data []byte) (string, bool) {
	name := bleadv.NewRawPacket(data).LocalName()
	return name, name != ""
}

// Advertisement builds the general discoverable, LE only advertisement of a
// tag named name.
func Advertisement(name string) ([]byte, error) {
	p, err := bleadv.NewPacket(
		bleadv.Flags(bleadv.FlagGeneralDiscoverable|bleadv.FlagLEOnly),
		bleadv.CompleteName(name),
	)
	if err != nil {
		return nil, fmt.Errorf("advertisement for %q: %w", name, err)
	}
	return p.Bytes(), nil
}

// ServiceDataValue finds the field of type typ whose value starts with the
// 16-bit identifier uuid and returns up to two bytes following it.
// Fewer bytes are returned when the field itself is shorter.
func ServiceDataValue(data []byte, typ byte, uuid ble.UUID) ([]byte, bool) {
	if len(uuid) != 2 {
		return nil, false
	}

	var found []byte
	walk(data, func(t byte, value []byte) bool {
		if t != typ || len(value) < 2 {
			return true
		}
		if !ble.UUID(value[:2]).Equal(uuid) {
			return true
		}
		end := 4
		if len(value) < end {
			end = len(value)
		}
		found = value[2:end]
		return false
	})
	if len(found) == 0 {
		return nil, false
	}
	return found, true
}

// ServiceData decodes every 16-bit service data field of the record.
func ServiceData(data []byte) []ble.ServiceData {
	var out []ble.ServiceData
	walk(data, func(t byte, value []byte) bool {
		if t == TypeServiceData && len(value) >= 2 {
			out = append(out, ble.ServiceData{
				UUID: ble.UUID(value[:2]),
				Data: value[2:],
			})
		}
		return true
	})
	return out
}

// DecodeUint16 reads a little-endian unsigned 16-bit value.
func DecodeUint16(b []byte) (uint16, error) {
	if len(b) < 2 {
		return 0, fmt.Errorf("%w: need 2 bytes, have %d", ErrShortValue, len(b))
	}
	return binary.LittleEndian.Uint16(b), nil
}

// DecodeFloat reads a little-endian value scaled by 100, e.g. 2345 -> 23.45.
func DecodeFloat(b []byte) (float64, error) {
	v, err := DecodeUint16(b)
	if err != nil {
		return 0, err
	}
	return float64(v) / 100.0, nil
}

// DecodeInt reads a little-endian value as-is.
func DecodeInt(b []byte) (int, error) {
	v, err := DecodeUint16(b)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

// walk visits each well-formed field until visit returns false. Packet.Field
// and Packet.ServiceData of go-ble stop at the first field of a type, while
// sensor records carry one service data field per characteristic.
// It reports false when the record is malformed before visiting stopped.
func walk(data []byte, visit func(typ byte, value []byte) bool) bool {
	i := 0
	for i < len(data) {
		l := int(data[i])
		if l == 0 {
			return true
		}
		if i+1+l > len(data) {
			return false
		}
		if !visit(data[i+1], data[i+2:i+1+l]) {
			return true
		}
		i += 1 + l
	}
	return true
}
