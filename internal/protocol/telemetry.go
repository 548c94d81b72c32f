package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Well-known telemetry keys.
const (
	TelemetryPingAck    uint16 = 0x0001 // uint64 ping id acknowledged by the sender
	TelemetryClientRTT  uint16 = 0x0002 // uint32 RTT in ms observed by the client
	TelemetryServerTime uint16 = 0x0003 // int64 server unix ms
)

// tlvOverhead is the key + length prefix of a single field.
const tlvOverhead = 4

// TelemetryField is one TLV entry.
type TelemetryField struct {
	Key   uint16
	Value []byte
}

// Telemetry is the optional TLV block attached when FlagHasTelemetry is set.
type Telemetry struct {
	Fields []TelemetryField
}

// Add appends a field and returns t for chaining.
func (t *Telemetry) Add(key uint16, value []byte) *Telemetry {
	t.Fields = append(t.Fields, TelemetryField{Key: key, Value: value})
	return t
}

// AddUint64 appends a big-endian uint64 field.
func (t *Telemetry) AddUint64(key uint16, v uint64) *Telemetry {
	return t.Add(key, binary.BigEndian.AppendUint64(nil, v))
}

// AddUint32 appends a big-endian uint32 field.
func (t *Telemetry) AddUint32(key uint16, v uint32) *Telemetry {
	return t.Add(key, binary.BigEndian.AppendUint32(nil, v))
}

// Get returns the value of the first field with the given key.
func (t *Telemetry) Get(key uint16) ([]byte, bool) {
	if t == nil {
		return nil, false
	}
	for _, f := range t.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// Uint64 returns the first field with key decoded as a big-endian uint64.
func (t *Telemetry) Uint64(key uint16) (uint64, bool) {
	v, ok := t.Get(key)
	if !ok || len(v) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(v), true
}

// Uint32 returns the first field with key decoded as a big-endian uint32.
func (t *Telemetry) Uint32(key uint16) (uint32, bool) {
	v, ok := t.Get(key)
	if !ok || len(v) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(v), true
}

// ContentLength is the sum of all TLV field sizes.
func (t *Telemetry) ContentLength() int {
	n := 0
	for _, f := range t.Fields {
		n += tlvOverhead + len(f.Value)
	}
	return n
}

// AppendTelemetry appends the length-prefixed TLV segment to dst.
func AppendTelemetry(dst []byte, t *Telemetry) ([]byte, error) {
	length := t.ContentLength()
	if length > math.MaxUint16 {
		return nil, fmt.Errorf("%w: content %d bytes exceeds %d", ErrTelemetryLength, length, math.MaxUint16)
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(length))
	for _, f := range t.Fields {
		dst = binary.BigEndian.AppendUint16(dst, f.Key)
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(f.Value)))
		dst = append(dst, f.Value...)
	}
	return dst, nil
}

// ReadTelemetry decodes a telemetry segment from the start of data and returns the
// remaining bytes. The declared length must be covered exactly by whole TLV fields.
func ReadTelemetry(data []byte) (*Telemetry, []byte, error) {
	if len(data) < 2 {
		return nil, nil, fmt.Errorf("%w: telemetry length prefix", ErrTruncated)
	}
	length := int(binary.BigEndian.Uint16(data[:2]))
	data = data[2:]
	if len(data) < length {
		return nil, nil, fmt.Errorf("%w: declared %d bytes, have %d", ErrTelemetryLength, length, len(data))
	}

	content, rest := data[:length], data[length:]
	t := &Telemetry{}
	for len(content) > 0 {
		if len(content) < tlvOverhead {
			return nil, nil, fmt.Errorf("%w: %d trailing bytes", ErrTelemetryLength, len(content))
		}
		key := binary.BigEndian.Uint16(content[0:2])
		n := int(binary.BigEndian.Uint16(content[2:4]))
		content = content[tlvOverhead:]
		if len(content) < n {
			return nil, nil, fmt.Errorf("%w: field 0x%04x needs %d bytes, have %d", ErrTelemetryLength, key, n, len(content))
		}
		value := make([]byte, n)
		copy(value, content[:n])
		t.Fields = append(t.Fields, TelemetryField{Key: key, Value: value})
		content = content[n:]
	}
	return t, rest, nil
}
