package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// HeaderSize is the encoded size of a binary header: Type(2) + ID(8) + Timestamp(8) + Flags(1).
const HeaderSize = 19

// Flags is the per-message option bitset.
type Flags uint8

const (
	FlagHasTelemetry Flags = 1 << iota
	FlagIsCompressed
	FlagIsEncrypted
	FlagIsBatch
	FlagHasExt
)

// flagsDefined covers every bit with a meaning on the wire.
const flagsDefined = FlagHasTelemetry | FlagIsCompressed | FlagIsEncrypted | FlagIsBatch | FlagHasExt

// flagsSupported are the bits this gateway knows how to process.
const flagsSupported = FlagHasTelemetry | FlagIsCompressed

// Has reports whether all bits of f2 are set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// Validate rejects undefined bits and options the gateway cannot process.
func (f Flags) Validate() error {
	if f&^flagsDefined != 0 {
		return fmt.Errorf("%w: undefined bits 0x%02x", ErrUnsupportedFlags, uint8(f&^flagsDefined))
	}
	if f&^flagsSupported != 0 {
		return fmt.Errorf("%w: %s", ErrUnsupportedFlags, f&^flagsSupported)
	}
	return nil
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	names := []struct {
		flag Flags
		name string
	}{
		{FlagHasTelemetry, "telemetry"},
		{FlagIsCompressed, "compressed"},
		{FlagIsEncrypted, "encrypted"},
		{FlagIsBatch, "batch"},
		{FlagHasExt, "ext"},
	}
	for _, n := range names {
		if f.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}
	if rest := f &^ flagsDefined; rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%02x", uint8(rest)))
	}
	return strings.Join(parts, "|")
}

// Header is the fixed prefix of every realtime message.
type Header struct {
	Type      MessageType
	ID        uint64
	Timestamp int64 // Unix milliseconds, sender clock
	Flags     Flags
}

// AppendHeader appends the big-endian encoding of h to dst.
func AppendHeader(dst []byte, h Header) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(h.Type))
	dst = binary.BigEndian.AppendUint64(dst, h.ID)
	dst = binary.BigEndian.AppendUint64(dst, uint64(h.Timestamp))
	return append(dst, byte(h.Flags))
}

// ReadHeader decodes a header from the start of data and returns the remaining bytes.
func ReadHeader(data []byte) (Header, []byte, error) {
	if len(data) < HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: header needs %d bytes, have %d", ErrTruncated, HeaderSize, len(data))
	}
	h := Header{
		Type:      MessageType(binary.BigEndian.Uint16(data[0:2])),
		ID:        binary.BigEndian.Uint64(data[2:10]),
		Timestamp: int64(binary.BigEndian.Uint64(data[10:18])),
		Flags:     Flags(data[18]),
	}
	return h, data[HeaderSize:], nil
}

// Message is a decoded realtime message: header, optional telemetry and payload.
//
// Payload holds the typed value resolved through the TypeRegistry. Raw holds the payload
// bytes exactly as they appeared on the wire (after decompression) and is reused when the
// message is encoded again, so a decoded message re-encodes byte-for-byte.
type Message struct {
	Header    Header
	Telemetry *Telemetry
	Payload   any
	Raw       []byte
}

// NewMessage builds an outbound message. Telemetry is attached later with WithTelemetry.
func NewMessage(t MessageType, id uint64, timestampMs int64, payload any) *Message {
	return &Message{
		Header: Header{
			Type:      t,
			ID:        id,
			Timestamp: timestampMs,
		},
		Payload: payload,
	}
}

// WithTelemetry attaches a telemetry segment and sets FlagHasTelemetry.
func (m *Message) WithTelemetry(t *Telemetry) *Message {
	m.Telemetry = t
	if t != nil {
		m.Header.Flags |= FlagHasTelemetry
	} else {
		m.Header.Flags &^= FlagHasTelemetry
	}
	return m
}
