package codec

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/rickgao/arena-gateway/internal/protocol"
)

// binaryCodec encodes the header and telemetry big-endian and the payload as MessagePack.
//
// Frame layout:
//
//	Type u16 | ID u64 | Timestamp i64 | Flags u8 | [telemetry] | payload
type binaryCodec struct {
	registry *protocol.TypeRegistry
	opts     Options
}

func (c *binaryCodec) Format() Format       { return FormatBinary }
func (c *binaryCodec) FrameKind() FrameKind { return FrameBinary }

// Encode serializes msg. A message carrying Raw bytes (e.g. one that was decoded)
// is written back verbatim.
func (c *binaryCodec) Encode(msg *protocol.Message) ([]byte, error) {
	header := msg.Header
	payload := msg.Raw

	if payload == nil && msg.Payload != nil {
		body, err := msgpack.Marshal(msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		if c.opts.CompressThreshold > 0 && len(body) >= c.opts.CompressThreshold {
			header.Flags |= protocol.FlagIsCompressed
		}
		if header.Flags.Has(protocol.FlagIsCompressed) {
			body = s2.Encode(nil, body)
		}
		payload = body
	} else if payload == nil {
		header.Flags &^= protocol.FlagIsCompressed
	}

	if msg.Telemetry != nil {
		header.Flags |= protocol.FlagHasTelemetry
	} else {
		header.Flags &^= protocol.FlagHasTelemetry
	}

	size := protocol.HeaderSize + len(payload)
	if msg.Telemetry != nil {
		size += 2 + msg.Telemetry.ContentLength()
	}

	buf := make([]byte, 0, size)
	buf = protocol.AppendHeader(buf, header)
	if msg.Telemetry != nil {
		var err error
		if buf, err = protocol.AppendTelemetry(buf, msg.Telemetry); err != nil {
			return nil, err
		}
	}
	return append(buf, payload...), nil
}

// Decode parses a frame. On any error no message is returned.
func (c *binaryCodec) Decode(data []byte) (*protocol.Message, error) {
	header, rest, err := protocol.ReadHeader(data)
	if err != nil {
		return nil, err
	}
	if err := header.Flags.Validate(); err != nil {
		return nil, err
	}

	var telemetry *protocol.Telemetry
	if header.Flags.Has(protocol.FlagHasTelemetry) {
		if telemetry, rest, err = protocol.ReadTelemetry(rest); err != nil {
			return nil, err
		}
	}

	spec, ok := c.registry.Lookup(header.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownType, header.Type)
	}

	raw := make([]byte, len(rest))
	copy(raw, rest)

	body := raw
	if header.Flags.Has(protocol.FlagIsCompressed) {
		if body, err = c.decompress(raw); err != nil {
			return nil, err
		}
	}

	payload, err := decodeMsgpack(spec, body)
	if err != nil {
		return nil, err
	}

	return &protocol.Message{
		Header:    header,
		Telemetry: telemetry,
		Payload:   payload,
		Raw:       raw,
	}, nil
}

func (c *binaryCodec) decompress(raw []byte) ([]byte, error) {
	n, err := s2.DecodedLen(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompression, err)
	}
	if n > c.opts.MaxDecodedSize {
		return nil, fmt.Errorf("%w: decoded size %d exceeds %d", ErrCompression, n, c.opts.MaxDecodedSize)
	}
	body, err := s2.Decode(nil, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompression, err)
	}
	return body, nil
}

// decodeMsgpack decodes body into the spec's payload type. Trailing bytes are an error.
// An empty body yields the zero payload.
func decodeMsgpack(spec protocol.PayloadSpec, body []byte) (any, error) {
	if spec.New == nil {
		return nil, nil
	}
	v := spec.New()
	if len(body) == 0 {
		return v, nil
	}

	r := bytes.NewReader(body)
	dec := msgpack.NewDecoder(r)
	if err := dec.Decode(v); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPayload, spec.Name, err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %s: %d trailing bytes", ErrPayload, spec.Name, r.Len())
	}
	return v, nil
}
