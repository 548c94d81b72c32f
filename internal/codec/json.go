package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/rickgao/arena-gateway/internal/protocol"
)

// jsonFrame is the text wire format.
type jsonFrame struct {
	Type      uint16          `json:"type"`
	ID        uint64          `json:"id,string"`
	Timestamp int64           `json:"ts"`
	Flags     uint8           `json:"flags"`
	Telemetry []jsonTLV       `json:"telemetry,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type jsonTLV struct {
	Key   uint16 `json:"key"`
	Value []byte `json:"value"` // base64
}

// jsonCodec is the text format. Compression is not available in text frames.
type jsonCodec struct {
	registry *protocol.TypeRegistry
}

func (c *jsonCodec) Format() Format       { return FormatJSON }
func (c *jsonCodec) FrameKind() FrameKind { return FrameText }

func (c *jsonCodec) Encode(msg *protocol.Message) ([]byte, error) {
	frame := jsonFrame{
		Type:      uint16(msg.Header.Type),
		ID:        msg.Header.ID,
		Timestamp: msg.Header.Timestamp,
		Flags:     uint8(msg.Header.Flags &^ (protocol.FlagIsCompressed | protocol.FlagHasTelemetry)),
	}

	if msg.Telemetry != nil {
		frame.Flags |= uint8(protocol.FlagHasTelemetry)
		frame.Telemetry = make([]jsonTLV, 0, len(msg.Telemetry.Fields))
		for _, f := range msg.Telemetry.Fields {
			frame.Telemetry = append(frame.Telemetry, jsonTLV{Key: f.Key, Value: f.Value})
		}
	}

	switch {
	case msg.Raw != nil:
		frame.Payload = msg.Raw
	case msg.Payload != nil:
		body, err := json.Marshal(msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		frame.Payload = body
	}

	return json.Marshal(frame)
}

func (c *jsonCodec) Decode(data []byte) (*protocol.Message, error) {
	var frame jsonFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrTruncated, err)
	}

	header := protocol.Header{
		Type:      protocol.MessageType(frame.Type),
		ID:        frame.ID,
		Timestamp: frame.Timestamp,
		Flags:     protocol.Flags(frame.Flags),
	}
	if err := header.Flags.Validate(); err != nil {
		return nil, err
	}
	if header.Flags.Has(protocol.FlagIsCompressed) {
		return nil, fmt.Errorf("%w: compression in text frame", protocol.ErrUnsupportedFlags)
	}

	hasTelemetry := header.Flags.Has(protocol.FlagHasTelemetry)
	if !hasTelemetry && len(frame.Telemetry) > 0 {
		return nil, fmt.Errorf("%w: telemetry block without flag", protocol.ErrTelemetryLength)
	}

	var telemetry *protocol.Telemetry
	if hasTelemetry {
		telemetry = &protocol.Telemetry{Fields: make([]protocol.TelemetryField, 0, len(frame.Telemetry))}
		for _, f := range frame.Telemetry {
			telemetry.Fields = append(telemetry.Fields, protocol.TelemetryField{Key: f.Key, Value: f.Value})
		}
	}

	spec, ok := c.registry.Lookup(header.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownType, header.Type)
	}

	var raw []byte
	if frame.Payload != nil {
		raw = make([]byte, len(frame.Payload))
		copy(raw, frame.Payload)
	}

	payload, err := decodeJSON(spec, raw)
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

func decodeJSON(spec protocol.PayloadSpec, body []byte) (any, error) {
	if spec.New == nil {
		return nil, nil
	}
	v := spec.New()
	if len(body) == 0 {
		return v, nil
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(v); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPayload, spec.Name, err)
	}
	return v, nil
}
