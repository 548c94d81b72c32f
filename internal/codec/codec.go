package codec

import (
	"errors"
	"fmt"

	"github.com/rickgao/arena-gateway/internal/protocol"
)

// Errors
var (
	ErrPayload       = errors.New("payload decode failed")
	ErrCompression   = errors.New("payload decompression failed")
	ErrUnknownFormat = errors.New("unknown wire format")
)

// Format selects the wire encoding for a deployment.
type Format string

const (
	FormatBinary Format = "binary"
	FormatJSON   Format = "json"
)

// FrameKind is the transport frame type a format travels in. Values match the
// websocket opcodes for text and binary messages.
type FrameKind int

const (
	FrameText   FrameKind = 1
	FrameBinary FrameKind = 2
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	}
	return fmt.Sprintf("frame(%d)", int(k))
}

// Codec converts between frames and messages.
type Codec interface {
	Format() Format
	FrameKind() FrameKind
	Encode(msg *protocol.Message) ([]byte, error)
	Decode(data []byte) (*protocol.Message, error)
}

// Options tunes encoding behavior.
type Options struct {
	// CompressThreshold compresses outbound binary payloads of at least this many
	// bytes. Zero disables automatic compression.
	CompressThreshold int

	// MaxDecodedSize bounds the decompressed size of an inbound payload.
	MaxDecodedSize int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		CompressThreshold: 0,
		MaxDecodedSize:    1 << 20,
	}
}

// New returns the codec for format.
func New(format Format, registry *protocol.TypeRegistry, opts Options) (Codec, error) {
	if opts.MaxDecodedSize <= 0 {
		opts.MaxDecodedSize = DefaultOptions().MaxDecodedSize
	}
	switch format {
	case FormatBinary:
		return &binaryCodec{registry: registry, opts: opts}, nil
	case FormatJSON:
		return &jsonCodec{registry: registry}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

// IsFramingError reports whether err means the inbound byte stream cannot be trusted.
func IsFramingError(err error) bool {
	return errors.Is(err, protocol.ErrTruncated) ||
		errors.Is(err, protocol.ErrTelemetryLength) ||
		errors.Is(err, protocol.ErrUnknownType) ||
		errors.Is(err, protocol.ErrUnsupportedFlags) ||
		errors.Is(err, ErrPayload) ||
		errors.Is(err, ErrCompression)
}
