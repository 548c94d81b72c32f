package connection

import (
	"errors"
	"time"

	"github.com/rickgao/arena-gateway/internal/codec"
)

// Errors
var (
	ErrNotFound      = errors.New("connection not found")
	ErrDuplicate     = errors.New("connection already registered")
	ErrNotConnected  = errors.New("not connected")
	ErrAlreadyClosed = errors.New("already closed")
	ErrPingTimeout   = errors.New("ping timeout")
)

// Transport is the write side of one physical client session. Implementations
// must allow WriteFrame and Close to be called from multiple goroutines.
type Transport interface {
	WriteFrame(kind codec.FrameKind, data []byte) error
	Close(code int, reason string) error
	RemoteAddr() string
}

// Snapshot is a point-in-time copy of a connection's liveness state.
// Timestamps are unix milliseconds; zero means never.
type Snapshot struct {
	ID                  string
	UserID              string
	ConnectedAt         int64
	DisconnectedAt      int64
	LastClientActivity  int64
	LastPongReceived    int64
	LastPingSent        int64
	PendingPings        int
	LastCompletedPingID uint64
	LastRTTMillis       int64 // -1 until the first ping completes
	ClientRTTMillis     int64 // last RTT reported by the client, -1 if none
}

// Open reports whether the connection had not been marked disconnected.
func (s Snapshot) Open() bool {
	return s.DisconnectedAt == 0
}

// RegistryStats summarises registry contents.
type RegistryStats struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
}

// ClientConfig configures a realtime Client.
type ClientConfig struct {
	URL          string        // ws://host:port/ws
	UserID       string        // sent as the identity header
	Signer       HeaderSigner  // nil = unsigned handshake
	Codec        codec.Codec   // must match the gateway's wire format
	PingTimeout  time.Duration // Ping waits at most this long for the pong
	WriteTimeout time.Duration // Write deadline for sends
	BufferSize   int           // Message channel buffer size
}

// HeaderSigner produces handshake headers for a websocket path.
type HeaderSigner interface {
	SignHandshake(path string) (map[string]string, error)
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PingTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   1024,
	}
}
