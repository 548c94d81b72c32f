package journal

import "time"

// Kind is the lifecycle transition an event records.
type Kind string

const (
	KindConnected     Kind = "connected"
	KindDisconnected  Kind = "disconnected"
	KindTimedOut      Kind = "timed_out"
	KindProtocolError Kind = "protocol_error"
	KindShutdown      Kind = "shutdown"
)

// Event is one row of the connection journal.
type Event struct {
	Kind         Kind
	At           time.Time
	InstanceID   string
	ConnectionID string
	UserID       string
	RemoteAddr   string
	Reason       string
	DurationMs   int64 // time connected, zero for KindConnected
	LastRTTMs    int64 // -1 when no ping completed
}

// Recorder accepts journal events.
type Recorder interface {
	Record(ev Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(Event) {}
