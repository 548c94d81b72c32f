package liveness

import (
	"time"

	"github.com/rickgao/arena-gateway/internal/connection"
	"github.com/rickgao/arena-gateway/internal/protocol"
)

// CloseIdleTimeout is the application close status sent on idle timeout.
const CloseIdleTimeout = 4000

// Options configures liveness evaluation and the monitor loops.
type Options struct {
	IdleTimeout               time.Duration // Default: 60s
	SweepInterval             time.Duration // Default: 5s
	PingInterval              time.Duration // Default: 15s, negative disables server pings
	CloseCode                 int           // Default: 4000
	CloseReason               string        // Default: "idle timeout"
	CountAnyInboundAsActivity bool
	PendingPingCapacity       int           // Default: 16
	StalePingAfter            time.Duration // Default: 2 * IdleTimeout
}

// DefaultOptions returns default configuration.
func DefaultOptions() Options {
	return Options{
		IdleTimeout:         60 * time.Second,
		SweepInterval:       5 * time.Second,
		PingInterval:        15 * time.Second,
		CloseCode:           CloseIdleTimeout,
		CloseReason:         "idle timeout",
		PendingPingCapacity: 16,
		StalePingAfter:      120 * time.Second,
	}
}

// WithDefaults fills zero fields.
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = d.IdleTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = d.SweepInterval
	}
	if o.PingInterval == 0 {
		o.PingInterval = d.PingInterval
	}
	if o.CloseCode == 0 {
		o.CloseCode = d.CloseCode
	}
	if o.CloseReason == "" {
		o.CloseReason = d.CloseReason
	}
	if o.PendingPingCapacity <= 0 {
		o.PendingPingCapacity = d.PendingPingCapacity
	}
	if o.StalePingAfter <= 0 {
		o.StalePingAfter = 2 * o.IdleTimeout
	}
	return o
}

// State is the liveness state of one connection.
type State int

const (
	StateCandidate State = iota // open, evaluated on every sweep
	StateTimedOut               // idle past the timeout, to be closed
	StateClosed                 // already disconnected
)

func (s State) String() string {
	switch s {
	case StateCandidate:
		return "candidate"
	case StateTimedOut:
		return "timed_out"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Decision is the outcome of evaluating one connection.
type Decision struct {
	State       State
	IdleMs      int64
	CloseCode   int
	CloseReason string
}

// TimedOut reports whether the connection should be closed.
func (d Decision) TimedOut() bool { return d.State == StateTimedOut }

// Policy evaluates connection snapshots against Options.
type Policy struct {
	opts Options
}

// NewPolicy creates a policy. Zero option fields take defaults.
func NewPolicy(opts Options) Policy {
	return Policy{opts: opts.WithDefaults()}
}

// Options returns the effective options.
func (p Policy) Options() Options { return p.opts }

// Evaluate decides the state of s at nowMs.
func (p Policy) Evaluate(s connection.Snapshot, nowMs int64) Decision {
	if !s.Open() {
		return Decision{State: StateClosed}
	}

	idle := nowMs - max(s.ConnectedAt, s.LastClientActivity, s.LastPongReceived)
	if idle < 0 {
		idle = 0
	}

	d := Decision{State: StateCandidate, IdleMs: idle}
	if idle > p.opts.IdleTimeout.Milliseconds() {
		d.State = StateTimedOut
		d.CloseCode = p.opts.CloseCode
		d.CloseReason = p.opts.CloseReason
	}
	return d
}

// CountsAsActivity reports whether an inbound message of type t resets the idle
// clock. Heartbeats always do; other traffic only with CountAnyInboundAsActivity.
func (p Policy) CountsAsActivity(t protocol.MessageType) bool {
	return p.opts.CountAnyInboundAsActivity || protocol.IsHeartbeat(t)
}

// StaleCutoff is the send time before which pending pings are purged.
func (p Policy) StaleCutoff(nowMs int64) int64 {
	return nowMs - p.opts.StalePingAfter.Milliseconds()
}
