package connection

import (
	"sync"
	"sync/atomic"
)

// Conn is one physical client session.
type Conn struct {
	id          string
	userID      string
	transport   Transport
	connectedAt int64

	disconnectedAt atomic.Int64
	lastActivity   atomic.Int64
	lastPong       atomic.Int64
	lastPingSent   atomic.Int64
	lastPingID     atomic.Uint64
	lastRTT        atomic.Int64
	clientRTT      atomic.Int64

	mu      sync.Mutex
	pending *pendingPings
}

// NewConn creates an open connection. pendingCapacity bounds the number of
// outstanding heartbeat pings tracked for RTT.
func NewConn(id, userID string, transport Transport, connectedAtMs int64, pendingCapacity int) *Conn {
	c := &Conn{
		id:          id,
		userID:      userID,
		transport:   transport,
		connectedAt: connectedAtMs,
		pending:     newPendingPings(pendingCapacity),
	}
	c.lastRTT.Store(-1)
	c.clientRTT.Store(-1)
	return c
}

func (c *Conn) ID() string           { return c.id }
func (c *Conn) UserID() string       { return c.userID }
func (c *Conn) Transport() Transport { return c.transport }
func (c *Conn) ConnectedAt() int64   { return c.connectedAt }

// DisconnectedAt is zero while the connection is open.
func (c *Conn) DisconnectedAt() int64 { return c.disconnectedAt.Load() }

// IsOpen reports whether MarkDisconnected has not happened yet.
func (c *Conn) IsOpen() bool { return c.disconnectedAt.Load() == 0 }

// MarkDisconnected records the disconnect time. Only the first call wins and
// returns true. atMs must be positive.
func (c *Conn) MarkDisconnected(atMs int64) bool {
	if atMs <= 0 {
		atMs = 1
	}
	return c.disconnectedAt.CompareAndSwap(0, atMs)
}

// MarkClientActivity advances the last activity time. Older values are ignored.
func (c *Conn) MarkClientActivity(atMs int64) {
	storeMax(&c.lastActivity, atMs)
}

// MarkPongReceived advances the last pong time.
func (c *Conn) MarkPongReceived(atMs int64) {
	storeMax(&c.lastPong, atMs)
}

// MarkPingSent records an outstanding ping. When the table is full the oldest
// entry is evicted and returned.
func (c *Conn) MarkPingSent(pingID uint64, atMs int64) (evicted uint64, ok bool) {
	storeMax(&c.lastPingSent, atMs)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.Insert(pingID, atMs)
}

// TryCompletePing consumes the pending entry for pingID and returns the
// round-trip time. It fails for unknown, late or duplicate ids.
func (c *Conn) TryCompletePing(pingID uint64, nowMs int64) (int64, bool) {
	c.mu.Lock()
	sentAt, ok := c.pending.Remove(pingID)
	c.mu.Unlock()
	if !ok {
		return 0, false
	}

	rtt := nowMs - sentAt
	if rtt < 0 {
		rtt = 0
	}
	c.lastPingID.Store(pingID)
	c.lastRTT.Store(rtt)
	storeMax(&c.lastPong, nowMs)
	return rtt, true
}

// PurgeStalePings drops pending pings sent before cutoffMs.
func (c *Conn) PurgeStalePings(cutoffMs int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.Purge(cutoffMs)
}

// PendingPings is the number of outstanding pings.
func (c *Conn) PendingPings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.Len()
}

// LastRTT returns the most recent round-trip time, if any ping has completed.
func (c *Conn) LastRTT() (int64, bool) {
	rtt := c.lastRTT.Load()
	return rtt, rtt >= 0
}

// MarkClientRTT records the round-trip time the client reported for its own
// pings. Negative values are ignored.
func (c *Conn) MarkClientRTT(rttMs int64) {
	if rttMs >= 0 {
		c.clientRTT.Store(rttMs)
	}
}

// ClientRTT returns the last client-reported round-trip time, if any.
func (c *Conn) ClientRTT() (int64, bool) {
	rtt := c.clientRTT.Load()
	return rtt, rtt >= 0
}

// Snapshot copies the liveness state.
func (c *Conn) Snapshot() Snapshot {
	return Snapshot{
		ID:                  c.id,
		UserID:              c.userID,
		ConnectedAt:         c.connectedAt,
		DisconnectedAt:      c.disconnectedAt.Load(),
		LastClientActivity:  c.lastActivity.Load(),
		LastPongReceived:    c.lastPong.Load(),
		LastPingSent:        c.lastPingSent.Load(),
		PendingPings:        c.PendingPings(),
		LastCompletedPingID: c.lastPingID.Load(),
		LastRTTMillis:       c.lastRTT.Load(),
		ClientRTTMillis:     c.clientRTT.Load(),
	}
}

func storeMax(v *atomic.Int64, x int64) {
	for {
		cur := v.Load()
		if x <= cur || v.CompareAndSwap(cur, x) {
			return
		}
	}
}
