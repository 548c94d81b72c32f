package connection

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

type shard struct {
	mu    sync.RWMutex
	conns map[string]*Conn            // connID -> conn
	users map[string]map[string]*Conn // userID -> connID -> conn
}

// Registry is the concurrent index of live connections by connection id and by
// user id. A user may hold several connections at once.
//
// A connection is stored in the shard of its connection id; the user index entry
// lives in the shard of its user id. Updates touching both take the two shard
// locks in ascending shard order.
type Registry struct {
	shards [shardCount]*shard
	count  atomic.Int64
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger}
	for i := range r.shards {
		r.shards[i] = &shard{
			conns: make(map[string]*Conn),
			users: make(map[string]map[string]*Conn),
		}
	}
	return r
}

func shardIndex(key string) int {
	return int(xxhash.Sum64String(key) % shardCount)
}

// lockPair write-locks shards a and b in ascending order and returns the unlock.
func (r *Registry) lockPair(a, b int) func() {
	if a == b {
		r.shards[a].mu.Lock()
		return r.shards[a].mu.Unlock
	}
	if a > b {
		a, b = b, a
	}
	r.shards[a].mu.Lock()
	r.shards[b].mu.Lock()
	return func() {
		r.shards[b].mu.Unlock()
		r.shards[a].mu.Unlock()
	}
}

// Register adds conn to both indices.
func (r *Registry) Register(conn *Conn) error {
	ci := shardIndex(conn.id)
	ui := ci
	if conn.userID != "" {
		ui = shardIndex(conn.userID)
	}

	unlock := r.lockPair(ci, ui)
	defer unlock()

	cs := r.shards[ci]
	if _, exists := cs.conns[conn.id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, conn.id)
	}
	cs.conns[conn.id] = conn

	if conn.userID != "" {
		us := r.shards[ui]
		set := us.users[conn.userID]
		if set == nil {
			set = make(map[string]*Conn, 1)
			us.users[conn.userID] = set
		}
		set[conn.id] = conn
	}

	r.count.Add(1)
	r.logger.Debug("connection registered", "conn", conn.id, "user", conn.userID)
	return nil
}

// Unregister removes connID from both indices. Removing an absent id is a no-op
// that returns false.
func (r *Registry) Unregister(connID string) (*Conn, bool) {
	ci := shardIndex(connID)

	conn, ok := r.ByConnectionID(connID)
	if !ok {
		return nil, false
	}

	ui := ci
	if conn.userID != "" {
		ui = shardIndex(conn.userID)
	}

	unlock := r.lockPair(ci, ui)
	defer unlock()

	cs := r.shards[ci]
	if cs.conns[connID] != conn {
		// Lost the race with another Unregister.
		return nil, false
	}
	delete(cs.conns, connID)

	if conn.userID != "" {
		us := r.shards[ui]
		if set := us.users[conn.userID]; set != nil {
			delete(set, connID)
			if len(set) == 0 {
				delete(us.users, conn.userID)
			}
		}
	}

	r.count.Add(-1)
	r.logger.Debug("connection unregistered", "conn", connID, "user", conn.userID)
	return conn, true
}

// ByConnectionID looks up one connection.
func (r *Registry) ByConnectionID(connID string) (*Conn, bool) {
	s := r.shards[shardIndex(connID)]
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.conns[connID]
	return conn, ok
}

// ByUserID returns every registered connection of userID, open or not.
func (r *Registry) ByUserID(userID string) []*Conn {
	if userID == "" {
		return nil
	}
	s := r.shards[shardIndex(userID)]
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.users[userID]
	if len(set) == 0 {
		return nil
	}
	conns := make([]*Conn, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	return conns
}

// IsUserConnected reports whether userID has at least one open connection.
func (r *Registry) IsUserConnected(userID string) bool {
	for _, c := range r.ByUserID(userID) {
		if c.IsOpen() {
			return true
		}
	}
	return false
}

// MarkClientActivity updates the activity time of connID.
func (r *Registry) MarkClientActivity(connID string, atMs int64) bool {
	conn, ok := r.ByConnectionID(connID)
	if ok {
		conn.MarkClientActivity(atMs)
	}
	return ok
}

// MarkPongReceived updates the pong time of connID.
func (r *Registry) MarkPongReceived(connID string, atMs int64) bool {
	conn, ok := r.ByConnectionID(connID)
	if ok {
		conn.MarkPongReceived(atMs)
	}
	return ok
}

// MarkPingSent records an outstanding ping on connID.
func (r *Registry) MarkPingSent(connID string, pingID uint64, atMs int64) bool {
	conn, ok := r.ByConnectionID(connID)
	if ok {
		conn.MarkPingSent(pingID, atMs)
	}
	return ok
}

// TryCompletePing completes pingID on connID and returns the round-trip time.
func (r *Registry) TryCompletePing(connID string, pingID uint64, nowMs int64) (int64, bool) {
	conn, ok := r.ByConnectionID(connID)
	if !ok {
		return 0, false
	}
	return conn.TryCompletePing(pingID, nowMs)
}

// Connections returns every registered connection. The slice is a copy; the
// connections are live.
func (r *Registry) Connections() []*Conn {
	conns := make([]*Conn, 0, r.Count())
	for _, s := range r.shards {
		s.mu.RLock()
		for _, c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.RUnlock()
	}
	return conns
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	return int(r.count.Load())
}

// Stats returns current registry statistics.
func (r *Registry) Stats() RegistryStats {
	users := 0
	for _, s := range r.shards {
		s.mu.RLock()
		users += len(s.users)
		s.mu.RUnlock()
	}
	return RegistryStats{
		Connections: r.Count(),
		Users:       users,
	}
}
