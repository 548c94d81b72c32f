// Package connection tracks live client sessions.
//
// The Registry indexes every open Conn by connection id and by user id. Both
// indices are split across 32 shards keyed by xxhash, so accept, disconnect and
// activity updates for unrelated users never contend on one lock.
//
// Each Conn keeps its liveness timestamps in atomics so the liveness sweep can read
// them without locking, and a fixed-capacity table of outstanding heartbeat pings
// used to compute round-trip time.
//
// Client is the dialing side of the same protocol, used by the wsping tool and tests.
package connection
