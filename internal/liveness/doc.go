// Package liveness decides when an idle connection has timed out and runs the
// background loops that act on it.
//
// A connection is a timeout candidate while it is open. Its idle time is measured
// from the latest of its connect time, last counted client activity and last pong.
// The Monitor sweeps the registry on a timer, closes timed-out connections through
// the gateway and sends server heartbeat pings so quiet clients keep producing pongs.
package liveness
