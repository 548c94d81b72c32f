// Package receiver turns inbound transport frames into routed work.
//
// Each connection's read loop calls HandleFrame once per frame. Heartbeat
// messages are answered inline; every other message is submitted to the
// partitioned router without blocking. A frame that cannot be decoded closes
// the connection with a protocol error status.
package receiver
