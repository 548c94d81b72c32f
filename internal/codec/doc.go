// Package codec converts realtime messages to and from wire frames.
//
// Two formats are available, chosen once per deployment:
//   - binary: big-endian header, TLV telemetry, MessagePack payload (optionally S2-compressed)
//   - json: a single JSON object per text frame
//
// Decode never returns a partially populated message. Any error is a framing error
// and the connection that produced the frame should be closed.
package codec
