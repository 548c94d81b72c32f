// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Open connections, accepts and closes by reason
//   - Inbound frames and framing errors
//   - Router submissions, backpressure rejections and handler failures
//   - Heartbeat round-trip time
//   - Journal and presence side effects
package metrics
