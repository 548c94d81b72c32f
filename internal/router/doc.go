// Package router implements the partitioned command router.
//
// The router:
//   - Owns a fixed number of partitions, each a bounded FIFO with one worker
//   - Hashes the sender's user id onto a partition so one user's messages run in order
//   - Rejects instead of blocking when a partition is full
//   - Recovers handler panics and keeps the worker running
package router
