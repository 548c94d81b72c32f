// Package journal records connection lifecycle events to PostgreSQL.
//
// Events are queued without blocking the caller, accumulated into batches and
// written with COPY. When the queue is full new events are dropped and counted.
// The journal is append-only.
package journal
