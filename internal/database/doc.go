// Package database provides PostgreSQL connection pool management.
//
// The gateway keeps one pool, used by the connection event journal.
package database
