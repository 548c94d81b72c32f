package journal

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Store persists batches of events.
type Store interface {
	InsertEvents(ctx context.Context, events []Event) (int64, error)
}

// DB is the subset of *pgxpool.Pool used by PgStore.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

const tableName = "connection_events"

var columns = []string{
	"at", "kind", "instance_id", "connection_id", "user_id",
	"remote_addr", "reason", "duration_ms", "last_rtt_ms",
}

const createTable = `
CREATE TABLE IF NOT EXISTS connection_events (
	at            TIMESTAMPTZ NOT NULL,
	kind          TEXT        NOT NULL,
	instance_id   TEXT        NOT NULL,
	connection_id TEXT        NOT NULL,
	user_id       TEXT        NOT NULL,
	remote_addr   TEXT        NOT NULL,
	reason        TEXT        NOT NULL,
	duration_ms   BIGINT      NOT NULL,
	last_rtt_ms   BIGINT      NOT NULL
);
CREATE INDEX IF NOT EXISTS connection_events_user_at ON connection_events (user_id, at DESC);
`

// PgStore writes events with COPY.
type PgStore struct {
	db DB
}

// NewPgStore creates a store on db, usually a *pgxpool.Pool.
func NewPgStore(db DB) *PgStore {
	return &PgStore{db: db}
}

// EnsureSchema creates the journal table if it does not exist.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("create %s: %w", tableName, err)
	}
	return nil
}

// InsertEvents copies events into the journal table.
func (s *PgStore) InsertEvents(ctx context.Context, events []Event) (int64, error) {
	n, err := s.db.CopyFrom(ctx, pgx.Identifier{tableName}, columns,
		pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
			ev := events[i]
			return []any{
				ev.At, string(ev.Kind), ev.InstanceID, ev.ConnectionID, ev.UserID,
				ev.RemoteAddr, ev.Reason, ev.DurationMs, ev.LastRTTMs,
			}, nil
		}),
	)
	if err != nil {
		return n, fmt.Errorf("copy %d events: %w", len(events), err)
	}
	return n, nil
}
