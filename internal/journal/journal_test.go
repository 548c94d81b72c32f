package journal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	batches [][]Event
	err     error
}

func (f *fakeStore) InsertEvents(_ context.Context, events []Event) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.batches = append(f.batches, append([]Event(nil), events...))
	return int64(len(events)), nil
}

func (f *fakeStore) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func event(kind Kind, conn string) Event {
	return Event{Kind: kind, At: time.UnixMilli(1_000), ConnectionID: conn, UserID: "alice", LastRTTMs: -1}
}

func TestWriter_FlushesOnBatchSize(t *testing.T) {
	store := &fakeStore{}
	w := NewWriter(Config{BatchSize: 3, FlushInterval: time.Hour, BufferSize: 16}, store, clock.NewMock(), nil, nil)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop(context.Background())

	for _, id := range []string{"a", "b", "c"} {
		w.Record(event(KindConnected, id))
	}

	assert.Eventually(t, func() bool { return store.total() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(3), w.Stats().Written)
}

func TestWriter_FlushesOnInterval(t *testing.T) {
	store := &fakeStore{}
	clk := clock.NewMock()
	w := NewWriter(Config{BatchSize: 100, FlushInterval: time.Second, BufferSize: 16}, store, clk, nil, nil)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop(context.Background())

	w.Record(event(KindTimedOut, "a"))

	assert.Eventually(t, func() bool {
		clk.Add(time.Second)
		return store.total() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestWriter_StopFlushesPending(t *testing.T) {
	store := &fakeStore{}
	w := NewWriter(Config{BatchSize: 100, FlushInterval: time.Hour, BufferSize: 16}, store, clock.NewMock(), nil, nil)
	require.NoError(t, w.Start(context.Background()))

	w.Record(event(KindConnected, "a"))
	w.Record(event(KindDisconnected, "a"))
	require.NoError(t, w.Stop(context.Background()))

	assert.Equal(t, 2, store.total())

	w.Record(event(KindConnected, "late"))
	assert.Equal(t, int64(1), w.Stats().Dropped, "events after stop are dropped")
}

func TestWriter_BacklogFlushesInFullBatches(t *testing.T) {
	store := &fakeStore{}
	w := NewWriter(Config{BatchSize: 4, FlushInterval: time.Hour, BufferSize: 16}, store, clock.NewMock(), nil, nil)

	// Queued before Start so the consumer finds a backlog.
	for i := 0; i < 10; i++ {
		w.Record(event(KindConnected, string(rune('a'+i))))
	}
	require.NoError(t, w.Start(context.Background()))

	assert.Eventually(t, func() bool { return store.total() == 8 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return w.queue.Len() == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, w.Stop(context.Background()))

	store.mu.Lock()
	defer store.mu.Unlock()
	sizes := make([]int, 0, len(store.batches))
	for _, b := range store.batches {
		sizes = append(sizes, len(b))
	}
	assert.Equal(t, []int{4, 4, 2}, sizes)
}

func TestWriter_DropsWhenFull(t *testing.T) {
	store := &fakeStore{}
	w := NewWriter(Config{BatchSize: 100, FlushInterval: time.Hour, BufferSize: 2}, store, clock.NewMock(), nil, nil)

	// Not started: nothing drains the queue.
	w.Record(event(KindConnected, "a"))
	w.Record(event(KindConnected, "b"))
	w.Record(event(KindConnected, "c"))

	assert.Equal(t, int64(1), w.Stats().Dropped)
}

func TestWriter_StoreFailure(t *testing.T) {
	store := &fakeStore{err: errors.New("connection refused")}
	w := NewWriter(Config{BatchSize: 2, FlushInterval: time.Hour, BufferSize: 16}, store, clock.NewMock(), nil, nil)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop(context.Background())

	w.Record(event(KindConnected, "a"))
	w.Record(event(KindConnected, "b"))

	assert.Eventually(t, func() bool { return w.Stats().Failed == 2 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, w.Stats().Written)
}

type fakeDB struct {
	table   pgx.Identifier
	columns []string
	rows    [][]any
	execs   []string
}

func (f *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	return pgconn.CommandTag{}, nil
}

func (f *fakeDB) CopyFrom(_ context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error) {
	f.table, f.columns = table, columns
	for src.Next() {
		values, err := src.Values()
		if err != nil {
			return 0, err
		}
		f.rows = append(f.rows, values)
	}
	return int64(len(f.rows)), src.Err()
}

func TestPgStore_InsertEvents(t *testing.T) {
	db := &fakeDB{}
	store := NewPgStore(db)

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.Len(t, db.execs, 1)
	assert.Contains(t, db.execs[0], "CREATE TABLE IF NOT EXISTS connection_events")

	ev := Event{
		Kind:         KindProtocolError,
		At:           time.UnixMilli(5_000),
		InstanceID:   "gw-1",
		ConnectionID: "c-1",
		UserID:       "alice",
		RemoteAddr:   "10.0.0.1:5555",
		Reason:       "decode frame: truncated",
		DurationMs:   4_000,
		LastRTTMs:    12,
	}
	n, err := store.InsertEvents(context.Background(), []Event{ev})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	assert.Equal(t, pgx.Identifier{"connection_events"}, db.table)
	require.Len(t, db.rows, 1)
	assert.Len(t, db.rows[0], len(db.columns))
	assert.Equal(t, "protocol_error", db.rows[0][1])
	assert.Equal(t, int64(12), db.rows[0][8])
}
