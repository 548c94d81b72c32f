package journal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rickgao/arena-gateway/internal/metrics"
	"github.com/rickgao/arena-gateway/internal/router"
)

// Config holds batch writer settings.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
	WriteTimeout  time.Duration
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    10000,
		WriteTimeout:  10 * time.Second,
	}
}

// Stats counts writer activity.
type Stats struct {
	Written int64
	Dropped int64
	Failed  int64
	Flushes int64
}

// Writer batches events into a Store.
type Writer struct {
	cfg     Config
	store   Store
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger

	// Input
	queue *router.BoundedQueue[Event]

	// Batching
	batch       []Event
	batchMu     sync.Mutex
	flushTicker *clock.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats Stats
}

// NewWriter creates a writer.
func NewWriter(cfg Config, store Store, clk clock.Clock, m *metrics.Metrics, logger *slog.Logger) *Writer {
	d := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = d.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = d.BufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		cfg:     cfg,
		store:   store,
		clock:   clk,
		metrics: metrics.OrNop(m),
		logger:  logger.With("component", "journal"),
		queue:   router.NewBoundedQueue[Event](cfg.BufferSize),
		batch:   make([]Event, 0, cfg.BatchSize),
	}
}

// Record queues ev. It never blocks; when the queue is full the event is dropped.
func (w *Writer) Record(ev Event) {
	if err := w.queue.TrySend(ev); err != nil {
		w.batchMu.Lock()
		w.stats.Dropped++
		w.batchMu.Unlock()
		w.metrics.JournalEvents.WithLabelValues("dropped").Inc()
		if errors.Is(err, router.ErrBackpressure) {
			w.logger.Debug("journal queue full, dropping event", "kind", ev.Kind, "conn", ev.ConnectionID)
		}
	}
}

// Start begins consuming events.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = w.clock.Ticker(w.cfg.FlushInterval)

	w.wg.Add(2)
	go w.consumeLoop()
	go w.flushLoop()

	w.logger.Info("journal writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains queued events, flushes them and stops the loops.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping journal writer")

	// Closing the queue lets consumeLoop drain what is left before exiting.
	w.queue.Close()
	if w.cancel != nil {
		w.cancel()
	}
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("journal writer stopped")
	case <-ctx.Done():
		w.logger.Warn("journal writer stop timed out")
	}

	// Final flush
	w.flush()
	return nil
}

// Stats returns current counters.
func (w *Writer) Stats() Stats {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.stats
}

func (w *Writer) consumeLoop() {
	defer w.wg.Done()

	for {
		ev, ok := w.queue.Receive()
		if !ok {
			return
		}

		w.batchMu.Lock()
		w.batch = append(w.batch, ev)
		// Top up from whatever else is already queued.
		if room := w.cfg.BatchSize - len(w.batch); room > 0 {
			w.batch = append(w.batch, w.queue.DrainTo(room)...)
		}
		shouldFlush := len(w.batch) >= w.cfg.BatchSize
		w.batchMu.Unlock()

		if shouldFlush {
			w.flush()
		}
	}
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush()
		}
	}
}

// flush writes the current batch. A failed batch is dropped.
func (w *Writer) flush() {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]Event, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := w.clock.Now()
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.WriteTimeout)
	n, err := w.store.InsertEvents(ctx, batch)
	cancel()

	w.batchMu.Lock()
	if err != nil {
		w.stats.Failed += int64(len(batch))
	} else {
		w.stats.Written += n
		w.stats.Flushes++
	}
	w.batchMu.Unlock()

	if err != nil {
		w.metrics.JournalEvents.WithLabelValues("failed").Add(float64(len(batch)))
		w.logger.Error("journal insert failed", "error", err, "count", len(batch))
		return
	}

	w.metrics.JournalEvents.WithLabelValues("written").Add(float64(n))
	w.logger.Debug("flushed journal events",
		"count", n,
		"duration", w.clock.Since(start),
	)
}
