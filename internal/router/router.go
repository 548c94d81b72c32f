package router

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/cespare/xxhash/v2"

	"github.com/rickgao/arena-gateway/internal/metrics"
	"github.com/rickgao/arena-gateway/internal/protocol"
)

// Router dispatches decoded messages to handlers on a fixed set of partitions.
// Messages with the same partition key are handled in submission order.
type Router interface {
	// Start launches one worker per partition.
	Start(ctx context.Context) error

	// Stop closes the partition queues and waits for the workers to drain them.
	Stop(ctx context.Context) error

	// Submit enqueues env without blocking.
	Submit(env Envelope) error

	// PartitionFor returns the partition index for a key.
	PartitionFor(key string) int

	// Stats returns current router statistics.
	Stats() RouterStats
}

// router is the internal implementation.
type router struct {
	opts     Options
	handlers *Handlers
	metrics  *metrics.Metrics
	logger   *slog.Logger

	partitions []*BoundedQueue[Envelope]
	depth      []prometheus.Gauge

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Stats
	submitted     atomic.Int64
	rejected      atomic.Int64
	processed     atomic.Int64
	unhandled     atomic.Int64
	handlerErrors atomic.Int64
	handlerPanics atomic.Int64
}

// NewRouter creates a partitioned router. handlers must not be modified afterwards.
func NewRouter(opts Options, handlers *Handlers, m *metrics.Metrics, logger *slog.Logger) Router {
	if logger == nil {
		logger = slog.Default()
	}
	if handlers == nil {
		handlers = NewHandlers()
	}
	opts = opts.withDefaults()
	m = metrics.OrNop(m)

	r := &router{
		opts:       opts,
		handlers:   handlers,
		metrics:    m,
		logger:     logger,
		partitions: make([]*BoundedQueue[Envelope], opts.PartitionCount),
		depth:      make([]prometheus.Gauge, opts.PartitionCount),
	}
	for i := range r.partitions {
		r.partitions[i] = NewBoundedQueue[Envelope](opts.QueueCapacity)
		r.depth[i] = m.QueueDepth.WithLabelValues(strconv.Itoa(i))
	}
	return r
}

// Start launches the partition workers.
func (r *router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	for i := range r.partitions {
		r.wg.Add(1)
		go r.worker(i)
	}

	r.logger.Info("command router started",
		"partitions", r.opts.PartitionCount,
		"queue_capacity", r.opts.QueueCapacity,
		"handlers", len(r.handlers.routes),
		"default_handler", r.handlers.HasDefault(),
	)

	return nil
}

// Stop closes the queues and waits for workers to finish queued work.
func (r *router) Stop(ctx context.Context) error {
	r.logger.Info("stopping command router")

	for _, q := range r.partitions {
		q.Close()
	}

	// Wait for workers to finish
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("command router stopped", "processed", r.processed.Load())
	case <-ctx.Done():
		r.logger.Warn("command router stop timed out")
	}

	if r.cancel != nil {
		r.cancel()
	}
	return nil
}

// PartitionFor hashes key onto a partition.
func (r *router) PartitionFor(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(r.partitions)))
}

// Submit enqueues env on its partition. It never blocks; a full partition
// returns ErrBackpressure.
func (r *router) Submit(env Envelope) error {
	p := r.PartitionFor(env.Context.PartitionKey())
	q := r.partitions[p]

	if err := q.TrySend(env); err != nil {
		if err == ErrBackpressure {
			r.rejected.Add(1)
			r.metrics.Backpressure.Inc()
			r.logger.Debug("partition full, rejecting message",
				"partition", p,
				"type", env.Message.Header.Type,
				"id", env.Message.Header.ID,
				"user", env.Context.UserID,
			)
		}
		return err
	}

	r.submitted.Add(1)
	r.metrics.MessagesSubmitted.Inc()
	r.depth[p].Set(float64(q.Len()))
	return nil
}

// Stats returns current statistics.
func (r *router) Stats() RouterStats {
	parts := make([]QueueStats, len(r.partitions))
	for i, q := range r.partitions {
		parts[i] = q.Stats()
	}
	return RouterStats{
		Submitted:     r.submitted.Load(),
		Rejected:      r.rejected.Load(),
		Processed:     r.processed.Load(),
		Unhandled:     r.unhandled.Load(),
		HandlerErrors: r.handlerErrors.Load(),
		HandlerPanics: r.handlerPanics.Load(),
		Partitions:    parts,
	}
}

// worker drains one partition sequentially until its queue is closed and empty.
func (r *router) worker(p int) {
	defer r.wg.Done()

	q := r.partitions[p]
	for {
		env, ok := q.Receive()
		if !ok {
			return
		}
		r.depth[p].Set(float64(q.Len()))
		r.dispatch(env)
	}
}

// dispatch runs the handler for one envelope. Errors and panics are contained here.
func (r *router) dispatch(env Envelope) {
	msg := env.Message
	mc := env.Context

	fn, ok := r.handlers.Lookup(msg.Header.Type)
	if !ok {
		r.unhandled.Add(1)
		r.logger.Debug("no handler for message type", "type", msg.Header.Type, "id", msg.Header.ID)
		return
	}

	err := r.invoke(fn, mc, env)
	r.processed.Add(1)
	if err == nil {
		return
	}

	r.handlerErrors.Add(1)
	r.metrics.HandlerErrors.WithLabelValues(msg.Header.Type.String()).Inc()
	r.logger.Error("handler failed",
		"type", msg.Header.Type,
		"id", msg.Header.ID,
		"user", mc.UserID,
		"conn", mc.ConnectionID,
		"error", err,
	)
	if r.handlers.onFailure != nil {
		r.notifyFailure(mc, msg, err)
	}
}

// notifyFailure runs the failure hook. A panicking hook is logged and must not
// take the partition worker down with it.
func (r *router) notifyFailure(mc MessageContext, msg *protocol.Message, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.handlerPanics.Add(1)
			r.metrics.HandlerPanics.Inc()
			r.logger.Error("failure hook panic",
				"type", msg.Header.Type,
				"id", msg.Header.ID,
				"panic", rec,
			)
		}
	}()
	r.handlers.onFailure(mc, msg, err)
}

func (r *router) invoke(fn HandlerFunc, mc MessageContext, env Envelope) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.handlerPanics.Add(1)
			r.metrics.HandlerPanics.Inc()
			r.logger.Error("handler panic",
				"type", env.Message.Header.Type,
				"id", env.Message.Header.ID,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()

	return fn(r.ctx, mc, env.Message)
}
