package liveness

import (
	"context"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/rickgao/arena-gateway/internal/connection"
	"github.com/rickgao/arena-gateway/internal/idgen"
	"github.com/rickgao/arena-gateway/internal/metrics"
	"github.com/rickgao/arena-gateway/internal/protocol"
)

// Closer closes a timed-out connection: transport close with the decision's
// status, mark disconnected, unregister. It must tolerate repeated calls.
type Closer interface {
	CloseTimedOut(conn *connection.Conn, d Decision)
}

// PingWriter delivers a heartbeat message to one connection.
type PingWriter interface {
	SendToConnection(conn *connection.Conn, msg *protocol.Message) error
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Evaluated int
	TimedOut  int
	Purged    int
}

// Monitor runs the liveness sweep and the server heartbeat.
type Monitor struct {
	policy   Policy
	registry *connection.Registry
	closer   Closer
	pinger   PingWriter
	ids      *idgen.Generator
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor. pinger may be nil to disable server heartbeats.
func NewMonitor(
	policy Policy,
	registry *connection.Registry,
	closer Closer,
	pinger PingWriter,
	ids *idgen.Generator,
	clk clock.Clock,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.New()
	}
	if ids == nil {
		ids = idgen.New(clk)
	}
	return &Monitor{
		policy:   policy,
		registry: registry,
		closer:   closer,
		pinger:   pinger,
		ids:      ids,
		clock:    clk,
		metrics:  metrics.OrNop(m),
		logger:   logger,
	}
}

// Start launches the sweep loop and, when enabled, the heartbeat loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)
	opts := m.policy.Options()

	m.wg.Add(1)
	go m.sweepLoop(opts)

	if m.pinger != nil && opts.PingInterval > 0 {
		m.wg.Add(1)
		go m.heartbeatLoop(opts)
	}

	m.logger.Info("liveness monitor started",
		"idle_timeout", opts.IdleTimeout,
		"sweep_interval", opts.SweepInterval,
		"ping_interval", opts.PingInterval,
	)
	return nil
}

// Stop stops both loops.
func (m *Monitor) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("liveness monitor stopped")
	case <-ctx.Done():
		m.logger.Warn("liveness monitor stop timed out")
	}
	return nil
}

func (m *Monitor) sweepLoop(opts Options) {
	defer m.wg.Done()

	ticker := m.clock.Ticker(opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			res := m.Sweep(m.clock.Now().UnixMilli())
			if res.TimedOut > 0 || res.Purged > 0 {
				m.logger.Debug("liveness sweep",
					"evaluated", res.Evaluated,
					"timed_out", res.TimedOut,
					"purged_pings", res.Purged,
				)
			}
		}
	}
}

func (m *Monitor) heartbeatLoop(opts Options) {
	defer m.wg.Done()

	ticker := m.clock.Ticker(opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.PingAll(m.clock.Now().UnixMilli())
		}
	}
}

// Sweep evaluates every registered connection once.
func (m *Monitor) Sweep(nowMs int64) SweepResult {
	var res SweepResult
	cutoff := m.policy.StaleCutoff(nowMs)

	for _, conn := range m.registry.Connections() {
		res.Evaluated++

		if n := conn.PurgeStalePings(cutoff); n > 0 {
			res.Purged += n
			m.metrics.PingsEvicted.Add(float64(n))
		}

		d := m.policy.Evaluate(conn.Snapshot(), nowMs)
		if !d.TimedOut() {
			continue
		}

		res.TimedOut++
		m.logger.Info("connection idle timeout",
			"conn", conn.ID(),
			"user", conn.UserID(),
			"idle_ms", d.IdleMs,
		)
		m.closer.CloseTimedOut(conn, d)
	}
	return res
}

// PingAll sends a server ping with a fresh id to every open connection and
// returns how many were written.
func (m *Monitor) PingAll(nowMs int64) int {
	sent := 0
	for _, conn := range m.registry.Connections() {
		if !conn.IsOpen() {
			continue
		}

		pingID := m.ids.Next()
		if _, evicted := conn.MarkPingSent(pingID, nowMs); evicted {
			m.metrics.PingsEvicted.Inc()
		}

		msg := protocol.NewMessage(protocol.TypePingPush, pingID, nowMs, &protocol.Ping{PingID: pingID, SentAt: nowMs})
		if err := m.pinger.SendToConnection(conn, msg); err != nil {
			m.logger.Debug("heartbeat write failed", "conn", conn.ID(), "error", err)
			continue
		}
		sent++
	}
	m.metrics.PingsSent.Add(float64(sent))
	return sent
}
