// Package gateway wires the realtime components into a websocket server.
//
// Each accepted connection gets a goroutine that runs its receive loop.
// Router workers, the liveness monitor and the journal run beside them, and
// Run shuts all of it down in reverse start order.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/arena-gateway/internal/auth"
	"github.com/rickgao/arena-gateway/internal/codec"
	"github.com/rickgao/arena-gateway/internal/config"
	"github.com/rickgao/arena-gateway/internal/connection"
	"github.com/rickgao/arena-gateway/internal/idgen"
	"github.com/rickgao/arena-gateway/internal/journal"
	"github.com/rickgao/arena-gateway/internal/liveness"
	"github.com/rickgao/arena-gateway/internal/metrics"
	"github.com/rickgao/arena-gateway/internal/presence"
	"github.com/rickgao/arena-gateway/internal/protocol"
	"github.com/rickgao/arena-gateway/internal/receiver"
	"github.com/rickgao/arena-gateway/internal/router"
	"github.com/rickgao/arena-gateway/internal/sender"
)

// Errors
var (
	ErrAlreadyRunning = errors.New("gateway already running")
)

// Component is an auxiliary service started before the listener and stopped
// after it, such as the journal writer or the presence refresher.
type Component interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// RoutesFunc builds the application handler table. It receives the sender so
// handlers can push replies and notifications.
type RoutesFunc func(s *sender.Sender) *router.Handlers

// Deps holds the injected collaborators of a Gateway. Only Resolver is required.
type Deps struct {
	Resolver   auth.Resolver
	Routes     RoutesFunc
	Types      *protocol.TypeRegistry
	Registry   *connection.Registry
	Journal    journal.Recorder
	Presence   presence.Tracker
	Components []Component
	Metrics    *metrics.Metrics
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Gateway is the composition root of the realtime server.
type Gateway struct {
	cfg      *config.GatewayConfig
	deps     Deps
	upgrader websocket.Upgrader

	codec    codec.Codec
	ids      *idgen.Generator
	registry *connection.Registry
	sender   *sender.Sender
	router   router.Router
	policy   liveness.Policy
	monitor  *liveness.Monitor
	receiver *receiver.Receiver

	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger

	// Lifecycle
	mu       sync.Mutex
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	readers  sync.WaitGroup
	shutdown bool

	testHookBeforeRegister func()
}

// New builds a gateway from cfg. cfg must already have defaults applied.
func New(cfg *config.GatewayConfig, deps Deps) (*Gateway, error) {
	if deps.Resolver == nil {
		return nil, errors.New("gateway: resolver is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Types == nil {
		deps.Types = protocol.NewDefaultRegistry()
	}
	if deps.Registry == nil {
		deps.Registry = connection.NewRegistry(deps.Logger)
	}
	if deps.Journal == nil {
		deps.Journal = journal.Nop{}
	}
	if deps.Presence == nil {
		deps.Presence = presence.Nop{}
	}
	m := metrics.OrNop(deps.Metrics)

	format, codecOpts := cfg.CodecOptions()
	c, err := codec.New(format, deps.Types, codecOpts)
	if err != nil {
		return nil, fmt.Errorf("create codec: %w", err)
	}

	g := &Gateway{
		cfg:      cfg,
		deps:     deps,
		codec:    c,
		ids:      idgen.New(deps.Clock),
		registry: deps.Registry,
		policy:   liveness.NewPolicy(cfg.LivenessOptions()),
		clock:    deps.Clock,
		metrics:  m,
		logger:   deps.Logger.With("component", "gateway", "instance", cfg.Instance.ID),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.Server.ReadBufferSize,
		WriteBufferSize: cfg.Server.WriteBufferSize,
		CheckOrigin:     g.checkOrigin,
	}

	g.sender = sender.New(g.registry, c, g.ids, deps.Clock, m, deps.Logger)

	handlers := router.NewHandlers()
	if deps.Routes != nil {
		handlers = deps.Routes(g.sender)
	}
	if !handlers.HasDefault() {
		handlers.Default(g.noHandler)
	}
	handlers.OnFailure(g.reportFailure)
	g.router = router.NewRouter(cfg.RoutingOptions(), handlers, m, deps.Logger)

	g.monitor = liveness.NewMonitor(g.policy, g.registry, g, g.sender, g.ids, deps.Clock, m, deps.Logger)

	g.receiver = receiver.New(receiver.Config{
		Codec:   c,
		Policy:  g.policy,
		Router:  g.router,
		Replier: g.sender,
		Closer:  g,
		IDs:     g.ids,
		Clock:   deps.Clock,
		Metrics: m,
		Logger:  deps.Logger,
	})

	return g, nil
}

// Registry returns the connection registry.
func (g *Gateway) Registry() *connection.Registry { return g.registry }

// Sender returns the outbound message sender.
func (g *Gateway) Sender() *sender.Sender { return g.sender }

// Codec returns the deployment codec.
func (g *Gateway) Codec() codec.Codec { return g.codec }

// Start starts auxiliary components, the router and the liveness monitor.
// It does not listen; serve Handler() or call Run.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return ErrAlreadyRunning
	}
	g.ctx, g.cancel = context.WithCancel(ctx)

	for i, c := range g.deps.Components {
		if err := c.Start(g.ctx); err != nil {
			g.stopComponents(context.Background(), i)
			return fmt.Errorf("start component %d: %w", i, err)
		}
	}
	if err := g.router.Start(g.ctx); err != nil {
		g.stopComponents(context.Background(), len(g.deps.Components))
		return fmt.Errorf("start router: %w", err)
	}
	if err := g.monitor.Start(g.ctx); err != nil {
		_ = g.router.Stop(context.Background())
		g.stopComponents(context.Background(), len(g.deps.Components))
		return fmt.Errorf("start liveness monitor: %w", err)
	}

	g.running = true
	g.shutdown = false
	g.logger.Info("gateway started",
		"wire_format", g.codec.Format(),
		"path", g.cfg.Server.Path,
	)
	return nil
}

// Shutdown closes every connection and stops the monitor, router and
// components, in that order.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return nil
	}
	g.running = false
	g.shutdown = true
	g.mu.Unlock()

	for _, conn := range g.registry.Connections() {
		g.closeConn(conn, journal.KindShutdown, websocket.CloseGoingAway, "server shutting down")
	}

	readersDone := make(chan struct{})
	go func() {
		g.readers.Wait()
		close(readersDone)
	}()
	select {
	case <-readersDone:
	case <-ctx.Done():
		g.logger.Warn("receive loops did not exit before shutdown deadline")
	}

	var errs error
	errs = multierr.Append(errs, g.monitor.Stop(ctx))
	errs = multierr.Append(errs, g.router.Stop(ctx))
	errs = multierr.Append(errs, g.stopComponents(ctx, len(g.deps.Components)))
	g.cancel()

	g.logger.Info("gateway stopped")
	return errs
}

// stopComponents stops the first n components in reverse order.
func (g *Gateway) stopComponents(ctx context.Context, n int) error {
	var errs error
	for i := n - 1; i >= 0; i-- {
		errs = multierr.Append(errs, g.deps.Components[i].Stop(ctx))
	}
	return errs
}

// Run starts the gateway, serves HTTP on cfg.Server.ListenAddr and shuts
// everything down when ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              g.cfg.Server.ListenAddr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		g.logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("websocket server failed: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.cfg.Server.ShutdownTimeout)
		defer cancel()

		var errs error
		errs = multierr.Append(errs, srv.Shutdown(shutdownCtx))
		errs = multierr.Append(errs, g.Shutdown(shutdownCtx))
		return errs
	})
	return eg.Wait()
}

// acquireReader counts a new receive loop unless shutdown has begun, so that
// Shutdown's wait never races with a late Add.
func (g *Gateway) acquireReader() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.shutdown || !g.running {
		return false
	}
	g.readers.Add(1)
	return true
}

func (g *Gateway) isShuttingDown() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.shutdown || !g.running
}
