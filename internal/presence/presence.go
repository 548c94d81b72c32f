// Package presence publishes which users are connected to which gateway
// instance, so that other services can find a user's sessions.
//
// Each user has a Redis set presence:{user} whose members are
// "{instance}/{connection}". The set expires unless refreshed, so entries
// left by a crashed instance disappear after the TTL.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"

	"github.com/rickgao/arena-gateway/internal/connection"
	"github.com/rickgao/arena-gateway/internal/metrics"
)

// Tracker is told about connections opening and closing.
type Tracker interface {
	Online(ctx context.Context, userID, connID string) error
	Offline(ctx context.Context, userID, connID string) error
}

// Nop ignores presence updates.
type Nop struct{}

func (Nop) Online(context.Context, string, string) error  { return nil }
func (Nop) Offline(context.Context, string, string) error { return nil }

// redisClient is the subset of go-redis used here.
type redisClient interface {
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// Publisher writes presence to Redis.
type Publisher struct {
	client     redisClient
	instanceID string
	ttl        time.Duration
	registry   *connection.Registry
	clock      clock.Clock
	metrics    *metrics.Metrics
	logger     *slog.Logger

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPublisher creates a publisher. registry supplies the users whose keys are
// refreshed; it may be nil when no refresh loop is started.
func NewPublisher(
	client redisClient,
	instanceID string,
	ttl time.Duration,
	registry *connection.Registry,
	clk clock.Clock,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Publisher{
		client:     client,
		instanceID: instanceID,
		ttl:        ttl,
		registry:   registry,
		clock:      clk,
		metrics:    metrics.OrNop(m),
		logger:     logger.With("component", "presence"),
	}
}

// Key is the Redis key holding userID's connections.
func Key(userID string) string {
	return "presence:" + userID
}

func (p *Publisher) member(connID string) string {
	return p.instanceID + "/" + connID
}

// Online adds connID to the user's presence set and extends its TTL.
func (p *Publisher) Online(ctx context.Context, userID, connID string) error {
	if userID == "" {
		return nil
	}
	key := Key(userID)
	if err := p.client.SAdd(ctx, key, p.member(connID)).Err(); err != nil {
		return p.fail("sadd", key, err)
	}
	if err := p.client.Expire(ctx, key, p.ttl).Err(); err != nil {
		return p.fail("expire", key, err)
	}
	return nil
}

// Offline removes connID from the user's presence set.
func (p *Publisher) Offline(ctx context.Context, userID, connID string) error {
	if userID == "" {
		return nil
	}
	key := Key(userID)
	if err := p.client.SRem(ctx, key, p.member(connID)).Err(); err != nil {
		return p.fail("srem", key, err)
	}
	return nil
}

// Location is one published connection of a user.
type Location struct {
	InstanceID   string
	ConnectionID string
}

// Locate lists the published connections of userID across all instances.
func (p *Publisher) Locate(ctx context.Context, userID string) ([]Location, error) {
	members, err := p.client.SMembers(ctx, Key(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", Key(userID), err)
	}
	out := make([]Location, 0, len(members))
	for _, m := range members {
		instance, conn, ok := strings.Cut(m, "/")
		if !ok {
			continue
		}
		out = append(out, Location{InstanceID: instance, ConnectionID: conn})
	}
	return out, nil
}

// Refresh re-publishes every open connection and extends the TTL of its
// user's key. It returns how many connections were refreshed.
func (p *Publisher) Refresh(ctx context.Context) int {
	n := 0
	for _, conn := range p.registry.Connections() {
		if conn.UserID() == "" || !conn.IsOpen() {
			continue
		}
		// SAdd again in case the key expired while Redis was unreachable.
		if err := p.Online(ctx, conn.UserID(), conn.ID()); err != nil {
			continue
		}
		n++
	}
	return n
}

// Start launches the refresh loop at a third of the TTL.
func (p *Publisher) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.refreshLoop()

	p.logger.Info("presence publisher started", "instance", p.instanceID, "ttl", p.ttl)
	return nil
}

// Stop stops the refresh loop.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("presence publisher stopped")
	case <-ctx.Done():
		p.logger.Warn("presence publisher stop timed out")
	}
	return nil
}

func (p *Publisher) refreshLoop() {
	defer p.wg.Done()

	interval := p.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := p.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.Refresh(p.ctx)
		}
	}
}

func (p *Publisher) fail(op, key string, err error) error {
	p.metrics.PresenceErrors.Inc()
	p.logger.Warn("presence update failed", "op", op, "key", key, "error", err)
	return fmt.Errorf("%s %s: %w", op, key, err)
}
