// gateway runs the realtime websocket gateway.
// Usage: go run ./cmd/gateway --config configs/gateway.example.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/rickgao/arena-gateway/internal/auth"
	"github.com/rickgao/arena-gateway/internal/config"
	"github.com/rickgao/arena-gateway/internal/connection"
	"github.com/rickgao/arena-gateway/internal/database"
	"github.com/rickgao/arena-gateway/internal/gateway"
	"github.com/rickgao/arena-gateway/internal/journal"
	"github.com/rickgao/arena-gateway/internal/metrics"
	"github.com/rickgao/arena-gateway/internal/presence"
	"github.com/rickgao/arena-gateway/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/gateway.example.yaml", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting gateway",
		"version", version.Get().String(),
		"config", *configPath,
		"instance_id", cfg.Instance.ID,
		"wire_format", cfg.Wire.Format,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gateway failed", "error", err)
		os.Exit(1)
	}
	logger.Info("gateway stopped")
}

func run(ctx context.Context, cfg *config.GatewayConfig, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	resolver, err := newResolver(cfg.Auth)
	if err != nil {
		return err
	}

	registry := connection.NewRegistry(logger)
	deps := gateway.Deps{
		Resolver: resolver,
		Routes:   demoRoutes(logger),
		Registry: registry,
		Metrics:  m,
		Logger:   logger,
	}

	if cfg.Journal.Enabled {
		logger.Info("connecting to database",
			"host", cfg.Database.Postgres.Host,
			"port", cfg.Database.Postgres.Port,
			"database", cfg.Database.Postgres.Name,
		)
		pools, err := database.NewPools(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pools.Close()

		store := journal.NewPgStore(pools.Postgres)
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		writer := journal.NewWriter(journal.Config{
			BatchSize:     cfg.Journal.BatchSize,
			FlushInterval: cfg.Journal.FlushInterval,
			BufferSize:    cfg.Journal.BufferSize,
		}, store, nil, m, logger)

		deps.Journal = writer
		deps.Components = append(deps.Components, writer)
		logger.Info("database connected")
	}

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		publisher := presence.NewPublisher(rdb, cfg.Instance.ID, cfg.Redis.PresenceTTL, registry, nil, m, logger)

		deps.Presence = publisher
		deps.Components = append(deps.Components, publisher)
		logger.Info("redis connected", "addr", cfg.Redis.Addr)
	}

	gw, err := gateway.New(cfg, deps)
	if err != nil {
		return err
	}

	logger.Info("gateway running",
		"listen_addr", cfg.Server.ListenAddr,
		"ws_path", cfg.Server.Path,
		"partitions", cfg.Routing.PartitionCount,
	)
	return gw.Run(ctx)
}

func newResolver(cfg config.AuthConfig) (auth.Resolver, error) {
	switch cfg.Mode {
	case "signed":
		key, err := auth.LoadPublicKey(cfg.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load auth public key: %w", err)
		}
		return auth.SignatureResolver{PublicKey: key, MaxSkew: cfg.MaxSkew}, nil
	case "header":
		return auth.HeaderResolver{Header: cfg.UserHeader}, nil
	}
	return nil, errors.New("unknown auth mode " + cfg.Mode)
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
