package config

import (
	"time"

	"github.com/rickgao/arena-gateway/internal/liveness"
	"github.com/rickgao/arena-gateway/internal/router"
)

// Default values for optional configuration fields.
const (
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultListenAddr        = ":8080"
	DefaultPath              = "/ws"
	DefaultBufferSize        = 4096
	DefaultMaxFrameSize      = 1 << 20
	DefaultWriteTimeout      = 5 * time.Second
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultWireFormat        = "binary"
	DefaultMaxDecodedSize    = 1 << 20
	DefaultAuthMode          = "header"
	DefaultUserHeader        = "X-Arena-User"
	DefaultMaxSkew           = 30 * time.Second
	DefaultDBPort            = 5432
	DefaultDBSSLMode         = "prefer"
	DefaultMaxConns          = 10
	DefaultMinConns          = 2
	DefaultJournalBatchSize  = 500
	DefaultJournalFlush      = 1 * time.Second
	DefaultJournalBufferSize = 10000
	DefaultRedisAddr         = "localhost:6379"
	DefaultPresenceTTL       = 90 * time.Second
	DefaultMetricsPath       = "/metrics"
)

// ApplyDefaults fills unset fields. Routing and liveness zeros take the
// defaults of their packages.
func (c *GatewayConfig) ApplyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}

	// Server defaults
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.Path == "" {
		c.Server.Path = DefaultPath
	}
	if c.Server.ReadBufferSize == 0 {
		c.Server.ReadBufferSize = DefaultBufferSize
	}
	if c.Server.WriteBufferSize == 0 {
		c.Server.WriteBufferSize = DefaultBufferSize
	}
	if c.Server.MaxFrameSize == 0 {
		c.Server.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	// Wire defaults
	if c.Wire.Format == "" {
		c.Wire.Format = DefaultWireFormat
	}
	if c.Wire.MaxDecodedSize == 0 {
		c.Wire.MaxDecodedSize = DefaultMaxDecodedSize
	}

	rd := router.DefaultOptions()
	if c.Routing.PartitionCount == 0 {
		c.Routing.PartitionCount = rd.PartitionCount
	}
	if c.Routing.QueueCapacity == 0 {
		c.Routing.QueueCapacity = rd.QueueCapacity
	}

	ld := liveness.DefaultOptions()
	if c.Liveness.IdleTimeout == 0 {
		c.Liveness.IdleTimeout = ld.IdleTimeout
	}
	if c.Liveness.SweepInterval == 0 {
		c.Liveness.SweepInterval = ld.SweepInterval
	}
	if c.Liveness.PingInterval == 0 {
		c.Liveness.PingInterval = ld.PingInterval
	}
	if c.Liveness.CloseCode == 0 {
		c.Liveness.CloseCode = ld.CloseCode
	}
	if c.Liveness.CloseReason == "" {
		c.Liveness.CloseReason = ld.CloseReason
	}
	if c.Liveness.PendingPingCapacity == 0 {
		c.Liveness.PendingPingCapacity = ld.PendingPingCapacity
	}
	if c.Liveness.StalePingAfter == 0 {
		c.Liveness.StalePingAfter = 2 * c.Liveness.IdleTimeout
	}

	// Auth defaults
	if c.Auth.Mode == "" {
		c.Auth.Mode = DefaultAuthMode
	}
	if c.Auth.UserHeader == "" {
		c.Auth.UserHeader = DefaultUserHeader
	}
	if c.Auth.MaxSkew == 0 {
		c.Auth.MaxSkew = DefaultMaxSkew
	}

	applyDBDefaults(&c.Database.Postgres)
	if c.Database.Postgres.ApplicationName == "" {
		c.Database.Postgres.ApplicationName = c.Instance.ID
	}

	// Journal defaults
	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = DefaultJournalBatchSize
	}
	if c.Journal.FlushInterval == 0 {
		c.Journal.FlushInterval = DefaultJournalFlush
	}
	if c.Journal.BufferSize == 0 {
		c.Journal.BufferSize = DefaultJournalBufferSize
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = DefaultRedisAddr
	}
	if c.Redis.PresenceTTL == 0 {
		c.Redis.PresenceTTL = DefaultPresenceTTL
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
