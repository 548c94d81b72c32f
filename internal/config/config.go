package config

import (
	"time"

	"github.com/rickgao/arena-gateway/internal/codec"
	"github.com/rickgao/arena-gateway/internal/liveness"
	"github.com/rickgao/arena-gateway/internal/router"
)

// GatewayConfig is the root configuration for a gateway instance.
type GatewayConfig struct {
	Instance InstanceConfig `yaml:"instance"`
	Log      LogConfig      `yaml:"log"`
	Server   ServerConfig   `yaml:"server"`
	Wire     WireConfig     `yaml:"wire"`
	Routing  RoutingConfig  `yaml:"routing"`
	Liveness LivenessConfig `yaml:"liveness"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Journal  JournalConfig  `yaml:"journal"`
	Redis    RedisConfig    `yaml:"redis"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// InstanceConfig identifies this gateway.
type InstanceConfig struct {
	ID     string `yaml:"id"`
	Region string `yaml:"region"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ServerConfig holds the websocket listener settings.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	Path            string        `yaml:"path"`
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`
	MaxFrameSize    int64         `yaml:"max_frame_size"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"` // empty allows any origin
}

// WireConfig selects the deployment wire format.
type WireConfig struct {
	Format            string `yaml:"format"` // binary, json
	CompressThreshold int    `yaml:"compress_threshold"`
	MaxDecodedSize    int    `yaml:"max_decoded_size"`
}

// RoutingConfig sizes the partitioned router.
type RoutingConfig struct {
	PartitionCount int `yaml:"partition_count"`
	QueueCapacity  int `yaml:"queue_capacity"`
}

// LivenessConfig controls idle detection and server heartbeats.
type LivenessConfig struct {
	IdleTimeout               time.Duration `yaml:"idle_timeout"`
	SweepInterval             time.Duration `yaml:"sweep_interval"`
	PingInterval              time.Duration `yaml:"ping_interval"` // negative disables server pings
	CloseCode                 int           `yaml:"close_code"`
	CloseReason               string        `yaml:"close_reason"`
	CountAnyInboundAsActivity bool          `yaml:"count_any_inbound_as_activity"`
	PendingPingCapacity       int           `yaml:"pending_ping_capacity"`
	StalePingAfter            time.Duration `yaml:"stale_ping_after"`
}

// AuthConfig selects how the handshake identifies the user.
type AuthConfig struct {
	Mode          string        `yaml:"mode"`        // header, signed
	UserHeader    string        `yaml:"user_header"` // header mode only
	PublicKeyPath string        `yaml:"public_key_path"`
	MaxSkew       time.Duration `yaml:"max_skew"`
}

// DatabaseConfig holds the Postgres connection used by the journal.
type DatabaseConfig struct {
	Postgres DBConfig `yaml:"postgres"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`

	ApplicationName   string        `yaml:"application_name"` // defaults to instance.id
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	MaxConnLifetime   time.Duration `yaml:"max_conn_lifetime"`
	HealthCheckPeriod time.Duration `yaml:"health_check_period"`
}

// JournalConfig holds connection event journal settings.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// RedisConfig holds presence publishing settings.
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	PresenceTTL time.Duration `yaml:"presence_ttl"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RoutingOptions converts the routing section.
func (c *GatewayConfig) RoutingOptions() router.Options {
	return router.Options{
		PartitionCount: c.Routing.PartitionCount,
		QueueCapacity:  c.Routing.QueueCapacity,
	}
}

// LivenessOptions converts the liveness section.
func (c *GatewayConfig) LivenessOptions() liveness.Options {
	l := c.Liveness
	return liveness.Options{
		IdleTimeout:               l.IdleTimeout,
		SweepInterval:             l.SweepInterval,
		PingInterval:              l.PingInterval,
		CloseCode:                 l.CloseCode,
		CloseReason:               l.CloseReason,
		CountAnyInboundAsActivity: l.CountAnyInboundAsActivity,
		PendingPingCapacity:       l.PendingPingCapacity,
		StalePingAfter:            l.StalePingAfter,
	}
}

// CodecOptions converts the wire section.
func (c *GatewayConfig) CodecOptions() (codec.Format, codec.Options) {
	return codec.Format(c.Wire.Format), codec.Options{
		CompressThreshold: c.Wire.CompressThreshold,
		MaxDecodedSize:    c.Wire.MaxDecodedSize,
	}
}
