package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *GatewayConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	if c.Server.ListenAddr == "" {
		return errors.New("server.listen_addr is required")
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path must start with /, got %q", c.Server.Path)
	}
	if c.Server.MaxFrameSize < 1 {
		return errors.New("server.max_frame_size must be >= 1")
	}

	switch c.Wire.Format {
	case "binary", "json":
	default:
		return fmt.Errorf("wire.format must be binary or json, got %q", c.Wire.Format)
	}
	if c.Wire.CompressThreshold < 0 {
		return errors.New("wire.compress_threshold must be >= 0")
	}

	if c.Routing.PartitionCount < 1 {
		return errors.New("routing.partition_count must be >= 1")
	}
	if c.Routing.QueueCapacity < 1 {
		return errors.New("routing.queue_capacity must be >= 1")
	}

	if c.Liveness.IdleTimeout <= 0 {
		return errors.New("liveness.idle_timeout must be > 0")
	}
	if c.Liveness.SweepInterval <= 0 {
		return errors.New("liveness.sweep_interval must be > 0")
	}
	if c.Liveness.PingInterval > 0 && c.Liveness.PingInterval >= c.Liveness.IdleTimeout {
		return fmt.Errorf("liveness.ping_interval (%s) must be shorter than idle_timeout (%s)",
			c.Liveness.PingInterval, c.Liveness.IdleTimeout)
	}
	if c.Liveness.CloseCode < 1000 || c.Liveness.CloseCode > 4999 {
		return fmt.Errorf("liveness.close_code must be between 1000 and 4999, got %d", c.Liveness.CloseCode)
	}
	if c.Liveness.PendingPingCapacity < 1 {
		return errors.New("liveness.pending_ping_capacity must be >= 1")
	}

	switch c.Auth.Mode {
	case "header":
	case "signed":
		if c.Auth.PublicKeyPath == "" {
			return errors.New("auth.public_key_path is required in signed mode")
		}
	default:
		return fmt.Errorf("auth.mode must be header or signed, got %q", c.Auth.Mode)
	}

	if c.Journal.Enabled {
		if err := c.Database.Postgres.validate("database.postgres"); err != nil {
			return err
		}
		if c.Journal.BatchSize < 1 {
			return errors.New("journal.batch_size must be >= 1")
		}
		if c.Journal.BufferSize < 1 {
			return errors.New("journal.buffer_size must be >= 1")
		}
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when redis is enabled")
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
