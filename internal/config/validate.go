package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if len(c.Kraken.Pairs) == 0 {
		return errors.New("kraken.pairs must not be empty")
	}
	if c.Kraken.MaxRetries < 0 {
		return errors.New("kraken.max_retries must be >= 0")
	}

	switch c.Ingestion.Mode {
	case ModeBackfill, ModeWebsocket, ModeOrchestrated:
	default:
		return fmt.Errorf("ingestion.mode must be %q, %q or %q, got %q",
			ModeBackfill, ModeWebsocket, ModeOrchestrated, c.Ingestion.Mode)
	}
	switch c.Ingestion.Handoff {
	case HandoffSequential, HandoffParallel:
	default:
		return fmt.Errorf("ingestion.handoff must be %q or %q, got %q",
			HandoffSequential, HandoffParallel, c.Ingestion.Handoff)
	}
	if c.Ingestion.LookbackDays < 1 {
		return errors.New("ingestion.lookback_days must be >= 1")
	}
	if c.Ingestion.BufferSize < 1 {
		return errors.New("ingestion.buffer_size must be >= 1")
	}

	switch c.Dedup.Backend {
	case "memory":
	case "redis":
		if c.Dedup.Redis.Addr == "" {
			return errors.New("dedup.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("dedup.backend must be \"memory\" or \"redis\", got %q", c.Dedup.Backend)
	}
	if c.Dedup.TTL <= 0 {
		return errors.New("dedup.ttl must be > 0")
	}
	if c.Dedup.CleanupInterval <= 0 {
		return errors.New("dedup.cleanup_interval must be > 0")
	}

	if c.Candles.WindowSec < 1 {
		return errors.New("candles.window_sec must be >= 1")
	}
	if c.Candles.Grace < 0 {
		return errors.New("candles.grace must be >= 0")
	}
	switch c.Candles.LatePolicy {
	case LateDrop, LateReopen:
	default:
		return fmt.Errorf("candles.late_policy must be %q or %q, got %q",
			LateDrop, LateReopen, c.Candles.LatePolicy)
	}

	if len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers must not be empty")
	}

	if c.Checkpoints.Enabled {
		if err := c.Checkpoints.Postgres.validate("checkpoints.postgres"); err != nil {
			return err
		}
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
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
