package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

const minimalConfig = `
instance:
  id: test-1
kafka:
  brokers:
    - localhost:9092
`

func TestLoadAndValidateMinimal(t *testing.T) {
	cfg, err := LoadAndValidate(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadAndValidate() error = %v", err)
	}

	if cfg.Instance.ID != "test-1" {
		t.Errorf("Instance.ID = %q, want %q", cfg.Instance.ID, "test-1")
	}

	// Defaults fill everything else.
	if cfg.Kraken.RestURL != DefaultRestURL {
		t.Errorf("Kraken.RestURL = %q, want %q", cfg.Kraken.RestURL, DefaultRestURL)
	}
	if len(cfg.Kraken.Pairs) != len(DefaultPairs) {
		t.Errorf("Kraken.Pairs = %v, want %v", cfg.Kraken.Pairs, DefaultPairs)
	}
	if cfg.Ingestion.Mode != ModeOrchestrated {
		t.Errorf("Ingestion.Mode = %q, want %q", cfg.Ingestion.Mode, ModeOrchestrated)
	}
	if cfg.Ingestion.Handoff != HandoffSequential {
		t.Errorf("Ingestion.Handoff = %q, want %q", cfg.Ingestion.Handoff, HandoffSequential)
	}
	if cfg.Ingestion.WriteTimeout != 5*time.Second {
		t.Errorf("Ingestion.WriteTimeout = %v, want %v", cfg.Ingestion.WriteTimeout, 5*time.Second)
	}
	if cfg.Dedup.TTL != time.Hour {
		t.Errorf("Dedup.TTL = %v, want %v", cfg.Dedup.TTL, time.Hour)
	}
	if cfg.Candles.WindowSec != 60 {
		t.Errorf("Candles.WindowSec = %d, want 60", cfg.Candles.WindowSec)
	}
	if cfg.Candles.LatePolicy != LateDrop {
		t.Errorf("Candles.LatePolicy = %q, want %q", cfg.Candles.LatePolicy, LateDrop)
	}
	if cfg.Metrics.Port != DefaultMetricsPort {
		t.Errorf("Metrics.Port = %d, want %d", cfg.Metrics.Port, DefaultMetricsPort)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_KAFKA_BROKER", "broker-7:9092")

	cfg, err := LoadAndValidate(writeConfig(t, `
instance:
  id: test-1
kafka:
  brokers:
    - ${TEST_KAFKA_BROKER}
`))
	if err != nil {
		t.Fatalf("LoadAndValidate() error = %v", err)
	}
	if got, want := cfg.Kafka.Brokers[0], "broker-7:9092"; got != want {
		t.Errorf("Kafka.Brokers[0] = %q, want %q", got, want)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load() error = nil for missing file, want error")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "instance: [unclosed")); err == nil {
		t.Fatal("Load() error = nil for bad yaml, want error")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{
			name:    "missing instance id",
			mutate:  func(c *Config) { c.Instance.ID = "" },
			wantSub: "instance.id",
		},
		{
			name:    "bad mode",
			mutate:  func(c *Config) { c.Ingestion.Mode = "bogus" },
			wantSub: "ingestion.mode",
		},
		{
			name:    "bad handoff",
			mutate:  func(c *Config) { c.Ingestion.Handoff = "eventually" },
			wantSub: "ingestion.handoff",
		},
		{
			name:    "zero window",
			mutate:  func(c *Config) { c.Candles.WindowSec = 0 },
			wantSub: "candles.window_sec",
		},
		{
			name:    "bad late policy",
			mutate:  func(c *Config) { c.Candles.LatePolicy = "ignore" },
			wantSub: "candles.late_policy",
		},
		{
			name:    "no brokers",
			mutate:  func(c *Config) { c.Kafka.Brokers = nil },
			wantSub: "kafka.brokers",
		},
		{
			name:    "redis backend without addr",
			mutate:  func(c *Config) { c.Dedup.Backend = "redis" },
			wantSub: "dedup.redis.addr",
		},
		{
			name: "checkpoints without credentials",
			mutate: func(c *Config) {
				c.Checkpoints.Enabled = true
				c.Checkpoints.Postgres.Host = "localhost"
				c.Checkpoints.Postgres.Name = "ingest"
				c.Checkpoints.Postgres.MaxConns = 5
			},
			wantSub: "checkpoints.postgres.user",
		},
		{
			name:    "metrics port out of range",
			mutate:  func(c *Config) { c.Metrics.Port = 70000 },
			wantSub: "metrics.port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadWithDefaults(writeConfig(t, minimalConfig))
			if err != nil {
				t.Fatalf("LoadWithDefaults() error = %v", err)
			}
			tt.mutate(cfg)

			err = cfg.Validate()
			if err == nil {
				t.Fatal("Validate() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("Validate() error = %q, want mention of %q", err, tt.wantSub)
			}
		})
	}
}
