package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultRestURL         = "https://api.kraken.com"
	DefaultWSURL           = "wss://ws.kraken.com/v2"
	DefaultAPITimeout      = 30 * time.Second
	DefaultMaxRetries      = 3
	DefaultRetryBackoff    = 1 * time.Second
	DefaultMode            = ModeOrchestrated
	DefaultHandoff         = HandoffSequential
	DefaultLookbackDays    = 90
	DefaultPageDelay       = 1 * time.Second
	DefaultBurstEvery      = 10
	DefaultBurstDelay      = 2 * time.Second
	DefaultReconnectBase   = 1 * time.Second
	DefaultReconnectMax    = 60 * time.Second
	DefaultPingTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 5 * time.Second
	DefaultBufferSize      = 10000
	DefaultDedupBackend    = "memory"
	DefaultDedupTTL        = 1 * time.Hour
	DefaultCleanupInterval = 5 * time.Minute
	DefaultWindowSec       = 60
	DefaultGrace           = 10 * time.Second
	DefaultLatePolicy      = LateDrop
	DefaultFlushInterval   = 1 * time.Second
	DefaultTradesTopic     = "trades"
	DefaultCandlesTopic    = "candles"
	DefaultBatchTimeout    = 100 * time.Millisecond
	DefaultDBPort          = 5432
	DefaultDBSSLMode       = "prefer"
	DefaultMaxConns        = 10
	DefaultMinConns        = 2
	DefaultMetricsPort     = 8080
	DefaultMetricsPath     = "/metrics"
)

// DefaultPairs are the pairs ingested when none are configured.
var DefaultPairs = []string{"BTC/EUR", "ETH/EUR", "SOL/EUR", "XRP/EUR"}

func (c *Config) applyDefaults() {
	// Kraken defaults
	if c.Kraken.RestURL == "" {
		c.Kraken.RestURL = DefaultRestURL
	}
	if c.Kraken.WSURL == "" {
		c.Kraken.WSURL = DefaultWSURL
	}
	if len(c.Kraken.Pairs) == 0 {
		c.Kraken.Pairs = append([]string(nil), DefaultPairs...)
	}
	if c.Kraken.Timeout == 0 {
		c.Kraken.Timeout = DefaultAPITimeout
	}
	if c.Kraken.MaxRetries == 0 {
		c.Kraken.MaxRetries = DefaultMaxRetries
	}
	if c.Kraken.RetryBackoff == 0 {
		c.Kraken.RetryBackoff = DefaultRetryBackoff
	}

	// Ingestion defaults
	if c.Ingestion.Mode == "" {
		c.Ingestion.Mode = DefaultMode
	}
	if c.Ingestion.Handoff == "" {
		c.Ingestion.Handoff = DefaultHandoff
	}
	if c.Ingestion.LookbackDays == 0 {
		c.Ingestion.LookbackDays = DefaultLookbackDays
	}
	if c.Ingestion.PageDelay == 0 {
		c.Ingestion.PageDelay = DefaultPageDelay
	}
	if c.Ingestion.BurstEvery == 0 {
		c.Ingestion.BurstEvery = DefaultBurstEvery
	}
	if c.Ingestion.BurstDelay == 0 {
		c.Ingestion.BurstDelay = DefaultBurstDelay
	}
	if c.Ingestion.ReconnectBase == 0 {
		c.Ingestion.ReconnectBase = DefaultReconnectBase
	}
	if c.Ingestion.ReconnectMax == 0 {
		c.Ingestion.ReconnectMax = DefaultReconnectMax
	}
	if c.Ingestion.PingTimeout == 0 {
		c.Ingestion.PingTimeout = DefaultPingTimeout
	}
	if c.Ingestion.WriteTimeout == 0 {
		c.Ingestion.WriteTimeout = DefaultWriteTimeout
	}
	if c.Ingestion.BufferSize == 0 {
		c.Ingestion.BufferSize = DefaultBufferSize
	}

	// Dedup defaults
	if c.Dedup.Backend == "" {
		c.Dedup.Backend = DefaultDedupBackend
	}
	if c.Dedup.TTL == 0 {
		c.Dedup.TTL = DefaultDedupTTL
	}
	if c.Dedup.CleanupInterval == 0 {
		c.Dedup.CleanupInterval = DefaultCleanupInterval
	}

	// Candles defaults
	if c.Candles.WindowSec == 0 {
		c.Candles.WindowSec = DefaultWindowSec
	}
	if c.Candles.Grace == 0 {
		c.Candles.Grace = DefaultGrace
	}
	if c.Candles.LatePolicy == "" {
		c.Candles.LatePolicy = DefaultLatePolicy
	}
	if c.Candles.FlushInterval == 0 {
		c.Candles.FlushInterval = DefaultFlushInterval
	}

	// Kafka defaults
	if c.Kafka.TradesTopic == "" {
		c.Kafka.TradesTopic = DefaultTradesTopic
	}
	if c.Kafka.CandlesTopic == "" {
		c.Kafka.CandlesTopic = DefaultCandlesTopic
	}
	if c.Kafka.BatchTimeout == 0 {
		c.Kafka.BatchTimeout = DefaultBatchTimeout
	}

	// Checkpoint store defaults
	if c.Checkpoints.Enabled {
		applyDBDefaults(&c.Checkpoints.Postgres)
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
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
