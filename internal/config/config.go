package config

import "time"

// Ingestion modes.
const (
	ModeBackfill     = "backfill"     // one-shot historical fetch, then exit
	ModeWebsocket    = "websocket"    // live streaming only
	ModeOrchestrated = "orchestrated" // backfill, then hand off to live streaming
)

// Handoff policies for orchestrated mode.
const (
	HandoffSequential = "sequential" // start the live reader only after backfill completes
	HandoffParallel   = "parallel"   // start the live reader immediately, hold its output until backfill completes
)

// Late-trade policies for the candle aggregator.
const (
	LateDrop   = "drop"   // drop trades for finalized windows, count them
	LateReopen = "reopen" // apply the trade and re-emit a final correction
)

// Config is the root configuration for an ingest instance.
type Config struct {
	Instance    InstanceConfig    `yaml:"instance"`
	Kraken      KrakenConfig      `yaml:"kraken"`
	Ingestion   IngestionConfig   `yaml:"ingestion"`
	Dedup       DedupConfig       `yaml:"dedup"`
	Candles     CandlesConfig     `yaml:"candles"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Checkpoints CheckpointsConfig `yaml:"checkpoints"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// InstanceConfig identifies this ingest instance.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// KrakenConfig holds exchange API settings.
type KrakenConfig struct {
	RestURL      string        `yaml:"rest_url"`
	WSURL        string        `yaml:"ws_url"`
	Pairs        []string      `yaml:"pairs"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// IngestionConfig holds source adapter and orchestrator settings.
type IngestionConfig struct {
	Mode          string        `yaml:"mode"`           // backfill | websocket | orchestrated
	Handoff       string        `yaml:"handoff"`        // sequential | parallel
	LookbackDays  int           `yaml:"lookback_days"`  // historical range length
	PageDelay     time.Duration `yaml:"page_delay"`     // delay between historical pages
	BurstEvery    int           `yaml:"burst_every"`    // take a longer pause every N pages
	BurstDelay    time.Duration `yaml:"burst_delay"`    // length of the longer pause
	ReconnectBase time.Duration `yaml:"reconnect_base"` // live feed reconnect base delay
	ReconnectMax  time.Duration `yaml:"reconnect_max"`  // live feed reconnect max delay
	PingTimeout   time.Duration `yaml:"ping_timeout"`   // live feed staleness threshold
	WriteTimeout  time.Duration `yaml:"write_timeout"`  // live feed send deadline
	BufferSize    int           `yaml:"buffer_size"`    // initial trade buffer capacity
}

// DedupConfig holds fingerprint cache settings.
type DedupConfig struct {
	Backend         string        `yaml:"backend"` // memory | redis
	TTL             time.Duration `yaml:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	Redis           RedisConfig   `yaml:"redis"`
}

// RedisConfig holds the optional shared cache backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CandlesConfig holds aggregation settings.
type CandlesConfig struct {
	WindowSec        int           `yaml:"window_sec"`
	EmitIntermediate bool          `yaml:"emit_intermediate"`
	Grace            time.Duration `yaml:"grace"`       // allowed lateness before a window finalizes
	LatePolicy       string        `yaml:"late_policy"` // drop | reopen
	FlushInterval    time.Duration `yaml:"flush_interval"`
}

// KafkaConfig holds broker publishing settings.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	TradesTopic  string        `yaml:"trades_topic"`
	CandlesTopic string        `yaml:"candles_topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// CheckpointsConfig holds the backfill checkpoint store.
// With Enabled=false checkpoints are kept in memory only (no resume
// across restarts; dedup still guards replays).
type CheckpointsConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Postgres DBConfig `yaml:"postgres"`
}

// DBConfig holds a single PostgreSQL connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// MetricsConfig holds the metrics/health HTTP endpoint.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
