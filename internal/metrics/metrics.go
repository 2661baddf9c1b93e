package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kraken_ingest"

// Counters.
var (
	// TradesIngested counts trades entering the pipeline, by source
	// ("ws" or "rest").
	TradesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trades_ingested_total",
		Help:      "Trades entering the pipeline, by source",
	}, []string{"source"})

	// DuplicatesSuppressed counts dedup filter rejections, by stream.
	DuplicatesSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duplicates_suppressed_total",
		Help:      "Events rejected by the deduplication filter, by stream",
	}, []string{"stream"})

	// CandlesEmitted counts candle emissions, by kind
	// ("intermediate", "final"). Reopen corrections count as "final";
	// they are re-finalizations of the same window.
	CandlesEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "candles_emitted_total",
		Help:      "Candles emitted by the aggregator, by kind",
	}, []string{"kind"})

	// LateTradesDropped counts trades discarded under the drop policy.
	LateTradesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "late_trades_dropped_total",
		Help:      "Trades arriving after their window finalized, dropped",
	})

	// ParseErrors counts malformed upstream records, by source.
	ParseErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "parse_errors_total",
		Help:      "Malformed upstream records dropped, by source",
	}, []string{"source"})

	// Reconnects counts websocket reconnect attempts.
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_reconnects_total",
		Help:      "Websocket reconnect attempts",
	})

	// BackfillPages counts REST history pages fetched.
	BackfillPages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backfill_pages_total",
		Help:      "Historical trade pages fetched",
	})

	// PublishErrors counts failed Kafka writes, by topic.
	PublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "publish_errors_total",
		Help:      "Failed Kafka writes, by topic",
	}, []string{"topic"})
)

// Gauges.
var (
	// BufferDepth is the current pipeline buffer occupancy.
	BufferDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "buffer_depth",
		Help:      "Trades currently queued in the pipeline buffer",
	})

	// DedupCacheSize is the number of live dedup fingerprints.
	DedupCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dedup_cache_size",
		Help:      "Fingerprints currently held by the dedup cache",
	})

	// ActiveWindows is the number of open candle windows.
	ActiveWindows = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "candle_active_windows",
		Help:      "Candle windows currently open",
	})

	// ConnectionState is the reader's connection state as an ordinal
	// (0 disconnected, 1 connecting, 2 subscribed, 3 streaming).
	ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_connection_state",
		Help:      "Websocket connection state (0=disconnected 1=connecting 2=subscribed 3=streaming)",
	})

	// OrchestratorState is the pipeline phase as an ordinal
	// (0 idle, 1 backfilling, 2 awaiting handoff, 3 streaming,
	// 4 completed, 5 failed).
	OrchestratorState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "orchestrator_state",
		Help:      "Pipeline phase (0=idle 1=backfilling 2=awaiting_handoff 3=streaming 4=completed 5=failed)",
	})
)
