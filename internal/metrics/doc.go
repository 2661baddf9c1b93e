// Package metrics provides Prometheus instrumentation for the
// ingestion pipeline.
//
// Key metrics:
//   - Trade throughput by source and duplicate suppression by stream
//   - Candle emission counts and open-window gauge
//   - Websocket connection state and reconnect counts
//   - Backfill page throughput
//   - Pipeline buffer depth and dedup cache size
//   - Kafka publish failures
//
// All collectors register on the default registry; expose them with
// promhttp.Handler.
package metrics
