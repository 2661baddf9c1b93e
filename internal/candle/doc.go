// Package candle implements the windowed OHLCV aggregator.
//
// Trades are bucketed into fixed-width tumbling windows per pair. A
// window finalizes when the pair's watermark (max observed event time,
// minus the configured grace) passes the window end, or on the wall
// clock when a pair's feed stalls. Pairs are aggregated independently
// under per-pair locks; no cross-pair ordering is assumed or provided.
package candle
