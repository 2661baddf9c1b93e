// Package model defines the core data types shared across the pipeline:
// trades, candles, and backfill checkpoints.
//
// Trades are immutable facts created by the source adapters; everything
// downstream (dedup, aggregation, publishing) treats them as read-only.
package model
