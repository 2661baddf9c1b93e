// Package backfill implements the historical range fetcher and the
// ingestion checkpoint store.
//
// The fetcher pages through Kraken's trade history for each configured
// pair, emits every page immediately (the full range is never held in
// memory), persists a checkpoint after each successful page, and
// rate-limits between requests. Page-level failures are retried by the
// API client; exhausted retries fail the whole range fetch, which the
// orchestrator treats as fatal.
package backfill
