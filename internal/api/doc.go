// Package api provides the Kraken public REST API client used for
// historical trade backfill.
//
// Only the paginated Trades endpoint is wrapped. Requests are retried
// with jittered exponential backoff on transient failures (5xx, 429,
// Kraken rate-limit error strings); everything else surfaces to the
// caller immediately.
package api
