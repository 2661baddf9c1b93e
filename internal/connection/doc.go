// Package connection implements the live feed reader: a persistent
// WebSocket subscription to Kraken's v2 trade channel.
//
// The reader runs a small state machine (Disconnected, Connecting,
// Subscribed, Streaming) and reconnects forever with jittered
// exponential backoff. Trades redelivered around a reconnect boundary
// are emitted as-is; suppressing them is the deduplication filter's
// job, not the reader's.
package connection
