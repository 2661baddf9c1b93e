// Package dedup implements the deduplication filter and its fingerprint
// cache backends.
//
// Events are identified by a deterministic fingerprint computed from a
// logical stream name and an event key:
//   - trades: pair + trade id
//   - candles: pair + window start + window end
//
// Streams are independent namespaces; a trade fingerprint can never
// collide with a candle fingerprint. Cache backend failures are
// fail-closed: Admit returns the error instead of forwarding an
// unprotected event.
package dedup
