package model

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------
// Time-Series Types
// -----------------------------------------------------------------------------

// Trade represents a single executed trade on the exchange.
type Trade struct {
	Pair      string          `json:"product_id"`   // Trading pair (e.g., "BTC/EUR")
	Price     decimal.Decimal `json:"price"`        // Execution price
	Volume    decimal.Decimal `json:"quantity"`     // Executed volume (>= 0)
	Timestamp int64           `json:"timestamp_ms"` // Event time (ms since epoch, not monotonic per pair)
	TradeID   string          `json:"trade_id"`     // Exchange-assigned id, or synthesized (see SynthesizeTradeID)
	Source    string          `json:"source"`       // "ws" or "rest"
}

// Candle is an OHLCV aggregation over a fixed time window for one pair.
type Candle struct {
	Pair        string          `json:"pair"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`          // Sum of trade volumes in the window
	TradeCount  int64           `json:"trade_count"`     // Number of trades in the window
	WindowStart int64           `json:"window_start_ms"` // Inclusive (ms since epoch)
	WindowEnd   int64           `json:"window_end_ms"`   // Exclusive (ms since epoch)
	WindowSec   int             `json:"window_in_sec"`   // Window width in seconds
	Final       bool            `json:"is_final"`        // True once the window is closed
}

// Checkpoint records backfill progress for one pair so a crashed fetch
// can resume without re-fetching already-published ranges.
type Checkpoint struct {
	Pair          string // Trading pair
	Mode          string // Ingestion mode that wrote the checkpoint
	LastTimestamp int64  // Newest processed trade time (ms since epoch)
	Cursor        string // Opaque pagination token (Kraken "last", ns since epoch)
	UpdatedAt     int64  // Write time (ms since epoch)
}

// -----------------------------------------------------------------------------
// Identity
// -----------------------------------------------------------------------------

// tradeIDNamespace is the UUIDv5 namespace for synthesized trade ids.
var tradeIDNamespace = uuid.MustParse("7f1d3b5a-9c64-4e1f-8d2a-3b0c6f4e9a21")

// SynthesizeTradeID derives a deterministic id for a trade whose source
// carries no native id. Equal trades (same pair, time, price, volume)
// always yield the same id, so re-fetched copies deduplicate correctly.
func SynthesizeTradeID(pair string, timestamp int64, price, volume decimal.Decimal) string {
	seed := fmt.Sprintf("%s|%d|%s|%s", pair, timestamp, price.String(), volume.String())
	return uuid.NewSHA1(tradeIDNamespace, []byte(seed)).String()
}

// DedupKey returns the deduplication key for a trade.
func (t Trade) DedupKey() string {
	return t.Pair + ":" + t.TradeID
}

// DedupKey returns the deduplication key for a candle. It covers the
// aggregate state, not just the window bounds: a byte-identical
// re-finalization (replay) collides and is suppressed, while a late
// correction of an already-published window carries a changed count or
// close and passes.
func (c Candle) DedupKey() string {
	return fmt.Sprintf("%s:%d:%d:%d:%s", c.Pair, c.WindowStart, c.WindowEnd, c.TradeCount, c.Close.String())
}
