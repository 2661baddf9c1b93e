package candle

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rfontaine/kraken-ingest/internal/metrics"
	"github.com/rfontaine/kraken-ingest/internal/model"
)

// Late-trade policies.
const (
	LateDrop   = "drop"   // drop trades for finalized windows, count them
	LateReopen = "reopen" // apply the trade and re-emit a final correction
)

// lateRetention is how long a finalized window is kept for corrections
// under the reopen policy, measured in watermark time past its close.
const lateRetention = 5 * time.Minute

// Config holds aggregator settings.
type Config struct {
	WindowSec        int           // Window width in seconds
	EmitIntermediate bool          // Re-emit the open window on every update
	Grace            time.Duration // Allowed lateness before a window finalizes
	LatePolicy       string        // LateDrop or LateReopen
}

// Stats counts aggregator activity.
type Stats struct {
	ActiveWindows      int
	FinalEmitted       int64
	Intermediate       int64
	LateDropped        int64
	CorrectionsEmitted int64
}

// window is the mutable aggregation state for one (pair, windowStart).
type window struct {
	start, end int64
	open       decimal.Decimal
	high       decimal.Decimal
	low        decimal.Decimal
	close      decimal.Decimal
	openTS     int64 // event time backing open (earliest wins)
	closeTS    int64 // event time backing close (latest wins)
	volume     decimal.Decimal
	count      int64
	final      bool
}

// pairState holds all window state for one pair.
type pairState struct {
	mu           sync.Mutex
	windows      map[int64]*window // windowStart -> state
	watermark    int64             // max observed event time (ms)
	lastActivity time.Time         // wall-clock time of last trade
}

// Aggregator buckets trades into tumbling windows and emits candles.
type Aggregator struct {
	cfg    Config
	logger *slog.Logger

	// pairMu guards only the pairs map; each pair carries its own lock
	// so unrelated pairs never serialize on each other.
	pairMu sync.RWMutex
	pairs  map[string]*pairState

	statMu sync.Mutex
	stats  Stats
}

// New creates an aggregator.
func New(cfg Config, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LatePolicy == "" {
		cfg.LatePolicy = LateDrop
	}
	return &Aggregator{
		cfg:    cfg,
		logger: logger,
		pairs:  make(map[string]*pairState),
	}
}

// Ingest applies one trade and returns the resulting candle emissions:
// an intermediate snapshot of the updated window (if enabled), plus any
// windows finalized by the watermark advance, in window order.
func (a *Aggregator) Ingest(trade model.Trade) []model.Candle {
	windowMS := int64(a.cfg.WindowSec) * 1000
	start := (trade.Timestamp / windowMS) * windowMS
	end := start + windowMS

	ps := a.pair(trade.Pair)

	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.lastActivity = time.Now()
	if trade.Timestamp > ps.watermark {
		ps.watermark = trade.Timestamp
	}

	var out []model.Candle

	w, ok := ps.windows[start]
	switch {
	case ok && !w.final:
		a.update(w, trade)
		if a.cfg.EmitIntermediate {
			out = append(out, a.snapshot(trade.Pair, w, false))
			a.count(func(s *Stats) { s.Intermediate++ })
		}

	case !ok && end > ps.watermark-a.cfg.Grace.Milliseconds():
		// New window that has not been finalized yet.
		w = a.newWindow(start, end, trade)
		ps.windows[start] = w
		if a.cfg.EmitIntermediate {
			out = append(out, a.snapshot(trade.Pair, w, false))
			a.count(func(s *Stats) { s.Intermediate++ })
		}

	default:
		// Late trade: its window was (or would have been) finalized.
		out = append(out, a.handleLate(ps, trade, start, end)...)
	}

	out = append(out, a.finalize(trade.Pair, ps)...)
	return out
}

// FlushIdle finalizes windows whose end plus grace has passed on the
// wall clock, for pairs with stalled feeds. A pair must have been idle
// for at least the grace duration; during backfill the watermark does
// this job and wall-clock flushing would close windows prematurely.
func (a *Aggregator) FlushIdle(now time.Time) []model.Candle {
	nowMS := now.UnixMilli()
	graceMS := a.cfg.Grace.Milliseconds()

	var out []model.Candle
	for pair, ps := range a.snapshotPairs() {
		ps.mu.Lock()
		if now.Sub(ps.lastActivity) < a.cfg.Grace {
			ps.mu.Unlock()
			continue
		}
		for start, w := range ps.windows {
			if !w.final && w.end+graceMS <= nowMS {
				out = append(out, a.snapshot(pair, w, true))
				w.final = true
				a.count(func(s *Stats) { s.FinalEmitted++ })
				if a.cfg.LatePolicy != LateReopen {
					delete(ps.windows, start)
				}
			}
		}
		ps.mu.Unlock()
	}

	sortCandles(out)
	return out
}

// FlushAll emits every remaining open window as a best-effort
// intermediate candle. Called on shutdown.
func (a *Aggregator) FlushAll() []model.Candle {
	var out []model.Candle
	for pair, ps := range a.snapshotPairs() {
		ps.mu.Lock()
		for start, w := range ps.windows {
			if !w.final {
				out = append(out, a.snapshot(pair, w, false))
			}
			delete(ps.windows, start)
		}
		ps.mu.Unlock()
	}

	sortCandles(out)
	return out
}

// Stats returns a snapshot of aggregator counters.
func (a *Aggregator) Stats() Stats {
	a.statMu.Lock()
	stats := a.stats
	a.statMu.Unlock()

	active := 0
	for _, ps := range a.snapshotPairs() {
		ps.mu.Lock()
		for _, w := range ps.windows {
			if !w.final {
				active++
			}
		}
		ps.mu.Unlock()
	}
	stats.ActiveWindows = active
	return stats
}

// pair returns the state for a pair, creating it on first sight.
func (a *Aggregator) pair(name string) *pairState {
	a.pairMu.RLock()
	ps, ok := a.pairs[name]
	a.pairMu.RUnlock()
	if ok {
		return ps
	}

	a.pairMu.Lock()
	defer a.pairMu.Unlock()
	if ps, ok = a.pairs[name]; ok {
		return ps
	}
	ps = &pairState{windows: make(map[int64]*window)}
	a.pairs[name] = ps
	return ps
}

// snapshotPairs copies the pair map so iteration does not hold pairMu.
func (a *Aggregator) snapshotPairs() map[string]*pairState {
	a.pairMu.RLock()
	defer a.pairMu.RUnlock()
	out := make(map[string]*pairState, len(a.pairs))
	for name, ps := range a.pairs {
		out[name] = ps
	}
	return out
}

// newWindow opens a window from its first trade.
func (a *Aggregator) newWindow(start, end int64, trade model.Trade) *window {
	return &window{
		start:   start,
		end:     end,
		open:    trade.Price,
		high:    trade.Price,
		low:     trade.Price,
		close:   trade.Price,
		openTS:  trade.Timestamp,
		closeTS: trade.Timestamp,
		volume:  trade.Volume,
		count:   1,
	}
}

// update folds a trade into an existing window. Open and close follow
// event time (earliest/latest trade), so the result is invariant under
// arrival-order permutation.
func (a *Aggregator) update(w *window, trade model.Trade) {
	if trade.Price.GreaterThan(w.high) {
		w.high = trade.Price
	}
	if trade.Price.LessThan(w.low) {
		w.low = trade.Price
	}
	if trade.Timestamp < w.openTS {
		w.openTS = trade.Timestamp
		w.open = trade.Price
	}
	if trade.Timestamp >= w.closeTS {
		w.closeTS = trade.Timestamp
		w.close = trade.Price
	}
	w.volume = w.volume.Add(trade.Volume)
	w.count++
}

// handleLate applies the configured late-trade policy.
func (a *Aggregator) handleLate(ps *pairState, trade model.Trade, start, end int64) []model.Candle {
	if a.cfg.LatePolicy == LateDrop {
		a.count(func(s *Stats) { s.LateDropped++ })
		metrics.LateTradesDropped.Inc()
		a.logger.Debug("late trade dropped",
			"pair", trade.Pair,
			"trade_ts", trade.Timestamp,
			"window_end", end,
		)
		return nil
	}

	// Reopen: fold the trade into the retained window (or a fresh one if
	// the original was already evicted) and emit a final correction.
	w, ok := ps.windows[start]
	if !ok {
		w = a.newWindow(start, end, trade)
		w.final = true
		ps.windows[start] = w
	} else {
		a.update(w, trade)
	}

	a.count(func(s *Stats) { s.CorrectionsEmitted++ })
	a.logger.Debug("late trade correction",
		"pair", trade.Pair,
		"window_start", start,
	)
	return []model.Candle{a.snapshot(trade.Pair, w, true)}
}

// finalize emits windows the pair's watermark has passed and evicts
// what is no longer needed. Caller holds ps.mu.
func (a *Aggregator) finalize(pair string, ps *pairState) []model.Candle {
	graceMS := a.cfg.Grace.Milliseconds()
	cutoff := ps.watermark - graceMS

	var out []model.Candle
	for start, w := range ps.windows {
		if !w.final && w.end <= cutoff {
			out = append(out, a.snapshot(pair, w, true))
			w.final = true
			a.count(func(s *Stats) { s.FinalEmitted++ })
		}
		if w.final {
			retain := a.cfg.LatePolicy == LateReopen &&
				w.end+graceMS+lateRetention.Milliseconds() > ps.watermark
			if !retain {
				delete(ps.windows, start)
			}
		}
	}

	sortCandles(out)
	return out
}

// snapshot renders the current window state as a candle.
func (a *Aggregator) snapshot(pair string, w *window, final bool) model.Candle {
	return model.Candle{
		Pair:        pair,
		Open:        w.open,
		High:        w.high,
		Low:         w.low,
		Close:       w.close,
		Volume:      w.volume,
		TradeCount:  w.count,
		WindowStart: w.start,
		WindowEnd:   w.end,
		WindowSec:   a.cfg.WindowSec,
		Final:       final,
	}
}

func (a *Aggregator) count(fn func(*Stats)) {
	a.statMu.Lock()
	fn(&a.stats)
	a.statMu.Unlock()
}

// sortCandles orders emissions by pair then window start, so multiple
// finalizations from one watermark advance arrive in window order.
func sortCandles(candles []model.Candle) {
	sort.Slice(candles, func(i, j int) bool {
		if candles[i].Pair != candles[j].Pair {
			return candles[i].Pair < candles[j].Pair
		}
		return candles[i].WindowStart < candles[j].WindowStart
	})
}
