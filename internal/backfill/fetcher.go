package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/rfontaine/kraken-ingest/internal/metrics"
	"github.com/rfontaine/kraken-ingest/internal/model"
)

// TradesAPI is the paginated trade-history source.
type TradesAPI interface {
	GetTradesPage(ctx context.Context, pair, since string) ([]model.Trade, string, error)
}

// TradeSink receives fetched trades. Satisfied by
// *pipeline.Buffer[model.Trade].
type TradeSink interface {
	Send(model.Trade) bool
}

// Config holds fetcher settings.
type Config struct {
	Pairs      []string      // Pairs to backfill
	Lookback   time.Duration // Range length: [now - Lookback, now)
	PageDelay  time.Duration // Fixed delay between pages
	BurstEvery int           // Take the longer pause every N pages
	BurstDelay time.Duration // Length of the longer pause
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Lookback:   90 * 24 * time.Hour,
		PageDelay:  1 * time.Second,
		BurstEvery: 10,
		BurstDelay: 2 * time.Second,
	}
}

// maxEmptyPages is how many consecutive empty pages are tolerated
// before a pair is considered drained.
const maxEmptyPages = 3

// nearNowTolerance: a page whose newest trade is this close to the
// range end counts as having reached the present.
const nearNowTolerance = time.Minute

// Stats counts fetcher activity.
type Stats struct {
	PagesFetched  int64
	TradesEmitted int64
	PairsComplete int
}

// Fetcher pulls historical trades page by page and emits them into the
// pipeline.
type Fetcher struct {
	cfg    Config
	client TradesAPI
	store  Store
	sink   TradeSink
	logger *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates a historical range fetcher.
func New(cfg Config, client TradesAPI, store Store, sink TradeSink, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		cfg:    cfg,
		client: client,
		store:  store,
		sink:   sink,
		logger: logger,
	}
}

// Stats returns a snapshot of fetcher counters.
func (f *Fetcher) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// Run fetches the configured range for every pair, one pair at a time
// to stay under upstream rate limits. The range end is fixed at the
// time Run starts. Any error is fatal for the whole run: the caller
// (orchestrator) must not paper over a half-populated history.
func (f *Fetcher) Run(ctx context.Context) error {
	end := time.Now()
	start := end.Add(-f.cfg.Lookback)

	f.logger.Info("starting backfill",
		"pairs", len(f.cfg.Pairs),
		"start", start.Format(time.RFC3339),
		"end", end.Format(time.RFC3339),
	)

	for _, pair := range f.cfg.Pairs {
		if err := f.fetchPair(ctx, pair, start, end); err != nil {
			return fmt.Errorf("backfill %s: %w", pair, err)
		}
		f.mu.Lock()
		f.stats.PairsComplete++
		f.mu.Unlock()
	}

	f.logger.Info("backfill complete", "pairs", len(f.cfg.Pairs))
	return nil
}

// fetchPair pages through one pair's range.
func (f *Fetcher) fetchPair(ctx context.Context, pair string, start, end time.Time) error {
	startMS := start.UnixMilli()
	endMS := end.UnixMilli()
	since := strconv.FormatInt(start.UnixNano(), 10)

	// Resume from a previous run's checkpoint when it falls inside the
	// requested range. Dedup protects the overlap around the cursor.
	cp, ok, err := f.store.Load(ctx, pair)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if ok && cp.Cursor != "" && cp.LastTimestamp >= startMS {
		if cp.LastTimestamp >= endMS-nearNowTolerance.Milliseconds() {
			f.logger.Info("pair already backfilled", "pair", pair, "last_ts", cp.LastTimestamp)
			return nil
		}
		since = cp.Cursor
		f.logger.Info("resuming from checkpoint",
			"pair", pair,
			"cursor", cp.Cursor,
			"last_ts", cp.LastTimestamp,
		)
	}

	pages := 0
	emptyPages := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		trades, cursor, err := f.client.GetTradesPage(ctx, pair, since)
		if err != nil {
			// The client has already retried transient failures.
			return fmt.Errorf("fetch page: %w", err)
		}
		pages++

		if len(trades) == 0 {
			emptyPages++
			if emptyPages >= maxEmptyPages {
				f.logger.Info("pair drained", "pair", pair, "pages", pages)
				return nil
			}
			if !sleepCtx(ctx, f.cfg.BurstDelay) {
				return ctx.Err()
			}
			continue
		}
		emptyPages = 0

		// Emit the page immediately; never accumulate the range.
		emitted := 0
		var latest int64
		for _, trade := range trades {
			if trade.Timestamp > latest {
				latest = trade.Timestamp
			}
			// The API may return trades from before the requested start.
			if trade.Timestamp < startMS {
				continue
			}
			if !f.sink.Send(trade) {
				return fmt.Errorf("trade sink closed")
			}
			emitted++
		}

		f.mu.Lock()
		f.stats.PagesFetched++
		f.stats.TradesEmitted += int64(emitted)
		f.mu.Unlock()
		metrics.BackfillPages.Inc()

		// Checkpoint after every successful page. An unwritable store
		// halts the fetch: resuming without a checkpoint would re-publish
		// the whole range.
		if err := f.store.Save(ctx, model.Checkpoint{
			Pair:          pair,
			Mode:          "backfill",
			LastTimestamp: latest,
			Cursor:        cursor,
			UpdatedAt:     time.Now().UnixMilli(),
		}); err != nil {
			return err
		}

		f.logger.Debug("page fetched",
			"pair", pair,
			"page", pages,
			"trades", emitted,
			"latest_ts", latest,
		)

		if latest >= endMS-nearNowTolerance.Milliseconds() {
			f.logger.Info("reached range end", "pair", pair, "pages", pages)
			return nil
		}
		if cursor == "" {
			f.logger.Info("no more data", "pair", pair, "pages", pages)
			return nil
		}
		if cursor == since {
			f.logger.Warn("pagination stalled", "pair", pair, "cursor", cursor)
			return nil
		}
		since = cursor

		delay := f.cfg.PageDelay
		if f.cfg.BurstEvery > 0 && pages%f.cfg.BurstEvery == 0 {
			delay = f.cfg.BurstDelay
		}
		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
	}
}

// sleepCtx waits for d or cancellation; returns false on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
