package backfill

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rfontaine/kraken-ingest/internal/model"
)

// page is one canned API response.
type page struct {
	trades []model.Trade
	cursor string
	err    error
}

type fakeAPI struct {
	mu    sync.Mutex
	pages map[string]page // since -> response
	calls []string
}

func (f *fakeAPI) GetTradesPage(ctx context.Context, pair, since string) ([]model.Trade, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, since)
	p, ok := f.pages[since]
	if !ok {
		return nil, "", nil
	}
	return p.trades, p.cursor, p.err
}

type sink struct {
	mu     sync.Mutex
	trades []model.Trade
	closed bool
}

func (s *sink) Send(t model.Trade) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.trades = append(s.trades, t)
	return true
}

func mkTrade(pair string, ts int64, id string) model.Trade {
	return model.Trade{
		Pair:      pair,
		Price:     decimal.RequireFromString("100"),
		Volume:    decimal.RequireFromString("1"),
		Timestamp: ts,
		TradeID:   id,
		Source:    "rest",
	}
}

func fastConfig(pairs ...string) Config {
	return Config{
		Pairs:      pairs,
		Lookback:   time.Hour,
		PageDelay:  time.Millisecond,
		BurstEvery: 10,
		BurstDelay: time.Millisecond,
	}
}

func TestRunFetchesToCompletion(t *testing.T) {
	now := time.Now()
	old := now.Add(-30 * time.Minute).UnixMilli()
	recent := now.Add(-10 * time.Second).UnixMilli()

	// The first since is derived from the wall clock at Run time, so an
	// initialCursorAPI routes that first call to page one; later cursors
	// hit the canned page map.
	api := &initialCursorAPI{
		first: page{
			trades: []model.Trade{mkTrade("BTC/EUR", old, "1"), mkTrade("BTC/EUR", old+1000, "2")},
			cursor: "c1",
		},
		inner: &fakeAPI{pages: map[string]page{
			"c1": {
				trades: []model.Trade{mkTrade("BTC/EUR", recent, "3")},
				cursor: "c2",
			},
		}},
	}

	out := &sink{}
	store := NewMemoryStore()
	f := New(fastConfig("BTC/EUR"), api, store, out, nil)

	if err := f.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(out.trades) != 3 {
		t.Fatalf("sink got %d trades, want 3", len(out.trades))
	}

	stats := f.Stats()
	if stats.PagesFetched != 2 {
		t.Errorf("PagesFetched = %d, want 2", stats.PagesFetched)
	}
	if stats.PairsComplete != 1 {
		t.Errorf("PairsComplete = %d, want 1", stats.PairsComplete)
	}

	// A checkpoint survives per page; the final one carries the newest
	// timestamp and the next cursor.
	cp, ok, err := store.Load(context.Background(), "BTC/EUR")
	if err != nil || !ok {
		t.Fatalf("Load() = %v, %v, want checkpoint", ok, err)
	}
	if cp.LastTimestamp != recent {
		t.Errorf("checkpoint LastTimestamp = %d, want %d", cp.LastTimestamp, recent)
	}
	if cp.Cursor != "c2" {
		t.Errorf("checkpoint Cursor = %q, want %q", cp.Cursor, "c2")
	}
}

// initialCursorAPI routes the very first (wall-clock derived) since to a
// fixed first page, then delegates.
type initialCursorAPI struct {
	inner *fakeAPI
	first page
	once  sync.Once
	seen  string
}

func (w *initialCursorAPI) GetTradesPage(ctx context.Context, pair, since string) ([]model.Trade, string, error) {
	served := false
	w.once.Do(func() {
		w.seen = since
		served = true
	})
	if served || since == w.seen {
		return w.first.trades, w.first.cursor, w.first.err
	}
	return w.inner.GetTradesPage(ctx, pair, since)
}

func TestRunSkipsCompletedPair(t *testing.T) {
	store := NewMemoryStore()
	store.Save(context.Background(), model.Checkpoint{
		Pair:          "BTC/EUR",
		Mode:          "backfill",
		LastTimestamp: time.Now().Add(-5 * time.Second).UnixMilli(),
		Cursor:        "done",
	})

	api := &fakeAPI{pages: map[string]page{}}
	out := &sink{}
	f := New(fastConfig("BTC/EUR"), api, store, out, nil)

	if err := f.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.calls) != 0 {
		t.Errorf("API called %d times for a completed pair, want 0", len(api.calls))
	}
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	now := time.Now()
	store := NewMemoryStore()
	store.Save(context.Background(), model.Checkpoint{
		Pair:          "BTC/EUR",
		Mode:          "backfill",
		LastTimestamp: now.Add(-30 * time.Minute).UnixMilli(),
		Cursor:        "resume-here",
	})

	api := &fakeAPI{pages: map[string]page{
		"resume-here": {
			trades: []model.Trade{mkTrade("BTC/EUR", now.Add(-5*time.Second).UnixMilli(), "9")},
			cursor: "c-end",
		},
	}}
	out := &sink{}
	f := New(fastConfig("BTC/EUR"), api, store, out, nil)

	if err := f.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.calls) == 0 || api.calls[0] != "resume-here" {
		t.Errorf("first API call since = %v, want resume-here", api.calls)
	}
	if len(out.trades) != 1 {
		t.Errorf("sink got %d trades, want 1", len(out.trades))
	}
}

func TestRunDrainsOnEmptyPages(t *testing.T) {
	// Every since returns an empty page; after three in a row the pair
	// is considered drained, not an error.
	api := &fakeAPI{pages: map[string]page{}}
	out := &sink{}
	f := New(fastConfig("BTC/EUR"), api, NewMemoryStore(), out, nil)

	if err := f.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.calls) != 3 {
		t.Errorf("API called %d times, want 3 (empty-page limit)", len(api.calls))
	}
	if len(out.trades) != 0 {
		t.Errorf("sink got %d trades, want 0", len(out.trades))
	}
}

func TestRunFatalOnAPIError(t *testing.T) {
	apiErr := errors.New("max retries exceeded")
	api := &erroringAPI{err: apiErr}
	f := New(fastConfig("BTC/EUR"), api, NewMemoryStore(), &sink{}, nil)

	err := f.Run(context.Background())
	if !errors.Is(err, apiErr) {
		t.Fatalf("Run() error = %v, want wrapped %v", err, apiErr)
	}
}

type erroringAPI struct{ err error }

func (e *erroringAPI) GetTradesPage(context.Context, string, string) ([]model.Trade, string, error) {
	return nil, "", e.err
}

func TestRunHaltsOnCheckpointFailure(t *testing.T) {
	now := time.Now()
	api := &initialCursorAPI{first: page{
		trades: []model.Trade{mkTrade("BTC/EUR", now.Add(-5*time.Second).UnixMilli(), "1")},
		cursor: "c1",
	}, inner: &fakeAPI{pages: map[string]page{}}}

	storeErr := errors.New("store unavailable")
	f := New(fastConfig("BTC/EUR"), api, &failStore{err: storeErr}, &sink{}, nil)

	err := f.Run(context.Background())
	if !errors.Is(err, storeErr) {
		t.Fatalf("Run() error = %v, want wrapped %v", err, storeErr)
	}
}

// failStore loads nothing and refuses writes.
type failStore struct{ err error }

func (s *failStore) Save(context.Context, model.Checkpoint) error { return s.err }
func (s *failStore) Load(context.Context, string) (model.Checkpoint, bool, error) {
	return model.Checkpoint{}, false, nil
}
func (s *failStore) Ping(context.Context) error { return nil }

func TestRunFiltersTradesBeforeRange(t *testing.T) {
	now := time.Now()
	beforeRange := now.Add(-2 * time.Hour).UnixMilli() // lookback is 1h
	inRange := now.Add(-5 * time.Second).UnixMilli()

	api := &initialCursorAPI{first: page{
		trades: []model.Trade{
			mkTrade("BTC/EUR", beforeRange, "old"),
			mkTrade("BTC/EUR", inRange, "new"),
		},
		cursor: "c1",
	}, inner: &fakeAPI{pages: map[string]page{}}}

	out := &sink{}
	f := New(fastConfig("BTC/EUR"), api, NewMemoryStore(), out, nil)

	if err := f.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(out.trades) != 1 || out.trades[0].TradeID != "new" {
		t.Errorf("sink trades = %v, want only the in-range trade", out.trades)
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, ok, err := store.Load(ctx, "BTC/EUR"); ok || err != nil {
		t.Fatalf("Load() on empty store = %v, %v, want false, nil", ok, err)
	}

	cp := model.Checkpoint{Pair: "BTC/EUR", Mode: "backfill", LastTimestamp: 42, Cursor: "c"}
	if err := store.Save(ctx, cp); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, ok, err := store.Load(ctx, "BTC/EUR")
	if err != nil || !ok {
		t.Fatalf("Load() = %v, %v, want checkpoint", ok, err)
	}
	if got.Cursor != "c" || got.LastTimestamp != 42 {
		t.Errorf("Load() = %+v, want %+v", got, cp)
	}
}
