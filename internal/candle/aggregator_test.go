package candle

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rfontaine/kraken-ingest/internal/model"
)

func testConfig() Config {
	return Config{
		WindowSec:  60,
		Grace:      10 * time.Second,
		LatePolicy: LateDrop,
	}
}

func mkTrade(pair string, ts int64, price, volume string) model.Trade {
	return model.Trade{
		Pair:      pair,
		Price:     decimal.RequireFromString(price),
		Volume:    decimal.RequireFromString(volume),
		Timestamp: ts,
		TradeID:   model.SynthesizeTradeID(pair, ts, decimal.RequireFromString(price), decimal.RequireFromString(volume)),
		Source:    "ws",
	}
}

// base is 2025-01-02 10:00:00 UTC in ms.
const base = int64(1735812000000)

func TestIngestSingleWindow(t *testing.T) {
	agg := New(testConfig(), nil)

	// Two trades inside [10:00, 10:01), then one at 10:01:02 that opens
	// the next window. Watermark 10:01:02 minus 10s grace has not passed
	// 10:01:00 yet, so nothing finalizes.
	agg.Ingest(mkTrade("BTC/EUR", base+5000, "50000", "0.1"))
	agg.Ingest(mkTrade("BTC/EUR", base+50000, "50100", "0.2"))
	candles := agg.Ingest(mkTrade("BTC/EUR", base+62000, "50200", "0.3"))
	if len(candles) != 0 {
		t.Fatalf("got %d candles before grace elapsed, want 0", len(candles))
	}

	// A trade at 10:01:12 pushes the watermark past 10:01:00 + grace.
	candles = agg.Ingest(mkTrade("BTC/EUR", base+72000, "50300", "0.1"))
	if len(candles) != 1 {
		t.Fatalf("got %d candles, want 1", len(candles))
	}

	c := candles[0]
	if c.Pair != "BTC/EUR" {
		t.Errorf("Pair = %q, want %q", c.Pair, "BTC/EUR")
	}
	if !c.Final {
		t.Error("Final = false, want true")
	}
	if c.WindowStart != base || c.WindowEnd != base+60000 {
		t.Errorf("window = [%d, %d), want [%d, %d)", c.WindowStart, c.WindowEnd, base, base+60000)
	}
	if got, want := c.Open.String(), "50000"; got != want {
		t.Errorf("Open = %s, want %s", got, want)
	}
	if got, want := c.High.String(), "50100"; got != want {
		t.Errorf("High = %s, want %s", got, want)
	}
	if got, want := c.Low.String(), "50000"; got != want {
		t.Errorf("Low = %s, want %s", got, want)
	}
	if got, want := c.Close.String(), "50100"; got != want {
		t.Errorf("Close = %s, want %s", got, want)
	}
	if got, want := c.Volume.String(), "0.3"; got != want {
		t.Errorf("Volume = %s, want %s", got, want)
	}
	if c.TradeCount != 2 {
		t.Errorf("TradeCount = %d, want 2", c.TradeCount)
	}
	if c.WindowSec != 60 {
		t.Errorf("WindowSec = %d, want 60", c.WindowSec)
	}
}

func TestIngestPermutationInvariance(t *testing.T) {
	trades := []model.Trade{
		mkTrade("BTC/EUR", base+1000, "100", "1"),
		mkTrade("BTC/EUR", base+10000, "105", "2"),
		mkTrade("BTC/EUR", base+25000, "95", "1"),
		mkTrade("BTC/EUR", base+40000, "110", "3"),
		mkTrade("BTC/EUR", base+59000, "102", "1"),
	}
	closer := mkTrade("BTC/EUR", base+75000, "103", "1")

	run := func(order []model.Trade) model.Candle {
		agg := New(testConfig(), nil)
		for _, tr := range order {
			agg.Ingest(tr)
		}
		candles := agg.Ingest(closer)
		if len(candles) != 1 {
			t.Fatalf("got %d candles, want 1", len(candles))
		}
		return candles[0]
	}

	want := run(trades)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		shuffled := append([]model.Trade(nil), trades...)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})

		got := run(shuffled)
		if !got.Open.Equal(want.Open) || !got.Close.Equal(want.Close) ||
			!got.High.Equal(want.High) || !got.Low.Equal(want.Low) ||
			!got.Volume.Equal(want.Volume) {
			t.Fatalf("permutation %d: got %+v, want %+v", i, got, want)
		}
	}

	if got, want := want.Open.String(), "100"; got != want {
		t.Errorf("Open = %s, want %s", got, want)
	}
	if got, want := want.Close.String(), "102"; got != want {
		t.Errorf("Close = %s, want %s", got, want)
	}
}

func TestIngestIntermediateEmission(t *testing.T) {
	cfg := testConfig()
	cfg.EmitIntermediate = true
	agg := New(cfg, nil)

	candles := agg.Ingest(mkTrade("BTC/EUR", base+5000, "100", "1"))
	if len(candles) != 1 {
		t.Fatalf("got %d candles, want 1", len(candles))
	}
	if candles[0].Final {
		t.Error("Final = true for intermediate candle, want false")
	}
	if candles[0].TradeCount != 1 {
		t.Errorf("TradeCount = %d, want 1", candles[0].TradeCount)
	}

	candles = agg.Ingest(mkTrade("BTC/EUR", base+10000, "101", "1"))
	if len(candles) != 1 {
		t.Fatalf("got %d candles, want 1", len(candles))
	}
	if got, want := candles[0].Close.String(), "101"; got != want {
		t.Errorf("Close = %s, want %s", got, want)
	}
}

func TestIngestLateDrop(t *testing.T) {
	agg := New(testConfig(), nil)

	agg.Ingest(mkTrade("BTC/EUR", base+5000, "100", "1"))
	candles := agg.Ingest(mkTrade("BTC/EUR", base+75000, "101", "1"))
	if len(candles) != 1 {
		t.Fatalf("got %d candles, want 1", len(candles))
	}

	// Trade for the already-finalized window must be dropped.
	candles = agg.Ingest(mkTrade("BTC/EUR", base+30000, "999", "1"))
	if len(candles) != 0 {
		t.Fatalf("got %d candles for late trade, want 0", len(candles))
	}

	stats := agg.Stats()
	if stats.LateDropped != 1 {
		t.Errorf("LateDropped = %d, want 1", stats.LateDropped)
	}
}

func TestIngestLateReopen(t *testing.T) {
	cfg := testConfig()
	cfg.LatePolicy = LateReopen
	agg := New(cfg, nil)

	agg.Ingest(mkTrade("BTC/EUR", base+5000, "100", "1"))
	candles := agg.Ingest(mkTrade("BTC/EUR", base+75000, "101", "1"))
	if len(candles) != 1 {
		t.Fatalf("got %d candles, want 1", len(candles))
	}

	// Late trade raises the high and re-emits a final correction.
	candles = agg.Ingest(mkTrade("BTC/EUR", base+30000, "120", "1"))
	if len(candles) != 1 {
		t.Fatalf("got %d candles for late trade, want 1", len(candles))
	}

	c := candles[0]
	if !c.Final {
		t.Error("Final = false for correction, want true")
	}
	if got, want := c.High.String(), "120"; got != want {
		t.Errorf("High = %s, want %s", got, want)
	}
	if got, want := c.Volume.String(), "2"; got != want {
		t.Errorf("Volume = %s, want %s", got, want)
	}
	if c.TradeCount != 2 {
		t.Errorf("TradeCount = %d, want 2", c.TradeCount)
	}

	stats := agg.Stats()
	if stats.CorrectionsEmitted != 1 {
		t.Errorf("CorrectionsEmitted = %d, want 1", stats.CorrectionsEmitted)
	}
}

func TestIngestPairsIndependent(t *testing.T) {
	agg := New(testConfig(), nil)

	agg.Ingest(mkTrade("BTC/EUR", base+5000, "50000", "1"))
	agg.Ingest(mkTrade("ETH/EUR", base+6000, "3000", "1"))

	// Advancing only BTC's watermark finalizes only BTC's window.
	candles := agg.Ingest(mkTrade("BTC/EUR", base+75000, "50001", "1"))
	if len(candles) != 1 {
		t.Fatalf("got %d candles, want 1", len(candles))
	}
	if candles[0].Pair != "BTC/EUR" {
		t.Errorf("Pair = %q, want %q", candles[0].Pair, "BTC/EUR")
	}

	candles = agg.Ingest(mkTrade("ETH/EUR", base+75000, "3001", "1"))
	if len(candles) != 1 {
		t.Fatalf("got %d candles, want 1", len(candles))
	}
	if candles[0].Pair != "ETH/EUR" {
		t.Errorf("Pair = %q, want %q", candles[0].Pair, "ETH/EUR")
	}
}

func TestIngestMultipleWindowsFinalize(t *testing.T) {
	agg := New(testConfig(), nil)

	agg.Ingest(mkTrade("BTC/EUR", base+5000, "100", "1"))
	agg.Ingest(mkTrade("BTC/EUR", base+65000, "101", "1"))

	// A jump past both windows plus grace finalizes both, in order.
	candles := agg.Ingest(mkTrade("BTC/EUR", base+200000, "102", "1"))
	if len(candles) != 2 {
		t.Fatalf("got %d candles, want 2", len(candles))
	}
	if candles[0].WindowStart != base {
		t.Errorf("candles[0].WindowStart = %d, want %d", candles[0].WindowStart, base)
	}
	if candles[1].WindowStart != base+60000 {
		t.Errorf("candles[1].WindowStart = %d, want %d", candles[1].WindowStart, base+60000)
	}
}

func TestFlushIdle(t *testing.T) {
	agg := New(testConfig(), nil)

	agg.Ingest(mkTrade("BTC/EUR", base+5000, "100", "1"))

	// Pair is still active on the wall clock, nothing flushes.
	candles := agg.FlushIdle(time.Now())
	if len(candles) != 0 {
		t.Fatalf("got %d candles from active pair, want 0", len(candles))
	}

	// Simulate idleness past the grace period.
	ps := agg.pair("BTC/EUR")
	ps.mu.Lock()
	ps.lastActivity = time.Now().Add(-time.Minute)
	ps.mu.Unlock()

	candles = agg.FlushIdle(time.Now())
	if len(candles) != 1 {
		t.Fatalf("got %d candles from idle pair, want 1", len(candles))
	}
	if !candles[0].Final {
		t.Error("Final = false, want true")
	}
}

func TestFlushAll(t *testing.T) {
	agg := New(testConfig(), nil)

	agg.Ingest(mkTrade("BTC/EUR", base+5000, "100", "1"))
	agg.Ingest(mkTrade("ETH/EUR", base+6000, "3000", "1"))

	candles := agg.FlushAll()
	if len(candles) != 2 {
		t.Fatalf("got %d candles, want 2", len(candles))
	}
	for _, c := range candles {
		if c.Final {
			t.Errorf("FlushAll candle for %s marked final", c.Pair)
		}
	}

	if got := agg.Stats().ActiveWindows; got != 0 {
		t.Errorf("ActiveWindows after FlushAll = %d, want 0", got)
	}
}

func TestIngestZeroVolumeTrade(t *testing.T) {
	agg := New(testConfig(), nil)

	agg.Ingest(mkTrade("BTC/EUR", base+5000, "100", "0"))
	candles := agg.Ingest(mkTrade("BTC/EUR", base+75000, "101", "1"))
	if len(candles) != 1 {
		t.Fatalf("got %d candles, want 1", len(candles))
	}
	if candles[0].TradeCount != 1 {
		t.Errorf("TradeCount = %d, want 1", candles[0].TradeCount)
	}
	if got, want := candles[0].Volume.String(), "0"; got != want {
		t.Errorf("Volume = %s, want %s", got, want)
	}
}
