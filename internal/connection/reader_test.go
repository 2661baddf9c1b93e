package connection

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rfontaine/kraken-ingest/internal/model"
)

// fakeClient is a scripted Client for reader tests.
type fakeClient struct {
	mu       sync.Mutex
	sent     [][]byte
	messages chan TimestampedMessage
	errors   chan error

	connectErr error
	connected  bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		messages: make(chan TimestampedMessage, 64),
		errors:   make(chan error, 4),
	}
}

func (f *fakeClient) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeClient) Messages() <-chan TimestampedMessage { return f.messages }
func (f *fakeClient) Errors() <-chan error                { return f.errors }

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) push(frame string) {
	f.messages <- TimestampedMessage{Data: []byte(frame), ReceivedAt: time.Now()}
}

func (f *fakeClient) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

type tradeSink struct {
	mu     sync.Mutex
	trades []model.Trade
}

func (s *tradeSink) Send(t model.Trade) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, t)
	return true
}

func (s *tradeSink) snapshot() []model.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Trade, len(s.trades))
	copy(out, s.trades)
	return out
}

func testReaderConfig() ReaderConfig {
	return ReaderConfig{
		URL:           "wss://example.test/v2",
		Pairs:         []string{"BTC/EUR", "ETH/EUR"},
		PingTimeout:   time.Second,
		ReconnectBase: 5 * time.Millisecond,
		ReconnectMax:  20 * time.Millisecond,
		BufferSize:    64,
	}
}

// startReader wires a reader to a sequence of fake clients, one per
// connection attempt.
func startReader(t *testing.T, sink TradeSink, clients ...*fakeClient) (*Reader, context.CancelFunc) {
	t.Helper()

	r := NewReader(testReaderConfig(), sink, slog.Default())
	var mu sync.Mutex
	next := 0
	r.newClient = func(ClientConfig, *slog.Logger) Client {
		mu.Lock()
		defer mu.Unlock()
		cli := clients[next]
		if next < len(clients)-1 {
			next++
		}
		return cli
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		cancel()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		r.Stop(stopCtx)
	})
	return r, cancel
}

const tradeFrame = `{
	"channel": "trade",
	"type": "update",
	"data": [
		{"symbol": "BTC/EUR", "price": 50000.5, "qty": 0.25, "side": "buy", "ord_type": "limit", "trade_id": 77001, "timestamp": "2025-01-02T10:00:05.123Z"}
	]
}`

func TestReaderSubscribesOnConnect(t *testing.T) {
	cli := newFakeClient()
	sink := &tradeSink{}
	r, _ := startReader(t, sink, cli)

	waitFor(t, func() bool { return len(cli.sentFrames()) == 1 })

	var req struct {
		Method string `json:"method"`
		Params struct {
			Channel  string   `json:"channel"`
			Symbol   []string `json:"symbol"`
			Snapshot bool     `json:"snapshot"`
		} `json:"params"`
	}
	if err := json.Unmarshal(cli.sentFrames()[0], &req); err != nil {
		t.Fatalf("parsing subscribe frame: %v", err)
	}
	if req.Method != "subscribe" {
		t.Errorf("method = %q, want %q", req.Method, "subscribe")
	}
	if req.Params.Channel != "trade" {
		t.Errorf("channel = %q, want %q", req.Params.Channel, "trade")
	}
	if len(req.Params.Symbol) != 2 {
		t.Errorf("symbols = %v, want both configured pairs", req.Params.Symbol)
	}
	if req.Params.Snapshot {
		t.Error("snapshot = true, want false")
	}

	waitFor(t, func() bool { return r.State() == StateSubscribed })
}

func TestReaderEmitsParsedTrades(t *testing.T) {
	cli := newFakeClient()
	sink := &tradeSink{}
	r, _ := startReader(t, sink, cli)

	cli.push(`{"method": "subscribe", "success": true}`)
	cli.push(tradeFrame)

	waitFor(t, func() bool { return len(sink.snapshot()) == 1 })

	trade := sink.snapshot()[0]
	if trade.Pair != "BTC/EUR" {
		t.Errorf("Pair = %q, want %q", trade.Pair, "BTC/EUR")
	}
	if got, want := trade.Price.String(), "50000.5"; got != want {
		t.Errorf("Price = %s, want %s", got, want)
	}
	if got, want := trade.Volume.String(), "0.25"; got != want {
		t.Errorf("Volume = %s, want %s", got, want)
	}
	if trade.TradeID != "77001" {
		t.Errorf("TradeID = %q, want %q", trade.TradeID, "77001")
	}
	if trade.Timestamp != 1735812005123 {
		t.Errorf("Timestamp = %d, want 1735812005123", trade.Timestamp)
	}
	if trade.Source != "ws" {
		t.Errorf("Source = %q, want %q", trade.Source, "ws")
	}

	if got := r.State(); got != StateStreaming {
		t.Errorf("State() = %q after first trade, want %q", got, StateStreaming)
	}
}

func TestReaderCountsHeartbeats(t *testing.T) {
	cli := newFakeClient()
	r, _ := startReader(t, &tradeSink{}, cli)

	cli.push(`{"channel": "heartbeat"}`)
	cli.push(`{"channel": "heartbeat"}`)

	waitFor(t, func() bool { return r.Stats().Heartbeats == 2 })
}

func TestReaderDropsMalformedTrades(t *testing.T) {
	cli := newFakeClient()
	sink := &tradeSink{}
	r, _ := startReader(t, sink, cli)

	cli.push(`{"channel": "trade", "data": [{"symbol": "BTC/EUR", "price": "bogus", "qty": 1, "timestamp": "2025-01-02T10:00:05Z"}]}`)
	cli.push(tradeFrame)

	waitFor(t, func() bool { return len(sink.snapshot()) == 1 })

	if got := r.Stats().ParseErrors; got != 1 {
		t.Errorf("ParseErrors = %d, want 1", got)
	}
}

func TestReaderReconnectsOnError(t *testing.T) {
	first := newFakeClient()
	second := newFakeClient()
	sink := &tradeSink{}
	r, _ := startReader(t, sink, first, second)

	waitFor(t, func() bool { return len(first.sentFrames()) == 1 })

	// Connection failure: the reader reconnects and resubscribes.
	first.errors <- ErrStaleConnection
	waitFor(t, func() bool { return len(second.sentFrames()) == 1 })

	if got := r.Stats().Reconnects; got != 1 {
		t.Errorf("Reconnects = %d, want 1", got)
	}

	// Trades redelivered on the new connection still flow.
	second.push(tradeFrame)
	waitFor(t, func() bool { return len(sink.snapshot()) == 1 })
}

func TestReaderSynthesizesMissingTradeID(t *testing.T) {
	cli := newFakeClient()
	sink := &tradeSink{}
	startReader(t, sink, cli)

	frame := `{"channel": "trade", "data": [{"symbol": "BTC/EUR", "price": 100, "qty": 1, "timestamp": "2025-01-02T10:00:05Z"}]}`
	cli.push(frame)
	waitFor(t, func() bool { return len(sink.snapshot()) == 1 })

	got := sink.snapshot()[0].TradeID
	if got == "" {
		t.Fatal("TradeID empty, want synthesized id")
	}
	want := model.SynthesizeTradeID("BTC/EUR", sink.snapshot()[0].Timestamp, sink.snapshot()[0].Price, sink.snapshot()[0].Volume)
	if got != want {
		t.Errorf("TradeID = %q, want deterministic %q", got, want)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
