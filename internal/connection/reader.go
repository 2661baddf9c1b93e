package connection

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"github.com/rfontaine/kraken-ingest/internal/metrics"
	"github.com/rfontaine/kraken-ingest/internal/model"
)

// TradeSink receives trades emitted by the reader. Satisfied by
// *pipeline.Buffer[model.Trade].
type TradeSink interface {
	Send(model.Trade) bool
}

// Reader maintains the live trade subscription and emits parsed trades.
type Reader struct {
	cfg    ReaderConfig
	sink   TradeSink
	logger *slog.Logger

	// newClient is swappable for tests.
	newClient func(ClientConfig, *slog.Logger) Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	state State
	stats ReaderStats
}

// NewReader creates a live feed reader emitting into sink.
func NewReader(cfg ReaderConfig, sink TradeSink, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		cfg:       cfg,
		sink:      sink,
		logger:    logger,
		newClient: NewClient,
		state:     StateDisconnected,
	}
}

// Start begins the connect/subscribe/stream loop.
func (r *Reader) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.run()

	r.logger.Info("live feed reader started",
		"url", r.cfg.URL,
		"pairs", len(r.cfg.Pairs),
	)
	return nil
}

// Stop gracefully shuts down the reader.
func (r *Reader) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("live feed reader stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current connection state.
func (r *Reader) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Stats returns a snapshot of reader counters.
func (r *Reader) Stats() ReaderStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// run connects, subscribes, and streams until cancellation, reconnecting
// forever on any failure. Live reconnects are unbounded in total: the
// feed must keep trying.
func (r *Reader) run() {
	defer r.wg.Done()

	wait := &backoff.Backoff{
		Min:    r.cfg.ReconnectBase,
		Max:    r.cfg.ReconnectMax,
		Factor: 2,
		Jitter: true,
	}

	for {
		if r.ctx.Err() != nil {
			return
		}

		r.setState(StateConnecting)

		cli := r.newClient(ClientConfig{
			URL:          r.cfg.URL,
			PingTimeout:  r.cfg.PingTimeout,
			WriteTimeout: r.cfg.WriteTimeout,
			BufferSize:   r.cfg.BufferSize,
		}, r.logger)

		if err := cli.Connect(r.ctx); err != nil {
			r.setState(StateDisconnected)
			r.logger.Warn("connect failed", "error", err)
			if !r.sleep(wait.Duration()) {
				return
			}
			continue
		}

		if err := r.subscribe(cli); err != nil {
			cli.Close()
			r.setState(StateDisconnected)
			r.logger.Warn("subscribe failed", "error", err)
			if !r.sleep(wait.Duration()) {
				return
			}
			continue
		}

		r.setState(StateSubscribed)
		wait.Reset()

		r.consume(cli)
		cli.Close()

		if r.ctx.Err() != nil {
			return
		}

		r.setState(StateDisconnected)
		r.mu.Lock()
		r.stats.Reconnects++
		r.mu.Unlock()
		metrics.Reconnects.Inc()

		r.logger.Info("reconnecting live feed")
		if !r.sleep(wait.Duration()) {
			return
		}
	}
}

// subscribe sends the trade-channel subscription for all pairs.
func (r *Reader) subscribe(cli Client) error {
	req := subscribeRequest{
		Method: "subscribe",
		Params: subscribeParams{
			Channel:  "trade",
			Symbol:   r.cfg.Pairs,
			Snapshot: false,
		},
	}

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return cli.Send(data)
}

// consume processes messages until a connection error or cancellation.
func (r *Reader) consume(cli Client) {
	for {
		select {
		case <-r.ctx.Done():
			return

		case err := <-cli.Errors():
			r.logger.Warn("connection error", "error", err)
			return

		case msg, ok := <-cli.Messages():
			if !ok {
				return
			}
			r.handleMessage(msg)
		}
	}
}

// handleMessage parses one frame. Malformed frames are logged and
// dropped, never fatal to the stream.
func (r *Reader) handleMessage(msg TimestampedMessage) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		r.countParseError()
		r.logger.Warn("failed to parse message", "error", err)
		return
	}

	switch {
	case env.Method == "subscribe":
		if env.Success != nil && !*env.Success {
			r.logger.Warn("subscription rejected", "error", env.Error)
		} else {
			r.logger.Debug("subscription acknowledged")
		}

	case env.Channel == "heartbeat":
		r.mu.Lock()
		r.stats.Heartbeats++
		r.mu.Unlock()

	case env.Channel == "status":
		r.logger.Debug("status message received")

	case env.Channel == "trade":
		r.handleTrades(env.Data)

	default:
		r.logger.Debug("skipping message", "channel", env.Channel, "method", env.Method)
	}
}

// handleTrades parses a trade data array and emits each trade.
func (r *Reader) handleTrades(data json.RawMessage) {
	var entries []tradeData
	if err := json.Unmarshal(data, &entries); err != nil {
		r.countParseError()
		r.logger.Warn("failed to parse trade data", "error", err)
		return
	}

	for _, td := range entries {
		trade, err := parseWSTrade(td)
		if err != nil {
			r.countParseError()
			r.logger.Warn("skipping malformed trade", "symbol", td.Symbol, "error", err)
			continue
		}

		if !r.sink.Send(trade) {
			return // sink closed, shutdown in progress
		}

		r.mu.Lock()
		r.stats.TradesEmitted++
		streaming := false
		if r.state == StateSubscribed {
			r.state = StateStreaming
			streaming = true
		}
		r.mu.Unlock()
		if streaming {
			metrics.ConnectionState.Set(stateOrdinals[StateStreaming])
		}
	}
}

// parseWSTrade converts a v2 trade payload to a model.Trade.
func parseWSTrade(td tradeData) (model.Trade, error) {
	price, err := decimal.NewFromString(td.Price.String())
	if err != nil {
		return model.Trade{}, err
	}
	volume, err := decimal.NewFromString(td.Qty.String())
	if err != nil {
		return model.Trade{}, err
	}

	ts, err := time.Parse(time.RFC3339Nano, td.Timestamp)
	if err != nil {
		return model.Trade{}, err
	}
	timestamp := ts.UnixMilli()

	tradeID := ""
	if td.TradeID != 0 {
		tradeID = strconv.FormatInt(td.TradeID, 10)
	} else {
		tradeID = model.SynthesizeTradeID(td.Symbol, timestamp, price, volume)
	}

	return model.Trade{
		Pair:      td.Symbol,
		Price:     price,
		Volume:    volume,
		Timestamp: timestamp,
		TradeID:   tradeID,
		Source:    "ws",
	}, nil
}

// stateOrdinals maps states to the gauge values exported for alerting.
var stateOrdinals = map[State]float64{
	StateDisconnected: 0,
	StateConnecting:   1,
	StateSubscribed:   2,
	StateStreaming:    3,
}

func (r *Reader) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	metrics.ConnectionState.Set(stateOrdinals[s])
}

func (r *Reader) countParseError() {
	r.mu.Lock()
	r.stats.ParseErrors++
	r.mu.Unlock()
	metrics.ParseErrors.WithLabelValues("ws").Inc()
}

// sleep waits for d or cancellation; returns false on cancellation.
func (r *Reader) sleep(d time.Duration) bool {
	select {
	case <-r.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
