// Package publish writes ingested trades and finished candles to Kafka,
// one topic per entity kind, keyed by pair so each pair's events stay
// ordered within a partition.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rfontaine/kraken-ingest/internal/model"
)

// Config holds publisher settings.
type Config struct {
	Brokers      []string      // Kafka bootstrap addresses
	TradesTopic  string        // Topic for individual trades
	CandlesTopic string        // Topic for aggregated candles
	BatchTimeout time.Duration // Writer flush interval
}

// messageWriter is the slice of kafka.Writer the publisher needs,
// swappable for tests.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Stats counts publisher activity.
type Stats struct {
	TradesPublished  int64
	CandlesPublished int64
	Errors           int64
}

// Publisher fans trades and candles out to their Kafka topics.
type Publisher struct {
	trades  messageWriter
	candles messageWriter
	logger  *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates a publisher with one writer per topic. Hash balancing on
// the message key gives per-pair ordering at the broker.
func New(cfg Config, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		trades:  newWriter(cfg, cfg.TradesTopic),
		candles: newWriter(cfg, cfg.CandlesTopic),
		logger:  logger,
	}
}

func newWriter(cfg Config, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: cfg.BatchTimeout,
	}
}

// PublishTrade writes one trade to the trades topic.
func (p *Publisher) PublishTrade(ctx context.Context, trade model.Trade) error {
	value, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("encoding trade %s: %w", trade.TradeID, err)
	}

	msg := kafka.Message{Key: []byte(trade.Pair), Value: value}
	if err := p.trades.WriteMessages(ctx, msg); err != nil {
		p.count(func(s *Stats) { s.Errors++ })
		return fmt.Errorf("publishing trade %s: %w", trade.TradeID, err)
	}

	p.count(func(s *Stats) { s.TradesPublished++ })
	return nil
}

// PublishCandle writes one candle to the candles topic.
func (p *Publisher) PublishCandle(ctx context.Context, candle model.Candle) error {
	value, err := json.Marshal(candle)
	if err != nil {
		return fmt.Errorf("encoding candle %s: %w", candle.DedupKey(), err)
	}

	msg := kafka.Message{Key: []byte(candle.Pair), Value: value}
	if err := p.candles.WriteMessages(ctx, msg); err != nil {
		p.count(func(s *Stats) { s.Errors++ })
		return fmt.Errorf("publishing candle %s: %w", candle.DedupKey(), err)
	}

	p.count(func(s *Stats) { s.CandlesPublished++ })
	return nil
}

// Stats returns a snapshot of publisher counters.
func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Close flushes and closes both writers.
func (p *Publisher) Close() error {
	var firstErr error
	for name, w := range map[string]messageWriter{"trades": p.trades, "candles": p.candles} {
		if err := w.Close(); err != nil {
			p.logger.Error("closing kafka writer", "topic", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (p *Publisher) count(fn func(*Stats)) {
	p.mu.Lock()
	fn(&p.stats)
	p.mu.Unlock()
}
