package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rfontaine/kraken-ingest/internal/candle"
	"github.com/rfontaine/kraken-ingest/internal/dedup"
	"github.com/rfontaine/kraken-ingest/internal/metrics"
	"github.com/rfontaine/kraken-ingest/internal/model"
	"github.com/rfontaine/kraken-ingest/internal/pipeline"
)

// eventPublisher is the publisher surface the consumer needs,
// swappable for tests.
type eventPublisher interface {
	PublishTrade(ctx context.Context, trade model.Trade) error
	PublishCandle(ctx context.Context, candle model.Candle) error
}

// consumer drains the trade buffer: every admitted trade is published
// and fed to the aggregator, and resulting candles are published (final
// ones via the dedup filter). Any cache or publish error halts the loop;
// silently dropping or double-forwarding is worse than restarting.
type consumer struct {
	buffer        *pipeline.Buffer[model.Trade]
	filter        *dedup.Filter
	agg           *candle.Aggregator
	pub           eventPublisher
	flushInterval time.Duration
	logger        *slog.Logger

	// mu serializes trade processing with periodic flushes so candle
	// emissions keep per-pair order.
	mu sync.Mutex

	failOnce sync.Once
	failErr  error
}

func newConsumer(buffer *pipeline.Buffer[model.Trade], filter *dedup.Filter, agg *candle.Aggregator, pub eventPublisher, flushInterval time.Duration, logger *slog.Logger) *consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &consumer{
		buffer:        buffer,
		filter:        filter,
		agg:           agg,
		pub:           pub,
		flushInterval: flushInterval,
		logger:        logger,
	}
}

// run drains the buffer until ctx is cancelled or processing fails. On
// cancellation it flushes open windows best-effort before returning.
func (c *consumer) run(ctx context.Context) error {
	stop := make(chan struct{})
	var wg sync.WaitGroup

	// Unblock Receive on cancellation.
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
		case <-stop:
		}
		c.buffer.Close()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if err := c.flushIdle(ctx); err != nil {
					c.fail(err)
					return
				}
				metrics.BufferDepth.Set(float64(c.buffer.Len()))
				metrics.ActiveWindows.Set(float64(c.agg.Stats().ActiveWindows))
			}
		}
	}()

	for {
		trade, ok := c.buffer.Receive()
		if !ok {
			break
		}
		if err := c.process(ctx, trade); err != nil {
			c.fail(err)
			break
		}
	}

	close(stop)
	wg.Wait()

	if c.failErr != nil {
		return c.failErr
	}

	// Graceful shutdown: emit what the open windows hold.
	c.shutdownFlush()
	return nil
}

// process runs one trade through dedup, publish, and aggregation.
func (c *consumer) process(ctx context.Context, trade model.Trade) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fresh, err := c.filter.Admit(ctx, dedup.StreamTrades, trade.DedupKey())
	if err != nil {
		return fmt.Errorf("admitting trade %s: %w", trade.TradeID, err)
	}
	if !fresh {
		metrics.DuplicatesSuppressed.WithLabelValues(dedup.StreamTrades).Inc()
		return nil
	}
	metrics.TradesIngested.WithLabelValues(trade.Source).Inc()

	if err := c.pub.PublishTrade(ctx, trade); err != nil {
		metrics.PublishErrors.WithLabelValues("trades").Inc()
		return err
	}

	return c.emit(ctx, c.agg.Ingest(trade))
}

// emit publishes candle emissions. Final candles pass through the dedup
// filter; intermediates are deliberate re-emissions and bypass it.
func (c *consumer) emit(ctx context.Context, candles []model.Candle) error {
	for _, cd := range candles {
		kind := "intermediate"
		if cd.Final {
			kind = "final"
			fresh, err := c.filter.Admit(ctx, dedup.StreamCandles, cd.DedupKey())
			if err != nil {
				return fmt.Errorf("admitting candle %s: %w", cd.DedupKey(), err)
			}
			if !fresh {
				metrics.DuplicatesSuppressed.WithLabelValues(dedup.StreamCandles).Inc()
				continue
			}
		}

		if err := c.pub.PublishCandle(ctx, cd); err != nil {
			metrics.PublishErrors.WithLabelValues("candles").Inc()
			return err
		}
		metrics.CandlesEmitted.WithLabelValues(kind).Inc()
	}
	return nil
}

// flushIdle finalizes stalled windows on the wall clock.
func (c *consumer) flushIdle(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emit(ctx, c.agg.FlushIdle(time.Now()))
}

// shutdownFlush publishes remaining open windows best-effort. Errors
// are logged, not returned: the process is exiting either way.
func (c *consumer) shutdownFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cd := range c.agg.FlushAll() {
		if err := c.pub.PublishCandle(ctx, cd); err != nil {
			c.logger.Error("publishing candle during shutdown flush",
				"pair", cd.Pair,
				"window_start", cd.WindowStart,
				"error", err,
			)
			return
		}
		metrics.CandlesEmitted.WithLabelValues("intermediate").Inc()
	}
}

func (c *consumer) fail(err error) {
	c.failOnce.Do(func() {
		c.failErr = err
		c.buffer.Close()
	})
}
