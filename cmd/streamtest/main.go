// streamtest connects to the Kraken WebSocket feed and streams parsed
// trades (and the candles built from them) to the console. It runs the
// same dedup and aggregation path as ingestd but publishes nothing, so
// it is safe to point at production config for a quick connectivity
// check.
//
// Usage: go run ./cmd/streamtest --config configs/ingestd.local.yaml
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rfontaine/kraken-ingest/internal/candle"
	"github.com/rfontaine/kraken-ingest/internal/config"
	"github.com/rfontaine/kraken-ingest/internal/connection"
	"github.com/rfontaine/kraken-ingest/internal/dedup"
	"github.com/rfontaine/kraken-ingest/internal/model"
	"github.com/rfontaine/kraken-ingest/internal/pipeline"
)

func main() {
	configPath := flag.String("config", "configs/ingestd.example.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "print full trade and candle JSON")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	// In-memory dedup only; streamtest never shares state with a real
	// instance.
	cache := dedup.NewMemoryCache(cfg.Dedup.TTL, cfg.Dedup.CleanupInterval, logger)
	defer cache.Close()
	filter := dedup.NewFilter(cache, logger)

	agg := candle.New(candle.Config{
		WindowSec:        cfg.Candles.WindowSec,
		EmitIntermediate: cfg.Candles.EmitIntermediate,
		Grace:            cfg.Candles.Grace,
		LatePolicy:       cfg.Candles.LatePolicy,
	}, logger)

	buffer := pipeline.NewBuffer[model.Trade](cfg.Ingestion.BufferSize)

	reader := connection.NewReader(connection.ReaderConfig{
		URL:           cfg.Kraken.WSURL,
		Pairs:         cfg.Kraken.Pairs,
		PingTimeout:   cfg.Ingestion.PingTimeout,
		WriteTimeout:  cfg.Ingestion.WriteTimeout,
		ReconnectBase: cfg.Ingestion.ReconnectBase,
		ReconnectMax:  cfg.Ingestion.ReconnectMax,
		BufferSize:    cfg.Ingestion.BufferSize,
	}, buffer, logger)

	logger.Info("starting reader", "url", cfg.Kraken.WSURL, "pairs", cfg.Kraken.Pairs)
	if err := reader.Start(ctx); err != nil {
		logger.Error("failed to start reader", "error", err)
		os.Exit(1)
	}

	go printStream(ctx, buffer, filter, agg, *verbose, logger)

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rs := reader.Stats()
				as := agg.Stats()
				logger.Info("stats",
					"state", reader.State(),
					"trades_emitted", rs.TradesEmitted,
					"reconnects", rs.Reconnects,
					"parse_errors", rs.ParseErrors,
					"buffer_depth", buffer.Len(),
					"active_windows", as.ActiveWindows,
					"candles_finalized", as.FinalEmitted,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	reader.Stop(shutdownCtx)
	buffer.Close()
	for _, c := range agg.FlushAll() {
		printCandle(c, *verbose)
	}

	logger.Info("shutdown complete")
}

func printStream(ctx context.Context, buf *pipeline.Buffer[model.Trade], filter *dedup.Filter, agg *candle.Aggregator, verbose bool, logger *slog.Logger) {
	for {
		trade, ok := buf.Receive()
		if !ok {
			return
		}

		fresh, err := filter.Admit(ctx, dedup.StreamTrades, trade.DedupKey())
		if err != nil {
			logger.Error("dedup check failed", "error", err)
			return
		}
		if !fresh {
			fmt.Printf("[DUP] pair=%s id=%s\n", trade.Pair, trade.TradeID)
			continue
		}

		if verbose {
			data, _ := json.MarshalIndent(trade, "", "  ")
			fmt.Printf("[TRADE] %s\n", data)
		} else {
			fmt.Printf("[TRADE] pair=%s id=%s source=%s price=%s vol=%s\n",
				trade.Pair, trade.TradeID, trade.Source, trade.Price, trade.Volume)
		}

		for _, c := range agg.Ingest(trade) {
			printCandle(c, verbose)
		}
	}
}

func printCandle(c model.Candle, verbose bool) {
	if verbose {
		data, _ := json.MarshalIndent(c, "", "  ")
		fmt.Printf("[CANDLE] %s\n", data)
		return
	}
	kind := "intermediate"
	if c.Final {
		kind = "final"
	}
	fmt.Printf("[CANDLE %s] pair=%s window=%d o=%s h=%s l=%s c=%s v=%s n=%d\n",
		kind, c.Pair, c.WindowStart,
		c.Open, c.High, c.Low, c.Close, c.Volume, c.TradeCount)
}
