// Command backfill runs a one-shot historical trade fetch for the
// configured pairs and either prints the trades as JSON lines or
// publishes them to Kafka. Operational tool for re-runs and spot
// verification; the daemon's backfill mode is the production path.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rfontaine/kraken-ingest/internal/api"
	"github.com/rfontaine/kraken-ingest/internal/backfill"
	"github.com/rfontaine/kraken-ingest/internal/config"
	"github.com/rfontaine/kraken-ingest/internal/model"
	"github.com/rfontaine/kraken-ingest/internal/pipeline"
	"github.com/rfontaine/kraken-ingest/internal/publish"
	"github.com/rfontaine/kraken-ingest/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/ingestd.local.yaml", "path to config file")
	pairsFlag := flag.String("pairs", "", "comma-separated pair override (default: config pairs)")
	days := flag.Int("days", 0, "lookback override in days (default: config lookback)")
	toKafka := flag.Bool("publish", false, "publish trades to Kafka instead of printing JSON lines")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("starting backfill", "version", version.Version, "config", *configPath)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	pairs := cfg.Kraken.Pairs
	if *pairsFlag != "" {
		pairs = strings.Split(*pairsFlag, ",")
	}
	lookback := time.Duration(cfg.Ingestion.LookbackDays) * 24 * time.Hour
	if *days > 0 {
		lookback = time.Duration(*days) * 24 * time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("interrupted, stopping")
		cancel()
	}()

	apiClient := api.NewClient(
		cfg.Kraken.RestURL,
		api.WithLogger(logger),
		api.WithTimeout(cfg.Kraken.Timeout),
		api.WithRetries(cfg.Kraken.MaxRetries, cfg.Kraken.RetryBackoff),
	)

	buffer := pipeline.NewBuffer[model.Trade](cfg.Ingestion.BufferSize)
	fetcher := backfill.New(backfill.Config{
		Pairs:      pairs,
		Lookback:   lookback,
		PageDelay:  cfg.Ingestion.PageDelay,
		BurstEvery: cfg.Ingestion.BurstEvery,
		BurstDelay: cfg.Ingestion.BurstDelay,
	}, apiClient, backfill.NewMemoryStore(), buffer, logger)

	var emit func(model.Trade) error
	if *toKafka {
		pub := publish.New(publish.Config{
			Brokers:      cfg.Kafka.Brokers,
			TradesTopic:  cfg.Kafka.TradesTopic,
			CandlesTopic: cfg.Kafka.CandlesTopic,
			BatchTimeout: cfg.Kafka.BatchTimeout,
		}, logger)
		defer pub.Close()
		emit = func(t model.Trade) error { return pub.PublishTrade(ctx, t) }
	} else {
		enc := json.NewEncoder(os.Stdout)
		emit = func(t model.Trade) error { return enc.Encode(t) }
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			trade, ok := buffer.Receive()
			if !ok {
				return
			}
			if err := emit(trade); err != nil {
				logger.Error("emitting trade", "trade_id", trade.TradeID, "error", err)
				cancel()
				return
			}
		}
	}()

	err = fetcher.Run(ctx)
	buffer.Close()
	wg.Wait()

	if err != nil {
		logger.Error("backfill failed", "error", err)
		os.Exit(1)
	}

	stats := fetcher.Stats()
	logger.Info("backfill complete",
		"pairs", stats.PairsComplete,
		"pages", stats.PagesFetched,
		"trades", stats.TradesEmitted,
	)
}
