package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rfontaine/kraken-ingest/internal/api"
	"github.com/rfontaine/kraken-ingest/internal/backfill"
	"github.com/rfontaine/kraken-ingest/internal/candle"
	"github.com/rfontaine/kraken-ingest/internal/config"
	"github.com/rfontaine/kraken-ingest/internal/connection"
	"github.com/rfontaine/kraken-ingest/internal/database"
	"github.com/rfontaine/kraken-ingest/internal/dedup"
	"github.com/rfontaine/kraken-ingest/internal/model"
	"github.com/rfontaine/kraken-ingest/internal/orchestrator"
	"github.com/rfontaine/kraken-ingest/internal/pipeline"
	"github.com/rfontaine/kraken-ingest/internal/publish"
	"github.com/rfontaine/kraken-ingest/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/ingestd.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting ingestd",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"mode", cfg.Ingestion.Mode,
		"pairs", cfg.Kraken.Pairs,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Dedup cache backend
	cache, err := newCache(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to create dedup cache", "backend", cfg.Dedup.Backend, "error", err)
		os.Exit(1)
	}
	defer cache.Close()
	filter := dedup.NewFilter(cache, logger)

	// Checkpoint store
	store, cleanup, err := newCheckpointStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to set up checkpoint store", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	// Shared trade buffer and source adapters
	buffer := pipeline.NewBuffer[model.Trade](cfg.Ingestion.BufferSize)

	apiClient := api.NewClient(
		cfg.Kraken.RestURL,
		api.WithLogger(logger),
		api.WithTimeout(cfg.Kraken.Timeout),
		api.WithRetries(cfg.Kraken.MaxRetries, cfg.Kraken.RetryBackoff),
	)
	fetcher := backfill.New(backfill.Config{
		Pairs:      cfg.Kraken.Pairs,
		Lookback:   time.Duration(cfg.Ingestion.LookbackDays) * 24 * time.Hour,
		PageDelay:  cfg.Ingestion.PageDelay,
		BurstEvery: cfg.Ingestion.BurstEvery,
		BurstDelay: cfg.Ingestion.BurstDelay,
	}, apiClient, store, buffer, logger)

	// Parallel handoff parks live trades until backfill completes.
	var hold *orchestrator.HoldingSink
	var readerSink connection.TradeSink = buffer
	if cfg.Ingestion.Mode == config.ModeOrchestrated && cfg.Ingestion.Handoff == config.HandoffParallel {
		hold = orchestrator.NewHoldingSink(buffer, cfg.Ingestion.BufferSize)
		readerSink = hold
	}

	reader := connection.NewReader(connection.ReaderConfig{
		URL:           cfg.Kraken.WSURL,
		Pairs:         cfg.Kraken.Pairs,
		PingTimeout:   cfg.Ingestion.PingTimeout,
		WriteTimeout:  cfg.Ingestion.WriteTimeout,
		ReconnectBase: cfg.Ingestion.ReconnectBase,
		ReconnectMax:  cfg.Ingestion.ReconnectMax,
		BufferSize:    cfg.Ingestion.BufferSize,
	}, readerSink, logger)

	orch := orchestrator.New(orchestrator.Config{
		Mode:    cfg.Ingestion.Mode,
		Handoff: cfg.Ingestion.Handoff,
	}, fetcher, reader, hold, logger)

	// Aggregation and publishing
	agg := candle.New(candle.Config{
		WindowSec:        cfg.Candles.WindowSec,
		EmitIntermediate: cfg.Candles.EmitIntermediate,
		Grace:            cfg.Candles.Grace,
		LatePolicy:       cfg.Candles.LatePolicy,
	}, logger)

	pub := publish.New(publish.Config{
		Brokers:      cfg.Kafka.Brokers,
		TradesTopic:  cfg.Kafka.TradesTopic,
		CandlesTopic: cfg.Kafka.CandlesTopic,
		BatchTimeout: cfg.Kafka.BatchTimeout,
	}, logger)
	defer pub.Close()

	cons := newConsumer(buffer, filter, agg, pub, cfg.Candles.FlushInterval, logger)

	// Health server
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: createHealthHandler(cfg, cache, store, reader, orch, buffer, filter, agg, logger),
	}
	go func() {
		logger.Info("starting health server", "port", cfg.Metrics.Port)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	// Run the orchestrator and the consumer; either failing takes the
	// process down non-zero.
	errCh := make(chan error, 2)
	go func() { errCh <- orch.Run(ctx) }()
	go func() { errCh <- cons.run(ctx) }()

	logger.Info("ingestd running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	exitCode := 0
	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("pipeline failed", "error", err)
			exitCode = 1
		} else if cfg.Ingestion.Mode == config.ModeBackfill {
			logger.Info("backfill complete")
		}
		cancel()
	case <-ctx.Done():
	}

	logger.Info("shutting down...")

	// Let the other of the two tasks drain.
	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("shutdown error", "error", err)
			exitCode = 1
		}
	case <-time.After(30 * time.Second):
		logger.Warn("shutdown drain timed out")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	healthServer.Shutdown(shutdownCtx)

	logger.Info("ingestd stopped")
	os.Exit(exitCode)
}

// newCache builds the configured dedup backend.
func newCache(ctx context.Context, cfg *config.Config, logger *slog.Logger) (dedup.Cache, error) {
	switch cfg.Dedup.Backend {
	case "redis":
		return dedup.NewRedisCache(ctx, cfg.Dedup.Redis.Addr, cfg.Dedup.Redis.Password, cfg.Dedup.Redis.DB, cfg.Dedup.TTL)
	default:
		return dedup.NewMemoryCache(cfg.Dedup.TTL, cfg.Dedup.CleanupInterval, logger), nil
	}
}

// newCheckpointStore builds the checkpoint store; Postgres when
// enabled, in-memory otherwise.
func newCheckpointStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (backfill.Store, func(), error) {
	if !cfg.Checkpoints.Enabled {
		logger.Info("checkpoints disabled, using in-memory store")
		return backfill.NewMemoryStore(), func() {}, nil
	}

	logger.Info("connecting to checkpoint database",
		"host", cfg.Checkpoints.Postgres.Host,
		"database", cfg.Checkpoints.Postgres.Name,
	)
	pool, err := database.Connect(ctx, cfg.Checkpoints.Postgres)
	if err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}

	store := backfill.NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, pool.Close, nil
}

// createHealthHandler creates the HTTP handler for health, readiness,
// stats, and metrics.
func createHealthHandler(
	cfg *config.Config,
	cache dedup.Cache,
	store backfill.Store,
	reader *connection.Reader,
	orch *orchestrator.Orchestrator,
	buffer *pipeline.Buffer[model.Trade],
	filter *dedup.Filter,
	agg *candle.Aggregator,
	logger *slog.Logger,
) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string                 `json:"status"`
			Components map[string]interface{} `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]interface{}),
		}

		if err := cache.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components["dedup_cache"] = map[string]string{
				"status": "unreachable",
				"error":  err.Error(),
			}
		} else {
			health.Components["dedup_cache"] = "ok"
		}

		if err := store.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components["checkpoint_store"] = map[string]string{
				"status": "unreachable",
				"error":  err.Error(),
			}
		} else {
			health.Components["checkpoint_store"] = "ok"
		}

		health.Components["connection"] = string(reader.State())
		health.Components["orchestrator"] = string(orch.State())
		if orch.State() == orchestrator.StateFailed {
			health.Status = "unhealthy"
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	// Ready distinguishes "still backfilling" from broken: backfilling
	// returns 503 with its phase so rollouts wait for the handoff.
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !orch.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ready": orch.Ready(),
			"phase": string(orch.State()),
		})
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"orchestrator": string(orch.State()),
			"connection":   reader.Stats(),
			"buffer":       buffer.Stats(),
			"dedup":        filter.Stats(),
			"aggregator":   agg.Stats(),
		})
	})

	mux.Handle(cfg.Metrics.Path, promhttp.Handler())

	return mux
}
