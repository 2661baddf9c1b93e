package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rfontaine/kraken-ingest/internal/config"
	"github.com/rfontaine/kraken-ingest/internal/metrics"
)

// State is the orchestrator's lifecycle phase.
type State string

const (
	StateIdle            State = "idle"
	StateBackfilling     State = "backfilling"
	StateAwaitingHandoff State = "awaiting_handoff"
	StateStreaming       State = "streaming"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
)

// Backfiller runs the historical fetch to completion.
type Backfiller interface {
	Run(ctx context.Context) error
}

// LiveFeed is the websocket reader's lifecycle surface.
type LiveFeed interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Control-channel message kinds.
type eventKind int

const (
	evBackfillComplete eventKind = iota
	evBackfillFailed
)

type event struct {
	kind eventKind
	err  error
}

// Config holds orchestrator settings.
type Config struct {
	Mode    string // config.ModeBackfill, ModeWebsocket, or ModeOrchestrated
	Handoff string // config.HandoffSequential or HandoffParallel
}

// Orchestrator sequences backfill and live ingestion according to the
// configured mode and handoff policy.
type Orchestrator struct {
	cfg      Config
	backfill Backfiller
	feed     LiveFeed
	hold     *HoldingSink // nil unless parallel handoff
	logger   *slog.Logger

	events chan event

	mu    sync.RWMutex
	state State
}

// New creates an orchestrator. hold may be nil; it is required only for
// the parallel handoff policy, where it must be the live feed's sink.
func New(cfg Config, backfill Backfiller, feed LiveFeed, hold *HoldingSink, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		backfill: backfill,
		feed:     feed,
		hold:     hold,
		logger:   logger,
		events:   make(chan event, 4),
		state:    StateIdle,
	}
}

// State returns the current lifecycle phase.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Ready reports whether the pipeline has caught up: true once streaming
// (or, for one-shot backfill, once complete). A pipeline that is still
// backfilling is healthy but not ready.
func (o *Orchestrator) Ready() bool {
	switch o.State() {
	case StateStreaming, StateCompleted:
		return true
	default:
		return false
	}
}

// Run drives the configured mode until completion or cancellation. For
// live modes it blocks until ctx is cancelled; for one-shot backfill it
// returns when the fetch finishes. A fatal backfill error is returned
// after tearing down the live path.
func (o *Orchestrator) Run(ctx context.Context) error {
	switch o.cfg.Mode {
	case config.ModeBackfill:
		return o.runBackfillOnly(ctx)
	case config.ModeWebsocket:
		return o.runWebsocketOnly(ctx)
	case config.ModeOrchestrated:
		return o.runOrchestrated(ctx)
	default:
		return fmt.Errorf("unknown ingestion mode %q", o.cfg.Mode)
	}
}

func (o *Orchestrator) runBackfillOnly(ctx context.Context) error {
	o.setState(StateBackfilling)
	if err := o.backfill.Run(ctx); err != nil {
		// An operator stop mid-fetch is a clean shutdown, not a
		// pipeline failure; the checkpoint resumes the range next run.
		if errors.Is(err, context.Canceled) {
			o.setState(StateCompleted)
			return nil
		}
		o.setState(StateFailed)
		return fmt.Errorf("backfill: %w", err)
	}
	o.setState(StateCompleted)
	return nil
}

func (o *Orchestrator) runWebsocketOnly(ctx context.Context) error {
	if err := o.feed.Start(ctx); err != nil {
		o.setState(StateFailed)
		return fmt.Errorf("starting live feed: %w", err)
	}
	o.setState(StateStreaming)

	<-ctx.Done()
	return o.stopFeed()
}

func (o *Orchestrator) runOrchestrated(ctx context.Context) error {
	parallel := o.cfg.Handoff == config.HandoffParallel

	if parallel {
		if o.hold == nil {
			return fmt.Errorf("parallel handoff requires a holding sink")
		}
		// The feed connects before the backfill so the hold buffer
		// covers the gap between the backfill's fixed end and now.
		if err := o.feed.Start(ctx); err != nil {
			o.setState(StateFailed)
			return fmt.Errorf("starting live feed: %w", err)
		}
	}

	o.setState(StateBackfilling)
	go func() {
		if err := o.backfill.Run(ctx); err != nil {
			o.events <- event{kind: evBackfillFailed, err: err}
			return
		}
		o.events <- event{kind: evBackfillComplete}
	}()

	select {
	case <-ctx.Done():
		if parallel {
			return o.stopFeed()
		}
		return nil

	case ev := <-o.events:
		if ev.kind == evBackfillFailed {
			if errors.Is(ev.err, context.Canceled) {
				if parallel {
					return o.stopFeed()
				}
				return nil
			}
			o.setState(StateFailed)
			if parallel {
				if stopErr := o.stopFeed(); stopErr != nil {
					o.logger.Error("stopping live feed after backfill failure", "error", stopErr)
				}
			}
			return fmt.Errorf("backfill: %w", ev.err)
		}
	}

	o.setState(StateAwaitingHandoff)

	if parallel {
		released := o.hold.Release()
		o.logger.Info("handoff complete", "held_trades", released)
	} else {
		if err := o.feed.Start(ctx); err != nil {
			o.setState(StateFailed)
			return fmt.Errorf("starting live feed: %w", err)
		}
	}
	o.setState(StateStreaming)

	<-ctx.Done()
	return o.stopFeed()
}

// stopFeed stops the live feed with a bounded grace period, detached
// from the already-cancelled run context.
func (o *Orchestrator) stopFeed() error {
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return o.feed.Stop(stopCtx)
}

// stateOrdinals maps states to the gauge values exported for alerting.
var stateOrdinals = map[State]float64{
	StateIdle:            0,
	StateBackfilling:     1,
	StateAwaitingHandoff: 2,
	StateStreaming:       3,
	StateCompleted:       4,
	StateFailed:          5,
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()

	metrics.OrchestratorState.Set(stateOrdinals[s])
	o.logger.Info("orchestrator state change", "from", string(prev), "to", string(s))
}
