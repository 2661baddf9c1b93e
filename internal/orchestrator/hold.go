package orchestrator

import (
	"sync"

	"github.com/rfontaine/kraken-ingest/internal/model"
	"github.com/rfontaine/kraken-ingest/internal/pipeline"
)

// TradeSink is where trades ultimately go. Satisfied by
// *pipeline.Buffer[model.Trade].
type TradeSink interface {
	Send(model.Trade) bool
}

// HoldingSink parks trades in an internal buffer until Release is
// called, then forwards them (and everything after) to the destination
// in arrival order. It is the live feed's sink during a parallel
// handoff: the feed connects early so no trades are missed, but nothing
// reaches the pipeline until the backfill has finished.
type HoldingSink struct {
	dst  TradeSink
	hold *pipeline.Buffer[model.Trade]

	mu       sync.Mutex
	released bool
}

// NewHoldingSink creates a sink holding trades away from dst.
func NewHoldingSink(dst TradeSink, capacity int) *HoldingSink {
	return &HoldingSink{
		dst:  dst,
		hold: pipeline.NewBuffer[model.Trade](capacity),
	}
}

// Send parks or forwards a trade depending on release state.
func (h *HoldingSink) Send(trade model.Trade) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return h.dst.Send(trade)
	}
	return h.hold.Send(trade)
}

// Release drains held trades into the destination and forwards all
// subsequent sends directly. Order is preserved: the mutex keeps new
// sends out until the drain completes.
func (h *HoldingSink) Release() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return 0
	}

	drained := h.hold.DrainTo(0)
	for _, trade := range drained {
		h.dst.Send(trade)
	}
	h.hold.Close()
	h.released = true
	return len(drained)
}

// Held reports how many trades are currently parked.
func (h *HoldingSink) Held() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return 0
	}
	return h.hold.Len()
}
