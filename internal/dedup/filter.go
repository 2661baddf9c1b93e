package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Logical stream names. Each stream is an independent dedup namespace.
const (
	StreamTrades  = "trades"
	StreamCandles = "candles"
)

// Filter decides whether an incoming event is new or a repeat.
type Filter struct {
	cache  Cache
	logger *slog.Logger

	mu    sync.RWMutex
	stats map[string]*StreamStats
}

// StreamStats counts filter decisions for one stream.
type StreamStats struct {
	Processed  int64
	Duplicates int64
}

// NewFilter creates a Filter over the given cache backend.
func NewFilter(cache Cache, logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Filter{
		cache:  cache,
		logger: logger,
		stats:  make(map[string]*StreamStats),
	}
}

// Admit reports whether the event identified by (stream, key) should be
// forwarded. It returns true exactly once per fingerprint per TTL
// period. A cache backend failure is returned as an error and the event
// is NOT admitted: the caller must retry or halt rather than risk
// forwarding an unprotected duplicate.
func (f *Filter) Admit(ctx context.Context, stream, key string) (bool, error) {
	fp := Fingerprint(stream, key)

	fresh, err := f.cache.Put(ctx, fp)
	if err != nil {
		return false, fmt.Errorf("fingerprint cache put: %w", err)
	}

	f.record(stream, fresh)

	if !fresh {
		f.logger.Debug("duplicate suppressed", "stream", stream, "key", key)
	}
	return fresh, nil
}

// Stats returns per-stream counters.
func (f *Filter) Stats() map[string]StreamStats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make(map[string]StreamStats, len(f.stats))
	for stream, s := range f.stats {
		out[stream] = *s
	}
	return out
}

func (f *Filter) record(stream string, fresh bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.stats[stream]
	if !ok {
		s = &StreamStats{}
		f.stats[stream] = s
	}
	s.Processed++
	if !fresh {
		s.Duplicates++
	}
}
