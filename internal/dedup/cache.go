package dedup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rfontaine/kraken-ingest/internal/metrics"
)

// Cache is a TTL-bounded store of seen fingerprints.
type Cache interface {
	// Put atomically records a fingerprint. It returns true if the
	// fingerprint was not present (the event is new), false if a live
	// entry already exists (the event is a duplicate).
	Put(ctx context.Context, fingerprint string) (bool, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases resources and stops background eviction.
	Close() error
}

const memShardCount = 64

// entry tracks a seen fingerprint.
type entry struct {
	firstSeen time.Time
	expiresAt time.Time
}

type memShard struct {
	mu      sync.Mutex
	entries map[string]entry
}

// MemoryCache is an in-process Cache with sharded locking and periodic
// background eviction. Memory is O(distinct fingerprints within TTL).
type MemoryCache struct {
	ttl    time.Duration
	shards [memShardCount]*memShard
	logger *slog.Logger

	stop chan struct{}
	wg   sync.WaitGroup

	closeOnce sync.Once
}

// NewMemoryCache creates a memory cache and starts its eviction loop.
// The loop stops when Close is called; no eviction runs after teardown.
func NewMemoryCache(ttl, cleanupInterval time.Duration, logger *slog.Logger) *MemoryCache {
	if logger == nil {
		logger = slog.Default()
	}

	c := &MemoryCache{
		ttl:    ttl,
		logger: logger,
		stop:   make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &memShard{entries: make(map[string]entry)}
	}

	c.wg.Add(1)
	go c.evictLoop(cleanupInterval)

	return c
}

// Put records a fingerprint. An expired entry counts as absent.
func (c *MemoryCache) Put(_ context.Context, fingerprint string) (bool, error) {
	now := time.Now()
	shard := c.shards[shardIndex(fingerprint, memShardCount)]

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if e, ok := shard.entries[fingerprint]; ok && now.Before(e.expiresAt) {
		return false, nil
	}

	shard.entries[fingerprint] = entry{
		firstSeen: now,
		expiresAt: now.Add(c.ttl),
	}
	return true, nil
}

// Ping always succeeds for the in-process backend.
func (c *MemoryCache) Ping(_ context.Context) error { return nil }

// Close stops the eviction loop.
func (c *MemoryCache) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
	})
	c.wg.Wait()
	return nil
}

// Size returns the number of live entries across all shards.
func (c *MemoryCache) Size() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.Lock()
		total += len(shard.entries)
		shard.mu.Unlock()
	}
	return total
}

// EvictExpired removes entries whose TTL has passed as of now and
// returns the number removed.
func (c *MemoryCache) EvictExpired(now time.Time) int {
	evicted := 0
	for _, shard := range c.shards {
		shard.mu.Lock()
		for fp, e := range shard.entries {
			if !now.Before(e.expiresAt) {
				delete(shard.entries, fp)
				evicted++
			}
		}
		shard.mu.Unlock()
	}
	return evicted
}

// evictLoop runs EvictExpired on a fixed interval until Close.
func (c *MemoryCache) evictLoop(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if n := c.EvictExpired(time.Now()); n > 0 {
				c.logger.Debug("evicted expired fingerprints", "count", n)
			}
			metrics.DedupCacheSize.Set(float64(c.Size()))
		}
	}
}
