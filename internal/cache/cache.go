// Package cache is the query cache: fingerprinted artifacts with
// per-query-type TTLs, single-flight compute, bounded size with
// hit-weighted LRU eviction, and invalidation by related capsule id.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/SunFlash12/ForgeV3-sub007/internal/metrics"
	"github.com/SunFlash12/ForgeV3-sub007/pkg/models"
)

// entry is one cached artifact. Removed on first access after ExpiresAt.
type entry struct {
	value      any
	createdAt  time.Time
	expiresAt  time.Time
	lastAccess time.Time
	hits       int
	queryType  QueryType
	related    map[string]bool
	stale      bool // lazy invalidation marker
}

// Options tunes a cache instance.
type Options struct {
	MaxEntries    int
	MaxValueBytes int
	LineageTTL    time.Duration
	SearchTTL     time.Duration
	GeneralTTL    time.Duration
	Strategy      Strategy
	DebounceWin   time.Duration
}

// Cache maps fingerprints to previously computed artifacts.
type Cache struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	opts    Options

	mu      sync.Mutex
	entries map[string]*entry

	sf singleflight.Group

	// debounced-invalidation state
	pendMu  sync.Mutex
	pending map[string]bool
	timer   *time.Timer

	now func() time.Time // swapped in tests
}

// New builds a cache. Zero option fields get safe defaults.
func New(logger *zap.Logger, m *metrics.Metrics, opts Options) *Cache {
	if opts.MaxEntries < 1 {
		opts.MaxEntries = 10000
	}
	if opts.MaxValueBytes < 1 {
		opts.MaxValueBytes = 1 << 20
	}
	if opts.LineageTTL <= 0 {
		opts.LineageTTL = time.Hour
	}
	if opts.SearchTTL <= 0 {
		opts.SearchTTL = 5 * time.Minute
	}
	if opts.GeneralTTL <= 0 {
		opts.GeneralTTL = time.Minute
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyImmediate
	}
	if opts.DebounceWin <= 0 {
		opts.DebounceWin = 2 * time.Second
	}
	return &Cache{
		logger:  logger.Named("cache"),
		metrics: m,
		opts:    opts,
		entries: make(map[string]*entry),
		pending: make(map[string]bool),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (c *Cache) ttlFor(qt QueryType) time.Duration {
	switch qt {
	case QueryLineage:
		return c.opts.LineageTTL
	case QuerySearch:
		return c.opts.SearchTTL
	default:
		return c.opts.GeneralTTL
	}
}

// Get returns a live entry's value by key, or (nil, false) on miss. A read
// past the entry's expiry or of a lazily invalidated entry removes it.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		c.metrics.CacheMisses.Inc()
		return nil, false
	}
	now := c.now()
	if e.stale || now.After(e.expiresAt) {
		delete(c.entries, key)
		c.metrics.CacheMisses.Inc()
		return nil, false
	}
	e.hits++
	e.lastAccess = now
	c.metrics.CacheHits.Inc()
	return e.value, true
}

// Put stores a value under the key. Values above the configured size cap
// are rejected with a CacheError; the caller's compute result is unaffected.
func (c *Cache) Put(key string, value any, qt QueryType, relatedCapsuleIDs []string) error {
	if size := approxSize(value); size > c.opts.MaxValueBytes {
		c.metrics.CacheRejected.Inc()
		return models.NewError(models.KindCacheTooLarge,
			"value of %d bytes exceeds cache cap %d", size, c.opts.MaxValueBytes)
	}
	related := make(map[string]bool, len(relatedCapsuleIDs))
	for _, id := range relatedCapsuleIDs {
		related[id] = true
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry{
		value:      value,
		createdAt:  now,
		expiresAt:  now.Add(c.ttlFor(qt)),
		lastAccess: now,
		queryType:  qt,
		related:    related,
	}
	c.evictLocked()
	return nil
}

// GetOrCompute returns the cached value for the fingerprint, or runs
// compute exactly once per in-flight fingerprint and caches the result.
// Concurrent callers for the same fingerprint all observe the first
// caller's value. A caching failure never fails the compute.
func (c *Cache) GetOrCompute(ctx context.Context, key string, qt QueryType,
	relatedCapsuleIDs []string, compute func(ctx context.Context) (any, error)) (any, error) {

	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.sf.Do(key, func() (any, error) {
		// Re-check under the flight: a racing caller may have filled the
		// entry between our miss and the flight starting.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if cacheErr := c.Put(key, v, qt, relatedCapsuleIDs); cacheErr != nil {
			c.logger.Debug("result not cached", zap.String("key", key), zap.Error(cacheErr))
		}
		return v, nil
	})
	return v, err
}

// evictLocked removes entries until the count bound holds: the least
// recently used entry goes first, with hit count breaking ties.
func (c *Cache) evictLocked() {
	for len(c.entries) > c.opts.MaxEntries {
		var victim string
		var victimEntry *entry
		for key, e := range c.entries {
			if victimEntry == nil ||
				e.lastAccess.Before(victimEntry.lastAccess) ||
				(e.lastAccess.Equal(victimEntry.lastAccess) && e.hits < victimEntry.hits) {
				victim, victimEntry = key, e
			}
		}
		delete(c.entries, victim)
		c.metrics.CacheEvictions.Inc()
	}
}

// ActiveStrategy reports the configured invalidation strategy. Callers on
// mutation paths use it to invalidate inline when the strategy is immediate.
func (c *Cache) ActiveStrategy() Strategy { return c.opts.Strategy }

// Stats is the cache's observable state for the API surface.
type Stats struct {
	Entries  int    `json:"entries"`
	MaxSize  int    `json:"max_size"`
	Strategy string `json:"strategy"`
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: len(c.entries), MaxSize: c.opts.MaxEntries, Strategy: string(c.opts.Strategy)}
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

// approxSize estimates a value's cached footprint via its JSON encoding.
func approxSize(v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		// Unencodable values still occupy memory; treat them as small
		// rather than rejecting, the cap is a guard not an accountant.
		return 64
	}
	return len(data)
}
