package kline

import (
	"context"
	"fmt"
	"sync"
)

// minCacheCap is the floor cacheCap is clamped to.
const minCacheCap = 50

// Cache is the in-memory series cache. It is process-wide
// state with an explicit lifecycle: construct with NewCache, wipe with
// Clear. It performs no I/O except through Preload and makes no durability
// guarantees of its own — the Store behind Preload owns durability.
//
// Reads never block: the map is protected by an RWMutex and entries are
// replaced wholesale (copy-on-write), so a reader either sees the old
// *Series or the new one, never a torn one.
type Cache struct {
	mu       sync.RWMutex
	series   map[Key]*Series
	store    Store
	cacheCap int
}

// NewCache constructs a cache backed by store, with a default preload
// capacity of cacheCap (bounded below by minCacheCap).
func NewCache(store Store, cacheCap int) *Cache {
	if cacheCap < minCacheCap {
		cacheCap = minCacheCap
	}
	return &Cache{
		series:   make(map[Key]*Series),
		store:    store,
		cacheCap: cacheCap,
	}
}

// GetSeries returns the cached series for key, or nil if absent.
func (c *Cache) GetSeries(key Key) *Series {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.series[key]
}

// GetCloses returns the close prices for key, or an empty slice if absent.
func (c *Cache) GetCloses(key Key) []float64 {
	s := c.GetSeries(key)
	if s == nil {
		return nil
	}
	return s.Closes
}

// PreloadOptions configures a single Preload call.
type PreloadOptions struct {
	// MaxCandles caps how many of the most recent candles are loaded; if
	// zero, the cache's configured cacheCap is used.
	MaxCandles int
}

// Preload fetches min(cacheCap, maxCandles) of the most recent candles for
// key from the store, oldest-first, and atomically replaces any existing
// cache entry. A failed preload leaves any existing entry untouched and
// returns the error.
func (c *Cache) Preload(ctx context.Context, key Key, opts PreloadOptions) (*Series, error) {
	limit := c.cacheCap
	if opts.MaxCandles > 0 && opts.MaxCandles < limit {
		limit = opts.MaxCandles
	}

	candles, err := c.store.RecentCandles(ctx, key, limit)
	if err != nil {
		return nil, fmt.Errorf("kline: preload %s: %w", key, err)
	}

	series := NewSeries(key, candles)
	if !series.StrictlyAscending() {
		return nil, fmt.Errorf("kline: preload %s: store returned non-ascending open times", key)
	}

	c.mu.Lock()
	c.series[key] = series
	c.mu.Unlock()

	return series, nil
}

// Clear wipes all cached entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.series = make(map[Key]*Series)
}
