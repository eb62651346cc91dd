// Package rcache is a bounded, TTL'd, concurrent cache for data fetched
// from the daemon, such as torrent metadata and piece bitfields.
package rcache

import (
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
)

// Stats reports cumulative cache hit/miss counters.
type Stats struct {
	Hits   uint64
	Misses uint64
}

// Cache wraps a ristretto.Cache with a single-TTL stats layer: every
// insert applies the cache's one configured default TTL, and
// hits/misses are tracked independently of ristretto's own internal
// metrics so Stats stays cheap to read.
type Cache[V any] struct {
	inner      *ristretto.Cache
	defaultTTL time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64
}

// Config configures a Cache.
type Config struct {
	// MaxEntries is an approximate cap; ristretto enforces it via cost
	// accounting with a cost of 1 per entry.
	MaxEntries int64
	DefaultTTL time.Duration
}

// DefaultConfig returns the package's baseline sizing: 1000 entries, 300s TTL.
func DefaultConfig() Config {
	return Config{MaxEntries: 1000, DefaultTTL: 300 * time.Second}
}

// New creates a Cache. numCounters is sized at 10x MaxEntries, the
// ratio ristretto's own docs recommend for accurate frequency tracking.
func New[V any](cfg Config) (*Cache[V], error) {
	if cfg.MaxEntries <= 0 {
		cfg = DefaultConfig()
	}
	inner, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.MaxEntries * 10,
		MaxCost:     cfg.MaxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache[V]{inner: inner, defaultTTL: cfg.DefaultTTL}, nil
}

// Get returns the cached value for key, bumping the hit/miss counters.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	v, ok := c.inner.Get(key)
	if !ok {
		c.misses.Add(1)
		return zero, false
	}
	c.hits.Add(1)
	val, ok := v.(V)
	if !ok {
		c.misses.Add(1)
		return zero, false
	}
	return val, true
}

// Insert stores value under key using the cache's configured default TTL.
func (c *Cache[V]) Insert(key string, value V) {
	c.InsertWithTTL(key, value, 0)
}

// InsertWithTTL stores value under key. ttl is ignored; every entry
// uses the cache's single configured default TTL.
func (c *Cache[V]) InsertWithTTL(key string, value V, _ time.Duration) {
	c.inner.SetWithTTL(key, value, 1, c.defaultTTL)
	c.inner.Wait()
}

// Remove evicts key from the cache, if present.
func (c *Cache[V]) Remove(key string) {
	c.inner.Del(key)
}

// Clear empties the cache.
func (c *Cache[V]) Clear() {
	c.inner.Clear()
}

// ContainsKey reports whether key is currently cached, without
// affecting hit/miss counters.
func (c *Cache[V]) ContainsKey(key string) bool {
	_, ok := c.inner.Get(key)
	return ok
}

// Stats returns the cumulative hit/miss counters.
func (c *Cache[V]) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// Close releases the cache's background goroutines.
func (c *Cache[V]) Close() {
	c.inner.Close()
}
