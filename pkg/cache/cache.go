package cache

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 1024

// Stats holds cache statistics.
type Stats struct {
	Hits      int64 // Number of cache hits
	Misses    int64 // Number of cache misses
	Size      int   // Current number of entries
	Capacity  int   // Maximum capacity
	Evictions int64 // Entries dropped to make room
}

// Cache is a threadsafe LRU with TTL support. Values are shared, not
// copied; callers must not mutate what they store or get back.
type Cache[K comparable, V any] struct {
	lru       *expirable.LRU[K, V]
	capacity  int
	ttl       time.Duration
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	closed    atomic.Bool
}

// New returns a cache with given capacity and ttl. A zero ttl disables
// expiry.
func New[K comparable, V any](capacity int, ttl time.Duration) *Cache[K, V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache[K, V]{
		lru:      expirable.NewLRU[K, V](capacity, nil, ttl),
		capacity: capacity,
		ttl:      ttl,
	}
}

// Get retrieves a value if present and not expired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// Set inserts or updates a cache entry. It is a no-op after Close.
func (c *Cache[K, V]) Set(key K, value V) {
	if c.closed.Load() {
		return
	}
	if c.lru.Add(key, value) {
		c.evictions.Add(1)
	}
}

// Delete removes a key if present.
func (c *Cache[K, V]) Delete(key K) {
	c.lru.Remove(key)
}

// DeleteFunc removes every key for which match returns true.
func (c *Cache[K, V]) DeleteFunc(match func(K) bool) {
	for _, k := range c.lru.Keys() {
		if match(k) {
			c.lru.Remove(k)
		}
	}
}

// Clear removes all entries.
func (c *Cache[K, V]) Clear() {
	c.lru.Purge()
}

// Stats returns current cache statistics.
func (c *Cache[K, V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Size:      c.lru.Len(),
		Capacity:  c.capacity,
		Evictions: c.evictions.Load(),
	}
}

// Size returns the current number of entries in the cache.
func (c *Cache[K, V]) Size() int {
	return c.lru.Len()
}

// Close drops all entries and turns further Sets into no-ops. It's safe to
// call Close multiple times.
// TODO: stop the expiry goroutine once golang-lru exposes a way to do so.
func (c *Cache[K, V]) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.lru.Purge()
	}
	return nil
}
