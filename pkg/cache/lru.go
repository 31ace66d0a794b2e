// Package cache provides a size-bounded LRU cache with per-entry expiry.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRU is a thread-safe LRU cache whose entries expire after ttl
type LRU[K comparable, V any] struct {
	mu     sync.Mutex
	cache  *lru.Cache[K, entry[V]]
	ttl    time.Duration
	now    func() time.Time
	hits   uint64
	misses uint64
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// New creates a cache holding at most size entries. A zero ttl never expires.
func New[K comparable, V any](size int, ttl time.Duration) (*LRU[K, V], error) {
	c, err := lru.New[K, entry[V]](size)
	if err != nil {
		return nil, err
	}
	return &LRU[K, V]{cache: c, ttl: ttl, now: time.Now}, nil
}

// Get returns the cached value when present and not expired
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.cache.Get(key)
	if ok && c.ttl > 0 && c.now().After(e.expiresAt) {
		c.cache.Remove(key)
		ok = false
	}
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	return e.value, true
}

// Set stores value under key
func (c *LRU[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := entry[V]{value: value}
	if c.ttl > 0 {
		e.expiresAt = c.now().Add(c.ttl)
	}
	c.cache.Add(key, e)
}

// Purge drops every entry
func (c *LRU[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
}

// Len returns the number of entries, expired ones included
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}

// HitRatio returns hits / (hits + misses), or 0 before the first lookup
func (c *LRU[K, V]) HitRatio() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}
