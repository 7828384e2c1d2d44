// Package cache provides caching implementations for the inference gateway.
//
// Two backends are available:
//   - ExactCache  — Redis-backed, recommended for multi-replica deployments.
//   - MemoryCache — in-process bounded LRU, zero external dependencies.
//     Ideal for single-instance deployments or local development.
//
// Both implement the Cache interface so they are fully interchangeable.
package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultCapacity is the default number of entries a MemoryCache holds
// before evicting the least recently used one.
const DefaultCapacity = 1024

// sweepTTL bounds how long the underlying LRU retains an entry regardless of
// its application-level expiry; it exists only as a backstop against
// unbounded growth from callers that never read a key back, since the
// library enforces a single TTL for the whole cache but responses carry
// their own per-entry ttl checked in Get.
const sweepTTL = 24 * time.Hour

type memItem struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is a bounded, in-process LRU cache with per-entry TTL.
//
// It is safe for concurrent use. Use this backend when Redis is not
// available — for local development, single-instance deployments, or
// integration tests. For distributed (multi-replica) deployments use
// ExactCache (Redis) instead so that all replicas share one cache.
type MemoryCache struct {
	lru *lru.LRU[string, memItem]
}

// NewMemoryCache creates a MemoryCache holding up to capacity entries.
// A non-positive capacity falls back to DefaultCapacity.
func NewMemoryCache(capacity int) *MemoryCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryCache{lru: lru.NewLRU[string, memItem](capacity, nil, sweepTTL)}
}

// Get returns the cached value for key. Returns (nil, false) on a miss or if
// the entry has expired. Expired entries are removed lazily on access.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	item, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if time.Now().After(item.expiresAt) {
		c.lru.Remove(key)
		return nil, false
	}
	return item.data, true
}

// Set stores value under key for the duration of ttl.
// A zero or negative ttl is treated as a 1-hour TTL.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	c.lru.Add(key, memItem{data: value, expiresAt: time.Now().Add(ttl)})
	return nil
}

// Delete removes key from the cache. Returns nil if the key did not exist.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.lru.Remove(key)
	return nil
}

// Len returns the number of entries currently held in the cache
// (including entries that may have expired but not yet been evicted).
func (c *MemoryCache) Len() int {
	return c.lru.Len()
}

// Close purges all entries. The expirable LRU's background expiry goroutine
// is not stopped by Close.
func (c *MemoryCache) Close() {
	c.lru.Purge()
}
