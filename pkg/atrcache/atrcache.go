// Package atrcache provides a small bounded LRU over decoded ATR
// documents, pulled into the domain stack from the rest of the example
// pack (estuary-flow's go.mod carries hashicorp/golang-lru/v2). The
// get-multi orchestrator re-reads the same ATR documents repeatedly
// within a read-skew window; caching the decoded form avoids re-parsing
// on every hit while a TTL bounds how stale a cached copy can get. The
// lost-attempts cleaner does not use this cache.
package atrcache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Key identifies a cached ATR document.
type Key struct {
	Keyspace string
	ATRID    string
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a bounded, TTL-aware LRU keyed by (keyspace, atr id).
type Cache[V any] struct {
	mu  sync.Mutex
	lru *lru.Cache[Key, entry[V]]
	ttl time.Duration
}

// New builds a cache holding at most size entries, each valid for ttl
// after insertion.
func New[V any](size int, ttl time.Duration) (*Cache[V], error) {
	l, err := lru.New[Key, entry[V]](size)
	if err != nil {
		return nil, err
	}
	return &Cache[V]{lru: l, ttl: ttl}, nil
}

// Get returns the cached value if present and not expired.
func (c *Cache[V]) Get(key Key) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	e, ok := c.lru.Get(key)
	if !ok {
		return zero, false
	}
	if time.Now().After(e.expiresAt) {
		c.lru.Remove(key)
		return zero, false
	}
	return e.value, true
}

// Put inserts or replaces the cached value for key, resetting its TTL.
func (c *Cache[V]) Put(key Key, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, entry[V]{value: value, expiresAt: time.Now().Add(c.ttl)})
}

// Invalidate removes key. Nothing in this module calls it; cached
// entries otherwise leave only by TTL expiry or LRU eviction.
func (c *Cache[V]) Invalidate(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// Len reports the number of entries currently cached (including any
// not-yet-expired-but-stale ones).
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
