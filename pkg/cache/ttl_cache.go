package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// TTLCache is a sharded key/value cache whose entries expire after ttl.
type TTLCache[V any] struct {
	ttl    time.Duration
	now    func() time.Time
	shards [numShards]*shard[V]
}

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]entry[V]
}

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// NewTTLCache creates a cache. ttl <= 0 disables expiry.
func NewTTLCache[V any](ttl time.Duration) *TTLCache[V] {
	c := &TTLCache[V]{ttl: ttl, now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &shard[V]{items: make(map[string]entry[V])}
	}
	return c
}

func (c *TTLCache[V]) getShard(key string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

func (c *TTLCache[V]) expired(e entry[V]) bool {
	return c.ttl > 0 && c.now().Sub(e.storedAt) > c.ttl
}

// Set stores value under key.
func (c *TTLCache[V]) Set(key string, value V) {
	s := c.getShard(key)
	s.mu.Lock()
	s.items[key] = entry[V]{value: value, storedAt: c.now()}
	s.mu.Unlock()
}

// Get returns a live entry.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	s := c.getShard(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok || c.expired(e) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Delete removes key.
func (c *TTLCache[V]) Delete(key string) {
	s := c.getShard(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Len returns total items across all shards, expired ones included.
func (c *TTLCache[V]) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Cleanup drops expired entries and returns how many were removed.
func (c *TTLCache[V]) Cleanup() int {
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if c.expired(e) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
