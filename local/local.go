// Package local implements the in-process fast tier (L1).
//
// It is a fixed-capacity, recency-ordered cache with a global maximum entry
// age, built on hashicorp's expirable LRU. Reads refresh recency; a write at
// capacity evicts the least-recently-used entry. Values are stored decoded
// and unencrypted: the tier lives inside the process boundary and dies with
// it, so the at-rest encryption policy of the remote tier does not apply.
package local

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Entry is a decoded value plus the metadata the manager needs to serve
// hits without touching the remote tier.
type Entry struct {
	Value    any
	Category string
	ETag     string
	StoredAt time.Time
}

// EvictFunc observes removals. It runs under the cache's internal lock and
// must not call back into the cache; keep it O(1). It fires for capacity
// and age evictions as well as explicit deletes.
type EvictFunc func(key string, e Entry)

type Config struct {
	Capacity int           // 0 => 1024 entries
	MaxAge   time.Duration // 0 => 5m; upper bound regardless of remote TTL
	OnEvict  EvictFunc     // optional
}

type Cache struct {
	lru *expirable.LRU[string, Entry]
}

func New(cfg Config) *Cache {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 1024
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	var onEvict func(string, Entry)
	if cfg.OnEvict != nil {
		onEvict = func(k string, e Entry) { cfg.OnEvict(k, e) }
	}
	return &Cache{lru: expirable.NewLRU[string, Entry](capacity, onEvict, maxAge)}
}

// Get returns the entry and refreshes its recency.
func (c *Cache) Get(key string) (Entry, bool) {
	return c.lru.Get(key)
}

// Set stores an entry, evicting the least-recently-used one when at capacity.
func (c *Cache) Set(key string, e Entry) {
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now()
	}
	c.lru.Add(key, e)
}

// Delete removes a key. Returns true if it was present.
func (c *Cache) Delete(key string) bool {
	return c.lru.Remove(key)
}

// Keys returns current keys, oldest to newest recency.
func (c *Cache) Keys() []string {
	return c.lru.Keys()
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.lru.Purge()
}
