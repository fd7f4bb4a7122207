package cache

import (
	"sync"
	"time"
)

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache is an arena keyed by wallet address with an explicit expiry per
// entry. Expiry is checked on lookup and expired entries are dropped by Sweep.
// Values are handed out by copy, so a sweep never invalidates a value a
// concurrent reader already holds.
type TTLCache[V any] struct {
	mu         sync.RWMutex
	entries    map[string]ttlEntry[V]
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// NewTTLCache creates a cache. maxEntries <= 0 means unbounded.
func NewTTLCache[V any](ttl time.Duration, maxEntries int) *TTLCache[V] {
	return &TTLCache[V]{
		entries:    make(map[string]ttlEntry[V]),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// SetClock overrides the time source (tests).
func (c *TTLCache[V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get returns the value if present and unexpired.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value with the default TTL.
func (c *TTLCache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, c.now().Add(c.ttl))
}

// SetWithExpiry stores value with an explicit expiry.
func (c *TTLCache[V]) SetWithExpiry(key string, value V, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, expiresAt)
}

// Update performs an atomic read-modify-write. fn receives the current
// unexpired value (ok=false if none) and returns the value to store.
// Returning keep=false leaves the entry untouched.
func (c *TTLCache[V]) Update(key string, fn func(current V, ok bool) (next V, keep bool)) V {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e, ok := c.entries[key]
	if ok && !now.Before(e.expiresAt) {
		ok = false
	}
	next, keep := fn(e.value, ok)
	if !keep {
		return e.value
	}
	c.setLocked(key, next, now.Add(c.ttl))
	return next
}

func (c *TTLCache[V]) setLocked(key string, value V, expiresAt time.Time) {
	if _, exists := c.entries[key]; !exists && c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.sweepLocked()
		if len(c.entries) >= c.maxEntries {
			c.evictSoonestLocked()
		}
	}
	c.entries[key] = ttlEntry[V]{value: value, expiresAt: expiresAt}
}

// evictSoonestLocked drops the entry closest to expiry.
func (c *TTLCache[V]) evictSoonestLocked() {
	var victim string
	var soonest time.Time
	for k, e := range c.entries {
		if victim == "" || e.expiresAt.Before(soonest) {
			victim, soonest = k, e.expiresAt
		}
	}
	if victim != "" {
		delete(c.entries, victim)
	}
}

// Delete removes a key.
func (c *TTLCache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Sweep removes expired entries and returns how many were dropped.
func (c *TTLCache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked()
}

func (c *TTLCache[V]) sweepLocked() int {
	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired or not.
func (c *TTLCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Snapshot returns a copy of all unexpired entries.
func (c *TTLCache[V]) Snapshot() map[string]V {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	out := make(map[string]V, len(c.entries))
	for k, e := range c.entries {
		if now.Before(e.expiresAt) {
			out[k] = e.value
		}
	}
	return out
}
