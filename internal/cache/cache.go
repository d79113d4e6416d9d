// ABOUTME: Generic thread-safe TTL cache with per-entry expiry.
// ABOUTME: Instances register with a Registry so one sweeper can clean them all.

package cache

import (
	"sync"
	"time"
)

// entry stores a value together with its absolute expiry time.
type entry[T any] struct {
	value     T
	expiresAt time.Time
}

// Cache is a thread-safe string-keyed cache with per-entry TTLs.
// Expired entries are removed lazily on read and periodically by the
// registry sweeper; a read never returns an expired value.
type Cache[T any] struct {
	mu      sync.RWMutex
	entries map[string]entry[T]

	name     string
	registry *Registry
}

// New creates a cache and registers it with the given registry so the
// background sweeper picks it up. Pass a descriptive name for logging.
func New[T any](registry *Registry, name string) *Cache[T] {
	c := &Cache[T]{
		entries:  make(map[string]entry[T]),
		name:     name,
		registry: registry,
	}
	if registry != nil {
		registry.add(c)
	}
	return c
}

// Name returns the cache's registered name.
func (c *Cache[T]) Name() string { return c.name }

// Set stores a value that becomes unreadable after ttl elapses.
// Overwrites any existing entry for the key.
func (c *Cache[T]) Set(key string, value T, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = entry[T]{value: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// Get returns the value for key if present and unexpired. A miss does not
// distinguish "never set" from "expired"; expired entries are removed on
// the way out.
func (c *Cache[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	ent, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		var zero T
		return zero, false
	}

	if time.Now().After(ent.expiresAt) {
		// Lazy removal. Re-check under the write lock since a concurrent
		// Set may have replaced the entry with a fresh one.
		c.mu.Lock()
		if cur, still := c.entries[key]; still && time.Now().After(cur.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		var zero T
		return zero, false
	}

	return ent.value, true
}

// Delete removes an entry if present and reports whether it existed.
func (c *Cache[T]) Delete(key string) bool {
	c.mu.Lock()
	_, existed := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()
	return existed
}

// Clear removes all entries.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry[T])
	c.mu.Unlock()
}

// Len returns the number of entries, including any not yet swept.
func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// CleanExpired removes every entry whose expiry has passed. Safe to call
// concurrently with Get/Set; an entry may be read once more just before a
// concurrent sweep removes it, which is accepted.
func (c *Cache[T]) CleanExpired() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, ent := range c.entries {
		if now.After(ent.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Close unregisters the cache from its registry and clears it.
func (c *Cache[T]) Close() {
	if c.registry != nil {
		c.registry.remove(c)
	}
	c.Clear()
}
