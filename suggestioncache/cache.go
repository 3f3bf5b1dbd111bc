// Package suggestioncache implements the runtime's suggestion cache
// (spec §4.8): a bounded, multi-key store with both an LRU eviction policy
// and a per-entry TTL. Grounded on the teacher's cache.RenderCache
// (cache/cache.go) — a single-entry, dirty-flag cache keyed implicitly by
// (width, height) — generalized here to arbitrary string keys, many
// entries, and expiry instead of a single invalidate-on-write flag.
package suggestioncache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// entry is the value stored in the cache, plus the bookkeeping needed to
// expire and evict it.
type entry struct {
	key       string
	value     any
	expiresAt time.Time // zero means no expiry
	elem      *list.Element
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries     int
	Hits        int64
	Misses      int64
	Evictions   int64
	Expirations int64
	HitRate     float64 // Hits / (Hits+Misses), 0 when there have been no lookups
	MemoryBytes int64   // rough estimate, entries*averageEntryBytes
}

// Cache is a TTL+LRU suggestion cache. The recency list is an explicit
// container/list doubly-linked list (stdlib — see DESIGN.md for why no
// pack dependency fits this single-process bounded cache shape any better).
// The zero value is not usable; build one with New.
type Cache struct {
	mu         sync.Mutex
	maxEntries int
	defaultTTL time.Duration

	ll      *list.List // front = most recently used
	entries map[string]*entry

	hits, misses, evictions, expirations int64
}

// New builds a Cache bounded to maxEntries (<=0 means unbounded) with
// defaultTTL applied to Put calls that don't specify their own (a TTL of 0
// means "never expires").
func New(maxEntries int, defaultTTL time.Duration) *Cache {
	return &Cache{
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
		ll:         list.New(),
		entries:    make(map[string]*entry),
	}
}

// DeriveKey hashes parts into a stable hex digest via crypto/sha256, per
// spec §4.8's key-derivation guidance: suggestion keys are built from the
// task kind, a content fingerprint, and any relevant agent version so a
// changed agent never serves a stale suggestion under the old key.
func DeriveKey(parts ...any) string {
	h := sha256.New()
	for _, p := range parts {
		fmt.Fprintf(h, "%v\x00", p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached value for key and true, or (nil, false) on a miss
// or an expired entry. An expired entry is evicted as part of the lookup.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}

	if e.expired(time.Now()) {
		c.removeLocked(e)
		c.expirations++
		c.misses++
		return nil, false
	}

	c.ll.MoveToFront(e.elem)
	c.hits++
	return e.value, true
}

// Put stores value under key with the cache's defaultTTL.
func (c *Cache) Put(key string, value any) {
	c.PutWithTTL(key, value, c.defaultTTL)
}

// PutWithTTL stores value under key with an explicit TTL (0 means it never
// expires). If the cache is at capacity, the least-recently-used entry is
// evicted to make room.
func (c *Cache) PutWithTTL(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	if e, ok := c.entries[key]; ok {
		e.value = value
		e.expiresAt = expiresAt
		c.ll.MoveToFront(e.elem)
		return
	}

	e := &entry{key: key, value: value, expiresAt: expiresAt}
	e.elem = c.ll.PushFront(e)
	c.entries[key] = e

	if c.maxEntries > 0 && len(c.entries) > c.maxEntries {
		c.evictOldest()
	}
}

// evictOldest removes the least-recently-used entry. Caller must hold c.mu.
func (c *Cache) evictOldest() {
	back := c.ll.Back()
	if back == nil {
		return
	}
	c.removeLocked(back.Value.(*entry))
	c.evictions++
}

// removeLocked drops e from both the list and the map. Caller must hold c.mu.
func (c *Cache) removeLocked(e *entry) {
	c.ll.Remove(e.elem)
	delete(c.entries, e.key)
}

// Remove drops key from the cache, if present.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
}

// Clear empties the cache without resetting its counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ll.Init()
	c.entries = make(map[string]*entry)
}

// CleanupExpired scans every entry and evicts those whose TTL has passed,
// returning the number removed. Intended to be run periodically from a
// background goroutine so expired entries don't linger in memory purely
// because nothing happened to Get() them.
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for _, e := range c.entries {
		if e.expired(now) {
			c.removeLocked(e)
			c.expirations++
			removed++
		}
	}
	return removed
}

// averageEntryBytes is a rough per-entry overhead estimate (key string
// header, value interface header, list.Element, map bucket slot) used by
// Stats to report MemoryBytes without walking entry payloads, which can be
// arbitrary application values of unknown size.
const averageEntryBytes = 256

// Stats returns a snapshot of the cache's current size and lifetime
// counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var hitRate float64
	if total := c.hits + c.misses; total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}

	return Stats{
		Entries:     len(c.entries),
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		HitRate:     hitRate,
		MemoryBytes: int64(len(c.entries)) * averageEntryBytes,
	}
}

// RunCleanupLoop runs CleanupExpired every interval until stop is closed.
// Callers typically launch this with `go c.RunCleanupLoop(interval, stopCh)`
// at startup.
func (c *Cache) RunCleanupLoop(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CleanupExpired()
		case <-stop:
			return
		}
	}
}
