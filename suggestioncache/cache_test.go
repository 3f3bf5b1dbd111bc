package suggestioncache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPutGetRoundTrip(t *testing.T) {
	c := New(10, time.Minute)
	c.Put("k", "v")

	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestGetMissOnUnknownKey(t *testing.T) {
	c := New(10, time.Minute)
	_, ok := c.Get("missing")
	assert.False(t, ok)
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	c := New(10, 0)
	c.PutWithTTL("k", "v", 10*time.Millisecond)

	_, ok := c.Get("k")
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestZeroTTLNeverExpires(t *testing.T) {
	c := New(10, 0)
	c.Put("k", "v")

	time.Sleep(5 * time.Millisecond)
	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := New(2, 0)
	c.Put("a", 1)
	c.Put("b", 2)

	// touch "a" so "b" becomes the least-recently-used entry
	_, _ = c.Get("a")

	c.Put("c", 3) // should evict "b", not "a"

	_, ok := c.Get("b")
	assert.False(t, ok, "b should have been evicted")

	_, ok = c.Get("a")
	assert.True(t, ok)

	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestRemoveAndClear(t *testing.T) {
	c := New(10, 0)
	c.Put("a", 1)
	c.Put("b", 2)

	c.Remove("a")
	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Clear()
	_, ok = c.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestCleanupExpiredRemovesOnlyExpiredEntries(t *testing.T) {
	c := New(10, 0)
	c.PutWithTTL("short", 1, 5*time.Millisecond)
	c.PutWithTTL("long", 2, time.Hour)

	time.Sleep(15 * time.Millisecond)
	removed := c.CleanupExpired()

	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, c.Stats().Entries)

	_, ok := c.Get("long")
	assert.True(t, ok)
}

func TestStatsTracksHitsMissesAndEvictions(t *testing.T) {
	c := New(1, 0)
	c.Put("a", 1)
	_, _ = c.Get("a")    // hit
	_, _ = c.Get("ghost") // miss
	c.Put("b", 2)        // evicts "a"

	stats := c.Stats()
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
	assert.EqualValues(t, 1, stats.Evictions)
	assert.InDelta(t, 0.5, stats.HitRate, 0.0001)
	assert.Equal(t, int64(stats.Entries)*averageEntryBytes, stats.MemoryBytes)
}

func TestDeriveKeyIsStableAndDistinguishesInputs(t *testing.T) {
	k1 := DeriveKey("commit_message", "abc123", "v1")
	k2 := DeriveKey("commit_message", "abc123", "v1")
	k3 := DeriveKey("commit_message", "abc123", "v2")

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}
