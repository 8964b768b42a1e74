package capture

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mediagrab/mediagrab/internal/clock/system"
	"github.com/mediagrab/mediagrab/internal/grab"
)

func candidates(url string) []grab.MediaCandidate {
	return []grab.MediaCandidate{{Type: "video", URL: url}}
}

// TestCachePutGet verifies round-tripping and that callers get copies.
func TestCachePutGet(t *testing.T) {
	t.Parallel()

	c := New(4, time.Minute, system.New())
	defer c.Close()

	c.Put("https://example.com/p/1", candidates("https://cdn.example.com/a.mp4"))
	got, ok := c.Get("https://example.com/p/1")
	require.True(t, ok)
	require.Len(t, got, 1)

	// Mutating the returned slice must not touch the cached copy.
	got[0].URL = "tampered"
	again, ok := c.Get("https://example.com/p/1")
	require.True(t, ok)
	require.Equal(t, "https://cdn.example.com/a.mp4", again[0].URL)

	_, ok = c.Get("https://example.com/p/unknown")
	require.False(t, ok)
}

// TestCacheTTLExpiry verifies entries vanish after their TTL.
func TestCacheTTLExpiry(t *testing.T) {
	t.Parallel()

	c := New(4, 40*time.Millisecond, system.New())
	defer c.Close()

	c.Put("https://example.com/p/1", candidates("https://cdn.example.com/a.mp4"))
	_, ok := c.Get("https://example.com/p/1")
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok := c.Get("https://example.com/p/1")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

// TestCacheSweepRemovesAbandonedEntries verifies the janitor clears
// expired entries nobody reads again.
func TestCacheSweepRemovesAbandonedEntries(t *testing.T) {
	t.Parallel()

	c := New(8, 30*time.Millisecond, system.New())
	defer c.Close()

	for i := 0; i < 4; i++ {
		c.Put(fmt.Sprintf("https://example.com/p/%d", i), candidates("https://cdn.example.com/a.mp4"))
	}
	require.Equal(t, 4, c.Len())

	require.Eventually(t, func() bool {
		return c.Len() == 0
	}, time.Second, 10*time.Millisecond)
}

// TestCacheCapacityEviction verifies the soonest-expiring entry makes
// room when the cache is full.
func TestCacheCapacityEviction(t *testing.T) {
	t.Parallel()

	c := New(2, time.Minute, system.New())
	defer c.Close()

	c.Put("https://example.com/p/oldest", candidates("https://cdn.example.com/a.mp4"))
	time.Sleep(time.Millisecond) // distinct expiry stamps
	c.Put("https://example.com/p/second", candidates("https://cdn.example.com/b.mp4"))
	time.Sleep(time.Millisecond)
	c.Put("https://example.com/p/third", candidates("https://cdn.example.com/c.mp4"))

	require.Equal(t, 2, c.Len())
	_, ok := c.Get("https://example.com/p/oldest")
	require.False(t, ok)
	_, ok = c.Get("https://example.com/p/third")
	require.True(t, ok)
}

// TestCacheOverwriteDoesNotEvict verifies refreshing an existing
// locator never displaces a neighbor.
func TestCacheOverwriteDoesNotEvict(t *testing.T) {
	t.Parallel()

	c := New(2, time.Minute, system.New())
	defer c.Close()

	c.Put("https://example.com/p/a", candidates("https://cdn.example.com/a.mp4"))
	c.Put("https://example.com/p/b", candidates("https://cdn.example.com/b.mp4"))
	c.Put("https://example.com/p/a", candidates("https://cdn.example.com/a2.mp4"))

	require.Equal(t, 2, c.Len())
	got, ok := c.Get("https://example.com/p/a")
	require.True(t, ok)
	require.Equal(t, "https://cdn.example.com/a2.mp4", got[0].URL)
	_, ok = c.Get("https://example.com/p/b")
	require.True(t, ok)
}
