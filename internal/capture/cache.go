// Package capture holds media references captured during rendering in
// a bounded, TTL-evicting cache.
package capture

import (
	"sync"
	"time"

	"github.com/mediagrab/mediagrab/internal/grab"
)

// Cache maps locators to the media candidates captured for them. Both
// capacity and entry age are bounded; a janitor sweeps expired entries
// so the map never grows with abandoned locators.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]entry
	capacity int
	ttl      time.Duration
	clock    grab.Clock
	stop     chan struct{}
	done     chan struct{}
}

type entry struct {
	candidates []grab.MediaCandidate
	expires    time.Time
}

// New constructs a Cache and starts its sweep loop.
func New(capacity int, ttl time.Duration, clock grab.Clock) *Cache {
	if capacity <= 0 {
		capacity = 128
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	c := &Cache{
		entries:  make(map[string]entry),
		capacity: capacity,
		ttl:      ttl,
		clock:    clock,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Put records candidates for a locator. When the cache is full the
// soonest-expiring entry makes room.
func (c *Cache) Put(locator string, candidates []grab.MediaCandidate) {
	if locator == "" || len(candidates) == 0 {
		return
	}
	cp := make([]grab.MediaCandidate, len(candidates))
	copy(cp, candidates)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[locator]; !exists && len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}
	c.entries[locator] = entry{candidates: cp, expires: c.clock.Now().Add(c.ttl)}
}

// Get returns the live candidates for a locator, if any.
func (c *Cache) Get(locator string) ([]grab.MediaCandidate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[locator]
	if !ok {
		return nil, false
	}
	if !c.clock.Now().Before(e.expires) {
		delete(c.entries, locator)
		return nil, false
	}
	out := make([]grab.MediaCandidate, len(e.candidates))
	copy(out, e.candidates)
	return out, true
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.expires.Before(oldest) {
			oldestKey = k
			oldest = e.expires
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

func (c *Cache) sweepLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
}

// Close stops the sweep loop.
func (c *Cache) Close() {
	close(c.stop)
	<-c.done
}
