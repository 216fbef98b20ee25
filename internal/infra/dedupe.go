// Package infra holds small shared concurrency utilities used across the
// gateway: the dedup cache, bounded worker pools, and ring buffers.
package infra

import (
	"sync"
	"time"
)

// DedupeCache is a thread-safe fingerprint cache with a freshness window
// and a hard size cap. A key is a duplicate while it was seen within the
// window; when the cap is exceeded, entries older than the window are
// evicted in bulk.
type DedupeCache struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	window  time.Duration
	maxSize int

	now func() time.Time // test seam
}

// NewDedupeCache creates a dedup cache. Window and maxSize fall back to
// 30s and 1000 when non-positive.
func NewDedupeCache(window time.Duration, maxSize int) *DedupeCache {
	if window <= 0 {
		window = 30 * time.Second
	}
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &DedupeCache{
		seen:    make(map[string]time.Time),
		window:  window,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Seen reports whether key was recorded within the window, recording it
// either way. This is an atomic check-and-set.
func (c *DedupeCache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if ts, ok := c.seen[key]; ok && now.Sub(ts) < c.window {
		return true
	}

	if len(c.seen) >= c.maxSize {
		c.evictStaleLocked(now)
	}
	c.seen[key] = now
	return false
}

// Check reports whether key is fresh without recording it.
func (c *DedupeCache) Check(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts, ok := c.seen[key]
	return ok && c.now().Sub(ts) < c.window
}

// Forget drops a key, allowing an immediate resubmission.
func (c *DedupeCache) Forget(key string) {
	c.mu.Lock()
	delete(c.seen, key)
	c.mu.Unlock()
}

// Size returns the number of tracked fingerprints, stale ones included.
func (c *DedupeCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// evictStaleLocked removes every entry older than the window. If nothing
// is stale the single oldest entry goes, so the cap holds regardless.
func (c *DedupeCache) evictStaleLocked(now time.Time) {
	var oldestKey string
	var oldestTS time.Time
	removed := 0

	for key, ts := range c.seen {
		if now.Sub(ts) >= c.window {
			delete(c.seen, key)
			removed++
			continue
		}
		if oldestKey == "" || ts.Before(oldestTS) {
			oldestKey = key
			oldestTS = ts
		}
	}

	if removed == 0 && oldestKey != "" {
		delete(c.seen, oldestKey)
	}
}
