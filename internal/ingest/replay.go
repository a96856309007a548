package ingest

import (
	"sync"
	"time"
)

// replayCache remembers envelope keys until their timestamps fall out of
// the freshness window, after which signature verification rejects them
// as stale on its own.
type replayCache struct {
	mu      sync.Mutex
	entries map[string]time.Time // key -> expiry
	max     int
}

func newReplayCache(capacity int) *replayCache {
	if capacity <= 0 {
		capacity = 100000
	}
	return &replayCache{entries: make(map[string]time.Time), max: capacity}
}

// reserve claims key until expiry. It returns false if the key is already
// held.
func (c *replayCache) reserve(key string, expiry, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if exp, ok := c.entries[key]; ok && now.Before(exp) {
		return false
	}
	if len(c.entries) >= c.max {
		c.purge(now)
	}
	c.entries[key] = expiry
	return true
}

// release drops a reservation so the envelope can be retried.
func (c *replayCache) release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// purge removes expired entries, then the soonest-expiring one if the
// cache is still full. Caller holds c.mu.
func (c *replayCache) purge(now time.Time) {
	for k, exp := range c.entries {
		if !now.Before(exp) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) < c.max {
		return
	}
	var victim string
	var soonest time.Time
	for k, exp := range c.entries {
		if victim == "" || exp.Before(soonest) {
			victim, soonest = k, exp
		}
	}
	delete(c.entries, victim)
}

func (c *replayCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
