// Package dedup decides whether an inbound event has already been processed.
// The cache is never persisted: it is rebuilt empty on every process start
// so that stale fingerprints can never block the replayed events needed to
// reconstruct state after a reload.
package dedup

import (
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/flowdeck/flowdeck/internal/relayprotocol"
)

const (
	// DefaultTTL is how long a processed fingerprint suppresses re-delivery.
	DefaultTTL = 5 * time.Minute
	// DefaultMaxEntries bounds the cache independently of the TTL.
	DefaultMaxEntries = 1000
)

// Cache is a bounded, time-windowed set of event fingerprints.
type Cache struct {
	mu      sync.Mutex
	entries *lru.Cache[string, time.Time]
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a Cache. Non-positive ttl or maxEntries fall back to defaults.
func New(ttl time.Duration, maxEntries int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	c := &Cache{ttl: ttl, maxSize: maxEntries, now: time.Now}
	c.entries, _ = lru.New[string, time.Time](maxEntries)
	return c
}

// IsDuplicate computes the event's fingerprint and checks membership in the
// time-windowed set. If absent it records the fingerprint and returns false;
// if present and fresh it returns true.
func (c *Cache) IsDuplicate(msgType string, ev *relayprotocol.Event) bool {
	return c.Seen(relayprotocol.Fingerprint(msgType, ev))
}

// Seen checks and records a raw fingerprint.
func (c *Cache) Seen(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entries == nil {
		// Degraded store. Fail open: losing a dedup opportunity beats
		// losing events.
		log.Printf("dedup: cache store missing, reinitializing")
		c.entries, _ = lru.New[string, time.Time](c.maxSize)
		c.entries.Add(fingerprint, c.now())
		return false
	}

	if storedAt, ok := c.entries.Get(fingerprint); ok {
		if c.now().Sub(storedAt) < c.ttl {
			return true
		}
		// Expired, evict so the LRU bookkeeping stays clean.
		c.entries.Remove(fingerprint)
	}

	c.entries.Add(fingerprint, c.now())
	return false
}

// Sweep purges entries older than the TTL. Eviction is otherwise lazy on
// lookup; the maintenance scheduler calls Sweep so idle runs do not pin a
// full window of fingerprints.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entries == nil {
		return 0
	}

	removed := 0
	for _, key := range c.entries.Keys() {
		storedAt, ok := c.entries.Peek(key)
		if ok && c.now().Sub(storedAt) >= c.ttl {
			c.entries.Remove(key)
			removed++
		}
	}
	return removed
}

// Len returns the number of cached fingerprints, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		return 0
	}
	return c.entries.Len()
}

// Reset discards all cached fingerprints.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries, _ = lru.New[string, time.Time](c.maxSize)
}
