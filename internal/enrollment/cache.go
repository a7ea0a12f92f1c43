package enrollment

import (
	"sync"
	"time"
)

const defaultCountTTL = 30 * time.Second

type countEntry struct {
	value     int64
	expiresAt time.Time
}

// CountCache memoizes active-enrollment counts per instance with a short
// TTL. Writers (enrol, unenrol, suspend) invalidate their instance so the
// oracle never serves a count staler than the TTL after a seat change.
type CountCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   func() time.Time
	entries map[int64]countEntry
}

// NewCountCache constructs a cache with the given TTL; a non-positive TTL
// falls back to the default.
func NewCountCache(ttl time.Duration, clock func() time.Time) *CountCache {
	if ttl <= 0 {
		ttl = defaultCountTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &CountCache{
		ttl:     ttl,
		clock:   clock,
		entries: make(map[int64]countEntry),
	}
}

// Get returns the cached count for the instance if present and fresh.
func (c *CountCache) Get(instanceID int64) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[instanceID]
	if !ok {
		return 0, false
	}
	if c.clock().After(entry.expiresAt) {
		delete(c.entries, instanceID)
		return 0, false
	}
	return entry.value, true
}

// Put stores a freshly computed count for the instance.
func (c *CountCache) Put(instanceID, value int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[instanceID] = countEntry{value: value, expiresAt: c.clock().Add(c.ttl)}
}

// Invalidate drops the cached count for the instance.
func (c *CountCache) Invalidate(instanceID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, instanceID)
}
