package pricing

import (
	"context"
	"sync"
	"time"

	"github.com/samber/mo"
)

// DefaultCacheTTL is how long a resolved price is served from cache.
const DefaultCacheTTL = 5 * time.Minute

// Cache stores resolved prices keyed by "model:provider". Entries are derived
// values, so writes are last-writer-wins and stale reads up to the TTL are
// acceptable.
type Cache interface {
	Get(ctx context.Context, key string) mo.Option[Pricing]
	Set(ctx context.Context, key string, p Pricing)
	Delete(ctx context.Context, key string)
}

type cacheEntry struct {
	pricing  Pricing
	storedAt time.Time
}

// MemoryCache is an in-process TTL cache with an injectable clock.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time // injectable clock for testing
}

// NewMemoryCache creates a MemoryCache. A non-positive ttl uses DefaultCacheTTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &MemoryCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the entry for key if it is younger than the TTL.
func (c *MemoryCache) Get(_ context.Context, key string) mo.Option[Pricing] {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.now().Sub(e.storedAt) >= c.ttl {
		return mo.None[Pricing]()
	}
	return mo.Some(e.pricing)
}

// Set stores p under key, stamped with the current time.
func (c *MemoryCache) Set(_ context.Context, key string, p Pricing) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{pricing: p, storedAt: c.now()}
	c.mu.Unlock()
}

// Delete drops key.
func (c *MemoryCache) Delete(_ context.Context, key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the number of stored entries, fresh or not.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
