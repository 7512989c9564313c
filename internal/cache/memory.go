package cache

import (
	"context"
	"sync"
	"time"

	"github.com/spotbot-io/spotbot/internal/bots/model"
)

// memoryEntry holds a cached verdict.
type memoryEntry struct {
	verdict   *model.Verdict
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// MemoryCache is a thread-safe in-process VerdictCache. Entries expire after
// the configured TTL; Run evicts stale entries in the background.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryCache creates a MemoryCache with the given TTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{
		entries: make(map[string]*memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get implements VerdictCache.
func (c *MemoryCache) Get(_ context.Context, addr string) (*model.Verdict, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[addr]
	if !ok || e.expired(c.now()) {
		return nil, false, nil
	}
	v := *e.verdict
	return &v, true, nil
}

// Set implements VerdictCache.
func (c *MemoryCache) Set(_ context.Context, addr string, v *model.Verdict) error {
	cp := *v
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[addr] = &memoryEntry{verdict: &cp, expiresAt: c.now().Add(c.ttl)}
	return nil
}

// Invalidate implements VerdictCache.
func (c *MemoryCache) Invalidate(_ context.Context, addr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, addr)
	return nil
}

// Evict removes all expired entries and returns how many were dropped.
func (c *MemoryCache) Evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of cached entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Run evicts expired entries every interval until ctx is cancelled.
func (c *MemoryCache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Evict()
		}
	}
}
