package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type memoryItem struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is an in-process cache with the same semantics as RedisCache
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	ttl   time.Duration
	now   func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// NewMemoryCache creates a memory cache; ttl <= 0 never expires entries
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{items: make(map[string]memoryItem), ttl: ttl, now: time.Now}
}

func (c *MemoryCache) Get(ctx context.Context, hash string) (*Entry, bool, error) {
	c.mu.RLock()
	item, ok := c.items[hash]
	c.mu.RUnlock()

	if !ok || (!item.expiresAt.IsZero() && c.now().After(item.expiresAt)) {
		c.misses.Add(1)
		return nil, false, nil
	}

	// Entries are stored encoded so callers never share maps
	var entry Entry
	if err := json.Unmarshal(item.data, &entry); err != nil {
		c.misses.Add(1)
		return nil, false, nil
	}
	c.hits.Add(1)
	return &entry, true, nil
}

func (c *MemoryCache) Set(ctx context.Context, hash string, entry *Entry) error {
	entry.CachedAt = c.now().UTC()
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal analysis for caching: %w", err)
	}

	item := memoryItem{data: data}
	if c.ttl > 0 {
		item.expiresAt = c.now().Add(c.ttl)
	}

	c.mu.Lock()
	c.items[hash] = item
	c.mu.Unlock()
	return nil
}

// Evict drops expired entries and returns how many were removed
func (c *MemoryCache) Evict() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, item := range c.items {
		if !item.expiresAt.IsZero() && now.After(item.expiresAt) {
			delete(c.items, k)
			removed++
		}
	}
	return removed
}

func (c *MemoryCache) GetStats(ctx context.Context) (*Stats, error) {
	c.mu.RLock()
	keys := len(c.items)
	var size int64
	for _, item := range c.items {
		size += int64(len(item.data))
	}
	c.mu.RUnlock()

	stats := &Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		TotalKeys:   int64(keys),
		MemoryUsage: size,
	}
	stats.HitRate = hitRate(stats.Hits, stats.Misses)
	return stats, nil
}

func (c *MemoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.items = make(map[string]memoryItem)
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Close() error {
	return nil
}
