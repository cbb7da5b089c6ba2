package upstream

import (
	"sync"
	"time"
)

// DefaultToolCacheTTL bounds how long a server's discovered tool list
// is reused without a fresh tools/list.
const DefaultToolCacheTTL = 300 * time.Second

// ToolCacheStats is a snapshot of the upstream tool cache counters.
type ToolCacheStats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Invalidations int64 `json:"invalidations"`
	Servers       int   `json:"servers"`
}

type toolCacheEntry struct {
	tools    []Tool
	cachedAt time.Time
}

// ToolCache is a per-server TTL cache of upstream tool lists,
// consulted by discovery fan-out and invalidated whenever a server is
// registered, unregistered, or disconnected.
type ToolCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]*toolCacheEntry
	stats   ToolCacheStats
}

// NewToolCache builds a cache with the default TTL when ttl <= 0.
func NewToolCache(ttl time.Duration) *ToolCache {
	if ttl <= 0 {
		ttl = DefaultToolCacheTTL
	}
	return &ToolCache{ttl: ttl, entries: make(map[string]*toolCacheEntry)}
}

// Get returns the cached tool list for a server if inside its TTL.
func (c *ToolCache) Get(serverID string) ([]Tool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[serverID]
	if !ok || time.Since(entry.cachedAt) >= c.ttl {
		if ok {
			delete(c.entries, serverID)
		}
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	return entry.tools, true
}

// Set stores a freshly discovered tool list.
func (c *ToolCache) Set(serverID string, tools []Tool) {
	c.mu.Lock()
	c.entries[serverID] = &toolCacheEntry{tools: tools, cachedAt: time.Now()}
	c.mu.Unlock()
}

// Invalidate drops one server's entry.
func (c *ToolCache) Invalidate(serverID string) {
	c.mu.Lock()
	if _, ok := c.entries[serverID]; ok {
		delete(c.entries, serverID)
		c.stats.Invalidations++
	}
	c.mu.Unlock()
}

// CleanupExpired evicts every entry past its TTL.
func (c *ToolCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, entry := range c.entries {
		if time.Since(entry.cachedAt) >= c.ttl {
			delete(c.entries, id)
			removed++
		}
	}
	c.stats.Invalidations += int64(removed)
	return removed
}

// Stats returns a snapshot of the counters.
func (c *ToolCache) Stats() ToolCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Servers = len(c.entries)
	return s
}
