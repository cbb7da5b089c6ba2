package storage

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/win10ogod/skillflow-mcp/internal/schema"
)

// DefaultCacheTTL bounds how long cached skills and the compiled tool
// list are served without revalidation.
const DefaultCacheTTL = 300 * time.Second

// CacheStats is a snapshot of cache counters for diagnostics.
type CacheStats struct {
	SkillHits          int64 `json:"skill_hits"`
	SkillMisses        int64 `json:"skill_misses"`
	SkillInvalidations int64 `json:"skill_invalidations"`
	ToolListHits       int64 `json:"tool_list_hits"`
	ToolListMisses     int64 `json:"tool_list_misses"`
	Entries            int   `json:"entries"`
}

type skillEntry struct {
	skill    *schema.Skill
	cachedAt time.Time
	mtime    time.Time
}

type toolListEntry struct {
	tools    []schema.ToolDescriptor
	skillIDs map[string]struct{}
	cachedAt time.Time
}

// SkillCache layers two caches over the store: a per-skill entry cache
// validated by TTL and file mtime, and a single-entry compiled
// tool-list cache invalidated whenever any skill entry changes.
type SkillCache struct {
	store *Store
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]*skillEntry

	listMu sync.Mutex
	list   *toolListEntry

	statsMu sync.Mutex
	stats   CacheStats
}

// NewSkillCache wraps a store with the default TTL when ttl <= 0.
func NewSkillCache(store *Store, ttl time.Duration) *SkillCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &SkillCache{store: store, ttl: ttl, entries: make(map[string]*skillEntry)}
}

// GetSkill returns the latest version of a skill, served from cache
// when the entry is inside its TTL and the on-disk version file has
// not changed mtime. Stale entries are evicted and reloaded.
func (c *SkillCache) GetSkill(skillID string) (*schema.Skill, error) {
	c.mu.Lock()
	entry, ok := c.entries[skillID]
	if ok {
		if c.fresh(entry, skillID) {
			skill := entry.skill
			c.mu.Unlock()
			c.count(func(s *CacheStats) { s.SkillHits++ })
			return skill, nil
		}
		delete(c.entries, skillID)
		c.count(func(s *CacheStats) { s.SkillInvalidations++ })
	}
	c.mu.Unlock()

	c.count(func(s *CacheStats) { s.SkillMisses++ })
	skill, err := c.store.LoadSkill(skillID)
	if err != nil {
		return nil, err
	}
	c.put(skill)
	return skill, nil
}

func (c *SkillCache) fresh(entry *skillEntry, skillID string) bool {
	if time.Since(entry.cachedAt) >= c.ttl {
		return false
	}
	info, err := os.Stat(c.store.SkillVersionPath(skillID, entry.skill.Version))
	if err != nil {
		return false
	}
	return info.ModTime().Equal(entry.mtime)
}

func (c *SkillCache) put(skill *schema.Skill) {
	var mtime time.Time
	if info, err := os.Stat(c.store.SkillVersionPath(skill.ID, skill.Version)); err == nil {
		mtime = info.ModTime()
	}
	c.mu.Lock()
	c.entries[skill.ID] = &skillEntry{skill: skill, cachedAt: time.Now(), mtime: mtime}
	c.mu.Unlock()
	c.invalidateToolList()
}

// Invalidate drops a skill entry (and therefore the tool-list cache).
func (c *SkillCache) Invalidate(skillID string) {
	c.mu.Lock()
	_, ok := c.entries[skillID]
	delete(c.entries, skillID)
	c.mu.Unlock()
	if ok {
		c.count(func(s *CacheStats) { s.SkillInvalidations++ })
	}
	c.invalidateToolList()
}

// InvalidateAll clears both layers.
func (c *SkillCache) InvalidateAll() {
	c.mu.Lock()
	n := len(c.entries)
	c.entries = make(map[string]*skillEntry)
	c.mu.Unlock()
	if n > 0 {
		c.count(func(s *CacheStats) { s.SkillInvalidations += int64(n) })
	}
	c.invalidateToolList()
}

// CleanupExpired evicts entries past their TTL and returns how many
// were removed.
func (c *SkillCache) CleanupExpired() int {
	c.mu.Lock()
	removed := 0
	for id, entry := range c.entries {
		if time.Since(entry.cachedAt) >= c.ttl {
			delete(c.entries, id)
			removed++
		}
	}
	c.mu.Unlock()
	if removed > 0 {
		c.count(func(s *CacheStats) { s.SkillInvalidations += int64(removed) })
		c.invalidateToolList()
	}
	return removed
}

// ── compiled tool-list cache ──

// GetToolList returns the cached compiled tool list, if present and
// inside its TTL.
func (c *SkillCache) GetToolList() ([]schema.ToolDescriptor, bool) {
	c.listMu.Lock()
	defer c.listMu.Unlock()
	if c.list == nil || time.Since(c.list.cachedAt) >= c.ttl {
		c.list = nil
		c.count(func(s *CacheStats) { s.ToolListMisses++ })
		return nil, false
	}
	c.count(func(s *CacheStats) { s.ToolListHits++ })
	return c.list.tools, true
}

// SetToolList stores the compiled tool list together with the set of
// skill ids that contributed to it.
func (c *SkillCache) SetToolList(tools []schema.ToolDescriptor, skillIDs map[string]struct{}) {
	c.listMu.Lock()
	c.list = &toolListEntry{tools: tools, skillIDs: skillIDs, cachedAt: time.Now()}
	c.listMu.Unlock()
}

func (c *SkillCache) invalidateToolList() {
	c.listMu.Lock()
	c.list = nil
	c.listMu.Unlock()
}

// Stats returns a snapshot of the cache counters.
func (c *SkillCache) Stats() CacheStats {
	c.statsMu.Lock()
	stats := c.stats
	c.statsMu.Unlock()
	c.mu.Lock()
	stats.Entries = len(c.entries)
	c.mu.Unlock()
	return stats
}

func (c *SkillCache) count(fn func(*CacheStats)) {
	c.statsMu.Lock()
	fn(&c.stats)
	c.statsMu.Unlock()
}

// LogStats writes the current counters to the log, for the debug probe.
func (c *SkillCache) LogStats() {
	s := c.Stats()
	log.Printf("[Cache] skills: %d entries, %d hits, %d misses, %d invalidations; tool list: %d hits, %d misses",
		s.Entries, s.SkillHits, s.SkillMisses, s.SkillInvalidations, s.ToolListHits, s.ToolListMisses)
}
