package cache

import (
	"context"
	"sync"
	"time"

	"warden.org/internal/authz"
	"warden.org/internal/obs"
)

// Memory is an in-process resolution cache with per-entry TTL and secondary
// indexes for user- and organization-scoped invalidation. Reads take only a
// short read lock; writes replace entries atomically.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	byUser  map[string]map[string]struct{}
	byOrg   map[string]map[string]struct{}
	now     func() time.Time
}

type memEntry struct {
	set     *authz.ResolvedSet
	userID  string
	orgID   string
	expires time.Time
}

var (
	_ authz.ResolutionCache = (*Memory)(nil)
	_ authz.Invalidator     = (*Memory)(nil)
)

// NewMemory creates an empty cache.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memEntry),
		byUser:  make(map[string]map[string]struct{}),
		byOrg:   make(map[string]map[string]struct{}),
		now:     time.Now,
	}
}

func cacheKey(userID, orgID string) string { return userID + "\x00" + orgID }

func (c *Memory) Get(ctx context.Context, userID, orgID string) (*authz.ResolvedSet, bool) {
	c.mu.RLock()
	e, ok := c.entries[cacheKey(userID, orgID)]
	c.mu.RUnlock()
	if !ok || c.now().After(e.expires) {
		return nil, false
	}
	return e.set, true
}

func (c *Memory) Set(ctx context.Context, userID, orgID string, set *authz.ResolvedSet, ttl time.Duration) {
	if ttl <= 0 {
		ttl = authz.DefaultCacheTTL
	}
	key := cacheKey(userID, orgID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memEntry{set: set, userID: userID, orgID: orgID, expires: c.now().Add(ttl)}
	addIndex(c.byUser, userID, key)
	addIndex(c.byOrg, orgID, key)
}

func (c *Memory) InvalidateUserOrg(ctx context.Context, userID, orgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(cacheKey(userID, orgID))
	obs.ObserveCacheEvent("invalidate")
}

func (c *Memory) InvalidateUser(ctx context.Context, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.byUser[userID] {
		c.dropLocked(key)
	}
	obs.ObserveCacheEvent("invalidate")
}

func (c *Memory) InvalidateOrg(ctx context.Context, orgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.byOrg[orgID] {
		c.dropLocked(key)
	}
	obs.ObserveCacheEvent("invalidate")
}

func (c *Memory) InvalidateOrgs(ctx context.Context, orgIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, orgID := range orgIDs {
		for key := range c.byOrg[orgID] {
			c.dropLocked(key)
		}
	}
	obs.ObserveCacheEvent("invalidate")
}

// Flush empties the cache. Used by the emergency invalidation broadcast.
func (c *Memory) Flush(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]memEntry)
	c.byUser = make(map[string]map[string]struct{})
	c.byOrg = make(map[string]map[string]struct{})
	obs.ObserveCacheEvent("flush")
}

// GC drops expired entries and returns how many were removed. Run it from
// the maintenance sweeper.
func (c *Memory) GC(ctx context.Context) int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, e := range c.entries {
		if now.After(e.expires) {
			c.dropLocked(key)
			removed++
		}
	}
	return removed
}

// Len reports the live entry count.
func (c *Memory) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Memory) dropLocked(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	removeIndex(c.byUser, e.userID, key)
	removeIndex(c.byOrg, e.orgID, key)
}

func addIndex(idx map[string]map[string]struct{}, id, key string) {
	keys := idx[id]
	if keys == nil {
		keys = make(map[string]struct{})
		idx[id] = keys
	}
	keys[key] = struct{}{}
}

func removeIndex(idx map[string]map[string]struct{}, id, key string) {
	keys := idx[id]
	delete(keys, key)
	if len(keys) == 0 {
		delete(idx, id)
	}
}
