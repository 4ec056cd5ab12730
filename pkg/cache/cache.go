// Package cache provides the bounded, time-expiring context cache that maps
// (goal, plugin) pairs to a reusable MemoryContext.
//
// Invariants:
//   - Len() never exceeds the configured capacity.
//   - An insert that would exceed capacity evicts exactly one entry: the least
//     recently used one.
//   - Entries idle for longer than TTL are treated as absent on the next Get
//     and purged at that moment. There is no background sweeper, so an expired
//     entry costs one miss and is then repopulated by the caller.
//   - The cache never returns errors. A failed or missing lookup is a miss.
//
// Recency bookkeeping is done by hashicorp/golang-lru's simplelru, which is
// not thread-safe on its own; every call into it happens under Cache.mu. Lock
// order is Cache.mu before MemoryContext.mu.
package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const (
	// DefaultMaxEntries is the default number of resident contexts.
	DefaultMaxEntries = 50
	// DefaultTTL is the default idle time after which a context expires.
	DefaultTTL = 2 * time.Hour
)

// Config configures a Cache.
type Config struct {
	// MaxEntries is the maximum number of resident contexts.
	// Default: 50
	MaxEntries int

	// TTL is how long a context may go unaccessed before it is treated as
	// absent. Zero means the default; negative disables expiry.
	// Default: 2h
	TTL time.Duration
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxEntries: DefaultMaxEntries,
		TTL:        DefaultTTL,
	}
}

// Cache is a strict-LRU cache of MemoryContexts with lazy TTL expiry.
// All methods are safe for concurrent use.
type Cache struct {
	mu  sync.Mutex
	lru *simplelru.LRU[Key, *MemoryContext]
	ttl time.Duration
	max int
	now func() time.Time

	// Stats
	hits        int64
	misses      int64
	evictions   int64
	expirations int64
	inserts     int64
}

// New creates a Cache. A nil config uses DefaultConfig.
func New(config *Config) *Cache {
	if config == nil {
		config = DefaultConfig()
	}
	maxEntries := config.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	ttl := config.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}

	c := &Cache{
		ttl: ttl,
		max: maxEntries,
		now: time.Now,
	}
	// simplelru only errors on a non-positive size, which is excluded above
	c.lru, _ = simplelru.NewLRU[Key, *MemoryContext](maxEntries, func(Key, *MemoryContext) {
		c.evictions++
	})
	return c
}

// Get returns the resident context for (goalID, pluginName) and promotes it to
// most recently used. Expired entries are removed and reported as a miss.
func (c *Cache) Get(goalID, pluginName string) (*MemoryContext, bool) {
	key := Key{GoalID: goalID, PluginName: pluginName}

	c.mu.Lock()
	defer c.mu.Unlock()

	mc, ok := c.lru.Get(key)
	if !ok || mc == nil {
		c.misses++
		return nil, false
	}

	now := c.now()
	if c.expired(mc, now) {
		// Remove would fire the eviction callback; expiry is counted separately
		c.lru.Remove(key)
		c.evictions--
		c.expirations++
		c.misses++
		return nil, false
	}

	mc.touch(now)
	c.hits++
	return mc, true
}

// Peek returns the resident context without touching recency or access
// bookkeeping. Expired entries are reported absent but not purged.
func (c *Cache) Peek(goalID, pluginName string) (*MemoryContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	mc, ok := c.lru.Peek(Key{GoalID: goalID, PluginName: pluginName})
	if !ok || mc == nil || c.expired(mc, c.now()) {
		return nil, false
	}
	return mc, true
}

// Put inserts or replaces the context for mc's key, evicting the least
// recently used entry if the cache is full.
func (c *Cache) Put(mc *MemoryContext) {
	if mc == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	mc.stamp(c.now())
	c.lru.Add(mc.Key(), mc)
	c.inserts++
}

// GetOrPut returns the live context for mc's key if one is resident and not
// expired; otherwise it inserts mc. The boolean reports whether an existing
// context was returned. Two racing misses for the same key therefore still
// end up sharing one instance.
func (c *Cache) GetOrPut(mc *MemoryContext) (*MemoryContext, bool) {
	if mc == nil {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if existing, ok := c.lru.Get(mc.Key()); ok && existing != nil && !c.expired(existing, now) {
		existing.touch(now)
		return existing, true
	}

	mc.stamp(now)
	c.lru.Add(mc.Key(), mc)
	c.inserts++
	return mc, false
}

// Invalidate removes the entry for (goalID, pluginName). If pluginName is
// empty, every entry for goalID is removed. It returns the number removed.
func (c *Cache) Invalidate(goalID, pluginName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	if pluginName != "" {
		if c.lru.Remove(Key{GoalID: goalID, PluginName: pluginName}) {
			removed++
		}
	} else {
		for _, key := range c.lru.Keys() {
			if key.GoalID == goalID && c.lru.Remove(key) {
				removed++
			}
		}
	}
	// Explicit invalidation is not an eviction
	c.evictions -= int64(removed)
	return removed
}

// Len returns the number of resident entries, including expired entries that
// have not been looked up yet.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Keys returns resident keys from least to most recently used.
func (c *Cache) Keys() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}

// Stats holds cache statistics.
type Stats struct {
	Size        int     `json:"size"`
	Capacity    int     `json:"capacity"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Evictions   int64   `json:"evictions"`
	Expirations int64   `json:"expirations"`
	Inserts     int64   `json:"inserts"`
	HitRatio    float64 `json:"hit_ratio"`
}

// Stats returns current cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Size:        c.lru.Len(),
		Capacity:    c.max,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		Inserts:     c.inserts,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRatio = float64(c.hits) / float64(total)
	}
	return s
}

func (c *Cache) expired(mc *MemoryContext, now time.Time) bool {
	if c.ttl < 0 {
		return false
	}
	return mc.idleSince(now) > c.ttl
}
