package cache

import (
	"sync"
	"time"
)

// Key identifies a MemoryContext.
type Key struct {
	GoalID     string
	PluginName string
}

// MemoryContext is the reusable memory state for one (goal, plugin) pair.
//
// While resident in a Cache it is the only live instance for its key, and Get
// lends the pointer rather than a copy. All methods are safe for concurrent
// use; callers that need a stable view should use Snapshot.
type MemoryContext struct {
	key Key

	mu          sync.Mutex
	payload     map[string]any
	accessCount int64
	writeCount  int64
	dirty       bool
	lastAccess  time.Time
	lastWrite   time.Time
}

// NewMemoryContext creates a context seeded with payload. A nil payload
// becomes an empty map. The payload map is owned by the context afterwards.
func NewMemoryContext(goalID, pluginName string, payload map[string]any) *MemoryContext {
	if payload == nil {
		payload = make(map[string]any)
	}
	return &MemoryContext{
		key:        Key{GoalID: goalID, PluginName: pluginName},
		payload:    payload,
		lastAccess: time.Now(),
	}
}

// Key returns the context's cache key.
func (mc *MemoryContext) Key() Key { return mc.key }

// GoalID returns the goal this context belongs to.
func (mc *MemoryContext) GoalID() string { return mc.key.GoalID }

// PluginName returns the plugin this context belongs to.
func (mc *MemoryContext) PluginName() string { return mc.key.PluginName }

// Get returns a single payload value.
func (mc *MemoryContext) Get(name string) (any, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	v, ok := mc.payload[name]
	return v, ok
}

// RecordWrite merges payload into the context, marks it dirty and returns the
// new write count. The count strictly increases for the life of the instance.
func (mc *MemoryContext) RecordWrite(payload map[string]any, at time.Time) int64 {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	for k, v := range payload {
		mc.payload[k] = v
	}
	mc.writeCount++
	mc.dirty = true
	mc.lastWrite = at
	mc.lastAccess = at
	return mc.writeCount
}

// MarkClean clears the dirty flag once the context's writes have been flushed.
func (mc *MemoryContext) MarkClean() {
	mc.mu.Lock()
	mc.dirty = false
	mc.mu.Unlock()
}

// MarkCleanAt clears the dirty flag only if no write has been recorded since
// the write numbered writeCount. It reports whether the flag was cleared.
func (mc *MemoryContext) MarkCleanAt(writeCount int64) bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.writeCount != writeCount {
		return false
	}
	mc.dirty = false
	return true
}

// Dirty reports whether the context has writes not yet flushed.
func (mc *MemoryContext) Dirty() bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.dirty
}

// WriteCount returns the number of writes recorded on this instance.
func (mc *MemoryContext) WriteCount() int64 {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.writeCount
}

// AccessCount returns the number of cache hits served by this instance.
func (mc *MemoryContext) AccessCount() int64 {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.accessCount
}

// touch records a cache access.
func (mc *MemoryContext) touch(at time.Time) {
	mc.mu.Lock()
	mc.accessCount++
	mc.lastAccess = at
	mc.mu.Unlock()
}

// stamp sets the last-access time without counting an access.
func (mc *MemoryContext) stamp(at time.Time) {
	mc.mu.Lock()
	mc.lastAccess = at
	mc.mu.Unlock()
}

// idleSince reports how long the context has gone without access or write.
func (mc *MemoryContext) idleSince(now time.Time) time.Duration {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return now.Sub(mc.lastAccess)
}

// Snapshot is a copied, point-in-time view of a MemoryContext.
type Snapshot struct {
	GoalID      string         `json:"goal_id"`
	PluginName  string         `json:"plugin_name"`
	Payload     map[string]any `json:"payload"`
	AccessCount int64          `json:"access_count"`
	WriteCount  int64          `json:"write_count"`
	Dirty       bool           `json:"dirty"`
	LastAccess  time.Time      `json:"last_access"`
	LastWrite   time.Time      `json:"last_write"`
}

// Snapshot copies the context's current state.
func (mc *MemoryContext) Snapshot() Snapshot {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	payload := make(map[string]any, len(mc.payload))
	for k, v := range mc.payload {
		payload[k] = v
	}
	return Snapshot{
		GoalID:      mc.key.GoalID,
		PluginName:  mc.key.PluginName,
		Payload:     payload,
		AccessCount: mc.accessCount,
		WriteCount:  mc.writeCount,
		Dirty:       mc.dirty,
		LastAccess:  mc.lastAccess,
		LastWrite:   mc.lastWrite,
	}
}
