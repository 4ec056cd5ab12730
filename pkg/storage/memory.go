// MemoryEngine is a thread-safe in-memory engine for testing and small workloads.

package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryEngine is an in-memory implementation of Engine.
// It's useful for:
// - Unit testing (no disk I/O)
// - Local benchmarking of batching parameters
// - Small deployments where memory is rebuilt on restart
type MemoryEngine struct {
	mu      sync.RWMutex
	entries map[contextKey][]Entry
	seq     uint64
	writes  int64
	closed  bool
}

type contextKey struct {
	goalID     string
	pluginName string
}

// NewMemoryEngine creates a new in-memory engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		entries: make(map[contextKey][]Entry),
	}
}

// Write stores a copy of payload under (goalID, pluginName).
func (m *MemoryEngine) Write(ctx context.Context, goalID, pluginName string, payload map[string]any) (Ack, error) {
	if goalID == "" || pluginName == "" {
		return Ack{}, ErrInvalidKey
	}
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Ack{}, ErrClosed
	}

	m.seq++
	m.writes++
	now := time.Now()
	key := contextKey{goalID: goalID, pluginName: pluginName}
	m.entries[key] = append(m.entries[key], Entry{
		GoalID:     goalID,
		PluginName: pluginName,
		Payload:    copyPayload(payload),
		Timestamp:  now,
	})

	return Ack{Sequence: m.seq, StoredAt: now}, nil
}

// Entries returns the entries stored for (goalID, pluginName) in write order.
func (m *MemoryEngine) Entries(goalID, pluginName string) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.entries[contextKey{goalID: goalID, pluginName: pluginName}]
	out := make([]Entry, len(stored))
	for i, e := range stored {
		e.Payload = copyPayload(e.Payload)
		out[i] = e
	}
	return out
}

// Keys returns every (goalID, pluginName) pair with at least one entry,
// sorted by goal then plugin.
func (m *MemoryEngine) Keys() [][2]string {
	m.mu.RLock()
	keys := make([][2]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, [2]string{k.goalID, k.pluginName})
	}
	m.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})
	return keys
}

// WriteCount returns the number of successful Write calls.
func (m *MemoryEngine) WriteCount() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// Close closes the engine. Subsequent writes return ErrClosed.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.entries = nil
	return nil
}

// copyPayload creates a shallow copy so callers cannot mutate stored state.
func copyPayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	copied := make(map[string]any, len(p))
	for k, v := range p {
		copied[k] = v
	}
	return copied
}

// Verify MemoryEngine implements Engine interface
var _ Engine = (*MemoryEngine)(nil)
