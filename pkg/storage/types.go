// Package storage defines the boundary between the optimizer and the long-term
// memory store, plus two engines that implement it.
//
// The optimizer never talks to a memory store directly. It batches writes and
// hands each flushed entry to an Engine, and hands the deduplicated concept set
// of each flushed batch to a ConceptManager. Anything richer (edge replay,
// scoped clustering, dead-lettering) is discovered by type assertion, so a
// minimal backend only needs Write and UpdateConcepts.
//
// Engines:
//   - MemoryEngine: thread-safe in-memory engine for tests and local runs
//   - BadgerEngine: persistent engine backed by BadgerDB
//
// Delivery is at-most-once: a batch whose flush fails is not resubmitted.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned by engines after Close.
	ErrClosed = errors.New("storage: engine closed")

	// ErrInvalidKey is returned when a goal or plugin name is empty.
	ErrInvalidKey = errors.New("storage: goal id and plugin name are required")
)

// Entry is a single accepted memory write, as queued by the scheduler and
// written to the Engine during a flush.
type Entry struct {
	ID         string         `json:"id"`
	GoalID     string         `json:"goal_id"`
	PluginName string         `json:"plugin_name"`
	Payload    map[string]any `json:"payload,omitempty"`
	Concepts   []string       `json:"concepts,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`

	// Sequence is the context's write count when the write was accepted.
	Sequence int64 `json:"sequence,omitempty"`
}

// ConceptList returns the concepts the entry touches.
// It lets Entry be grouped by the dependency batcher.
func (e Entry) ConceptList() []string {
	return e.Concepts
}

// Edge is a pending relationship-graph edge between two concepts.
type Edge struct {
	Source string  `json:"source"`
	Target string  `json:"target"`
	Weight float64 `json:"weight"`
}

// Ack is the engine's acknowledgement of one written entry.
type Ack struct {
	EntryID  string
	Sequence uint64
	StoredAt time.Time
}

// Engine is the memory engine the optimizer flushes to.
// Write is invoked once per flushed entry, never once per original write call.
type Engine interface {
	Write(ctx context.Context, goalID, pluginName string, payload map[string]any) (Ack, error)
}

// ConceptManager receives the deduplicated concept union of each flushed batch.
// This is the single expensive clustering call the optimizer amortizes.
type ConceptManager interface {
	UpdateConcepts(ctx context.Context, concepts []string) ([]string, error)
}

// EdgeSink is implemented by concept managers that persist relationship edges.
type EdgeSink interface {
	AddEdges(ctx context.Context, edges []Edge) error
}

// ScopedClusterer is implemented by concept managers that can re-cluster a
// bounded subset of the concept space. The scheduler calls it once per
// dependency group instead of re-touching every concept.
type ScopedClusterer interface {
	ClusterScope(ctx context.Context, concepts []string) error
}

// DeadLetter records a batch whose flush did not complete.
type DeadLetter struct {
	ID         string    `json:"id"`
	Generation uint64    `json:"generation"`
	Entries    []Entry   `json:"entries"`
	Concepts   []string  `json:"concepts,omitempty"`
	Edges      []Edge    `json:"edges,omitempty"`
	Reason     string    `json:"reason"`
	FailedAt   time.Time `json:"failed_at"`
}

// DeadLetterSink keeps failed batches for operator inspection or manual replay.
// The scheduler never reads them back.
type DeadLetterSink interface {
	Bury(ctx context.Context, letter DeadLetter) error
}
