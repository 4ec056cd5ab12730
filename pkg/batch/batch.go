// Package batch accumulates accepted memory writes into ClusteringBatches and
// flushes them to the memory engine on a bounded worker pool.
//
// A Scheduler owns exactly one accumulating batch at a time. When the batch
// reaches the write threshold or its age passes the timeout, it is swapped for
// nil under the scheduler lock and queued; the next write lazily starts a new
// batch with the next generation number. Writers never wait for flush work.
//
// Delivery to the memory engine is at-most-once. A batch whose flush fails is
// logged, counted and, if a DeadLetterSink is configured, buried there. It is
// never resubmitted.
package batch

import (
	"sync/atomic"
	"time"

	"github.com/orneryd/memopt/pkg/depgraph"
	"github.com/orneryd/memopt/pkg/storage"
)

// ClusteringBatch is an append-only set of pending writes, touched concepts and
// relationship edges.
//
// Appends are serialized by the owning Scheduler. Once the processing flag is
// set the batch refuses further appends and belongs to a single worker.
type ClusteringBatch struct {
	Generation uint64
	CreatedAt  time.Time

	writes   []storage.Entry
	concepts depgraph.Set
	edges    []storage.Edge

	processing atomic.Bool
}

func newBatch(generation uint64, now time.Time) *ClusteringBatch {
	return &ClusteringBatch{
		Generation: generation,
		CreatedAt:  now,
		concepts:   make(depgraph.Set),
	}
}

// add appends a write. It returns false if the batch is already processing.
func (b *ClusteringBatch) add(entry storage.Entry) bool {
	if b.processing.Load() {
		return false
	}
	b.writes = append(b.writes, entry)
	for _, c := range entry.Concepts {
		b.concepts.Add(c)
	}
	return true
}

// addEdge appends a relationship edge. It returns false if the batch is
// already processing.
func (b *ClusteringBatch) addEdge(edge storage.Edge) bool {
	if b.processing.Load() {
		return false
	}
	b.edges = append(b.edges, edge)
	return true
}

// markProcessing claims the batch. Only the first caller succeeds.
func (b *ClusteringBatch) markProcessing() bool {
	return b.processing.CompareAndSwap(false, true)
}

// IsProcessing reports whether the batch has been claimed for flushing.
func (b *ClusteringBatch) IsProcessing() bool {
	return b.processing.Load()
}

// Len returns the number of pending writes.
func (b *ClusteringBatch) Len() int { return len(b.writes) }

// Empty reports whether the batch holds neither writes nor edges.
func (b *ClusteringBatch) Empty() bool { return len(b.writes) == 0 && len(b.edges) == 0 }

// Age returns how long the batch has existed at now.
func (b *ClusteringBatch) Age(now time.Time) time.Duration { return now.Sub(b.CreatedAt) }

// Writes returns the pending writes in submission order.
func (b *ClusteringBatch) Writes() []storage.Entry { return b.writes }

// Edges returns the pending edges in submission order.
func (b *ClusteringBatch) Edges() []storage.Edge { return b.edges }

// Concepts returns the deduplicated concept union, sorted.
func (b *ClusteringBatch) Concepts() []string { return b.concepts.Sorted() }
