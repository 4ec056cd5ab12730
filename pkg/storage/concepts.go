package storage

import (
	"context"
	"sort"
	"sync"
)

// ConceptIndex is an in-memory ConceptManager. It records every concept it has
// seen, the edges replayed into it, and how many clustering passes ran, which
// makes it the reference collaborator for tests and the bench command.
//
// ConceptIndex implements ConceptManager, EdgeSink and ScopedClusterer.
type ConceptIndex struct {
	mu       sync.RWMutex
	concepts map[string]int64 // concept -> number of batches that touched it
	edges    map[[2]string]float64

	updateCalls  int64
	scopeCalls   int64
	largestScope int
}

// NewConceptIndex creates an empty concept index.
func NewConceptIndex() *ConceptIndex {
	return &ConceptIndex{
		concepts: make(map[string]int64),
		edges:    make(map[[2]string]float64),
	}
}

// UpdateConcepts marks each concept as touched by one more batch and returns
// the concepts that were new to the index.
func (ci *ConceptIndex) UpdateConcepts(ctx context.Context, concepts []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ci.mu.Lock()
	defer ci.mu.Unlock()

	ci.updateCalls++
	var added []string
	for _, c := range concepts {
		if c == "" {
			continue
		}
		if _, ok := ci.concepts[c]; !ok {
			added = append(added, c)
		}
		ci.concepts[c]++
	}
	sort.Strings(added)
	return added, nil
}

// AddEdges accumulates edge weights. Repeated edges add up rather than
// creating parallel edges.
func (ci *ConceptIndex) AddEdges(ctx context.Context, edges []Edge) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ci.mu.Lock()
	defer ci.mu.Unlock()

	for _, e := range edges {
		if e.Source == "" || e.Target == "" {
			continue
		}
		ci.edges[[2]string{e.Source, e.Target}] += e.Weight
	}
	return nil
}

// ClusterScope records a scoped clustering pass over concepts.
func (ci *ConceptIndex) ClusterScope(ctx context.Context, concepts []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ci.mu.Lock()
	defer ci.mu.Unlock()

	ci.scopeCalls++
	if len(concepts) > ci.largestScope {
		ci.largestScope = len(concepts)
	}
	return nil
}

// ConceptIndexStats is a point-in-time view of a ConceptIndex.
type ConceptIndexStats struct {
	Concepts     int   `json:"concepts"`
	Edges        int   `json:"edges"`
	UpdateCalls  int64 `json:"update_calls"`
	ScopeCalls   int64 `json:"scope_calls"`
	LargestScope int   `json:"largest_scope"`
}

// Stats returns current index statistics.
func (ci *ConceptIndex) Stats() ConceptIndexStats {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	return ConceptIndexStats{
		Concepts:     len(ci.concepts),
		Edges:        len(ci.edges),
		UpdateCalls:  ci.updateCalls,
		ScopeCalls:   ci.scopeCalls,
		LargestScope: ci.largestScope,
	}
}

// Touches returns how many batches have touched concept.
func (ci *ConceptIndex) Touches(concept string) int64 {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	return ci.concepts[concept]
}

// EdgeWeight returns the accumulated weight of source -> target.
func (ci *ConceptIndex) EdgeWeight(source, target string) (float64, bool) {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	w, ok := ci.edges[[2]string{source, target}]
	return w, ok
}

var (
	_ ConceptManager  = (*ConceptIndex)(nil)
	_ EdgeSink        = (*ConceptIndex)(nil)
	_ ScopedClusterer = (*ConceptIndex)(nil)
)
