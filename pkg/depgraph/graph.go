// Package depgraph tracks concept-depends-on-concept edges and uses them to
// group pending operations so that one clustering pass only touches the
// concepts it actually affects.
//
// The graph is append-only during normal operation. Traversals are bounded by
// a maximum depth, which is what guarantees termination over cycles; there is
// no separate cycle detection.
package depgraph

import (
	"sort"
	"sync"
	"sync/atomic"
)

// DefaultMaxDepth bounds dependency-chain traversal when none is configured.
const DefaultMaxDepth = 3

// Set is a set of concept names.
type Set map[string]struct{}

// NewSet creates a set from names, skipping empty strings.
func NewSet(names ...string) Set {
	s := make(Set, len(names))
	for _, n := range names {
		if n != "" {
			s[n] = struct{}{}
		}
	}
	return s
}

// Has reports whether name is in the set.
func (s Set) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Add inserts name into the set.
func (s Set) Add(name string) {
	if name != "" {
		s[name] = struct{}{}
	}
}

// Union adds every member of other to s.
func (s Set) Union(other Set) {
	for n := range other {
		s[n] = struct{}{}
	}
}

// Sorted returns the members in lexical order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Graph maps each concept to the concepts it depends on, plus the inverse.
// A single RWMutex guards both maps, so a traversal never observes a
// half-written edge. Safe for concurrent use.
type Graph struct {
	mu         sync.RWMutex
	dependsOn  map[string]Set
	dependents map[string]Set
	edges      int

	// Stats
	traversals   atomic.Int64
	depthCutoffs atomic.Int64
}

// NewGraph creates an empty dependency graph.
func NewGraph() *Graph {
	return &Graph{
		dependsOn:  make(map[string]Set),
		dependents: make(map[string]Set),
	}
}

// AddDependency records that concept depends on dependsOn. Empty names and
// self-dependencies are ignored. It reports whether the edge was new.
func (g *Graph) AddDependency(concept, dependsOn string) bool {
	if concept == "" || dependsOn == "" || concept == dependsOn {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	deps := g.dependsOn[concept]
	if deps == nil {
		deps = make(Set)
		g.dependsOn[concept] = deps
	}
	if deps.Has(dependsOn) {
		return false
	}
	deps.Add(dependsOn)

	rev := g.dependents[dependsOn]
	if rev == nil {
		rev = make(Set)
		g.dependents[dependsOn] = rev
	}
	rev.Add(concept)

	g.edges++
	return true
}

// Chain returns concept plus every concept reachable from it through
// depends-on edges within maxDepth hops. A non-positive maxDepth returns only
// the concept itself. An empty concept returns an empty set.
func (g *Graph) Chain(concept string, maxDepth int) Set {
	result := make(Set)
	if concept == "" {
		return result
	}

	g.mu.RLock()
	cutoff := g.chainLocked(concept, maxDepth, result)
	g.mu.RUnlock()

	g.traversals.Add(1)
	if cutoff {
		g.depthCutoffs.Add(1)
	}
	return result
}

// chainLocked is a breadth-first walk bounded by maxDepth. Caller holds g.mu.
// It reports whether the depth bound stopped the walk with edges left unexplored.
func (g *Graph) chainLocked(concept string, maxDepth int, result Set) bool {
	result.Add(concept)
	frontier := []string{concept}
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, c := range frontier {
			for dep := range g.dependsOn[c] {
				if !result.Has(dep) {
					result.Add(dep)
					next = append(next, dep)
				}
			}
		}
		frontier = next
	}

	for _, c := range frontier {
		for dep := range g.dependsOn[c] {
			if !result.Has(dep) {
				return true
			}
		}
	}
	return false
}

// Closure returns the union of Chain(c, maxDepth) for every c in concepts,
// computed under one read lock so the result reflects a single graph state.
func (g *Graph) Closure(concepts []string, maxDepth int) Set {
	result := make(Set)

	cutoffs := int64(0)
	g.mu.RLock()
	for _, c := range concepts {
		if c == "" {
			continue
		}
		// Each walk needs its own visited set: a concept reached at the depth
		// limit by one walk may sit closer to the start of another.
		chain := make(Set)
		if g.chainLocked(c, maxDepth, chain) {
			cutoffs++
		}
		result.Union(chain)
	}
	g.mu.RUnlock()

	g.traversals.Add(1)
	g.depthCutoffs.Add(cutoffs)
	return result
}

// DependsOn returns the direct dependencies of concept, sorted.
func (g *Graph) DependsOn(concept string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dependsOn[concept].Sorted()
}

// Dependents returns the concepts that directly depend on concept, sorted.
func (g *Graph) Dependents(concept string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dependents[concept].Sorted()
}

// GraphStats contains dependency graph statistics.
type GraphStats struct {
	Concepts     int   `json:"concepts"`
	Edges        int   `json:"edges"`
	Traversals   int64 `json:"traversals"`
	DepthCutoffs int64 `json:"depth_cutoffs"`
}

// Stats returns current graph statistics.
func (g *Graph) Stats() GraphStats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	concepts := make(Set, len(g.dependsOn)+len(g.dependents))
	for c := range g.dependsOn {
		concepts.Add(c)
	}
	for c := range g.dependents {
		concepts.Add(c)
	}
	return GraphStats{
		Concepts:     len(concepts),
		Edges:        g.edges,
		Traversals:   g.traversals.Load(),
		DepthCutoffs: g.depthCutoffs.Load(),
	}
}
