package depgraph

import (
	"sync"
)

// Operation is anything that touches a set of concepts.
type Operation interface {
	ConceptList() []string
}

// Batcher partitions pending operations by dependency closure.
//
// Two operations land in the same group when their closures share a concept,
// directly or through a chain of other operations, so the result is the set of
// connected components of the "closures overlap" relation. Operations whose
// closures are disjoint are never grouped together.
type Batcher struct {
	graph    *Graph
	maxDepth int

	mu         sync.Mutex
	calls      int64
	operations int64
	groups     int64
	largest    int
}

// NewBatcher creates a batcher over graph. A non-positive maxDepth uses
// DefaultMaxDepth. A nil graph is treated as an empty graph.
func NewBatcher(graph *Graph, maxDepth int) *Batcher {
	if graph == nil {
		graph = NewGraph()
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Batcher{graph: graph, maxDepth: maxDepth}
}

// Graph returns the dependency graph the batcher reads.
func (b *Batcher) Graph() *Graph { return b.graph }

// MaxDepth returns the traversal bound used for closures.
func (b *Batcher) MaxDepth() int { return b.maxDepth }

// Closure returns the dependency closure of op.
func (b *Batcher) Closure(op Operation) Set {
	return b.graph.Closure(op.ConceptList(), b.maxDepth)
}

// BatchByDependencies partitions ops. See Batch.
func (b *Batcher) BatchByDependencies(ops []Operation) [][]Operation {
	return Batch(b, ops)
}

// Batch partitions ops into disjoint groups. Every input appears in exactly
// one group. Groups are ordered by the position of their first member and
// members keep their input order. Operations with no concepts form singleton
// groups.
func Batch[T Operation](b *Batcher, ops []T) [][]T {
	if len(ops) == 0 {
		return nil
	}

	uf := newUnionFind(len(ops))
	owner := make(map[string]int)
	for i, op := range ops {
		for c := range b.Closure(op) {
			if j, ok := owner[c]; ok {
				uf.union(i, j)
			} else {
				owner[c] = i
			}
		}
	}

	index := make(map[int]int)
	var groups [][]T
	for i, op := range ops {
		root := uf.find(i)
		g, ok := index[root]
		if !ok {
			g = len(groups)
			index[root] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], op)
	}

	largest := 0
	for _, g := range groups {
		largest = max(largest, len(g))
	}
	b.record(len(ops), len(groups), largest)
	return groups
}

func (b *Batcher) record(ops, n, largest int) {
	b.mu.Lock()
	b.calls++
	b.operations += int64(ops)
	b.groups += int64(n)
	if largest > b.largest {
		b.largest = largest
	}
	b.mu.Unlock()
}

// BatcherStats contains dependency batcher statistics.
type BatcherStats struct {
	Calls        int64      `json:"calls"`
	Operations   int64      `json:"operations"`
	Groups       int64      `json:"groups"`
	LargestGroup int        `json:"largest_group"`
	Graph        GraphStats `json:"graph"`
}

// Stats returns batcher statistics, including the graph's.
func (b *Batcher) Stats() BatcherStats {
	b.mu.Lock()
	s := BatcherStats{
		Calls:        b.calls,
		Operations:   b.operations,
		Groups:       b.groups,
		LargestGroup: b.largest,
	}
	b.mu.Unlock()

	s.Graph = b.graph.Stats()
	return s
}

// unionFind is a disjoint-set forest over [0, n) with path halving and union
// by size.
type unionFind struct {
	parent []int
	size   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), size: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
		uf.size[i] = 1
	}
	return uf
}

func (uf *unionFind) find(x int) int {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]]
		x = uf.parent[x]
	}
	return x
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	if uf.size[ra] < uf.size[rb] {
		ra, rb = rb, ra
	}
	uf.parent[rb] = ra
	uf.size[ra] += uf.size[rb]
}
