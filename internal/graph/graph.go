// Package graph implements the bidirectional dependency graph: typed
// adjacency, traversals, PageRank, and structural analysis. Node ids are
// stable strings and edges live in adjacency maps, so cyclic dependency
// structures never become cyclic object references.
package graph

import (
	"sort"
	"sync"
)

// Edge is a typed directed edge.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Kind string `json:"kind"`
}

// Node carries the per-node attributes exposed by the graph.
type Node struct {
	ID       string  `json:"id"`
	Type     string  `json:"type"`
	PageRank float64 `json:"pagerank,omitempty"`
}

// Graph is an immutable snapshot. Readers hold a *Graph for the duration of a
// retrieval; writers build a successor via Builder and install it atomically.
type Graph struct {
	nodes     map[string]Node
	forward   map[string][]Edge // out-edges keyed by From
	reverse   map[string][]Edge // in-edges keyed by To
	typeIndex map[string][]string
	edgeCount int
}

// Handle is the mutable entry point: it owns the current snapshot and swaps
// in new ones on Register. All reads go through Snapshot.
type Handle struct {
	mu   sync.RWMutex
	snap *Graph
}

// NewHandle returns a handle over an empty graph.
func NewHandle() *Handle {
	return &Handle{snap: emptyGraph()}
}

// Snapshot returns the current immutable graph.
func (h *Handle) Snapshot() *Graph {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snap
}

// Register installs a node with its out-edges, replacing any previous
// registration of the same id. The operation is copy-on-write: readers of the
// previous snapshot are unaffected.
func (h *Handle) Register(id, nodeType string, edges []Edge) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.snap.builder()
	b.Register(id, nodeType, edges)
	h.snap = b.Build()
}

// Replace installs a fully built snapshot, used by bulk loads.
func (h *Handle) Replace(g *Graph) {
	h.mu.Lock()
	h.snap = g
	h.mu.Unlock()
}

func emptyGraph() *Graph {
	return &Graph{
		nodes:     map[string]Node{},
		forward:   map[string][]Edge{},
		reverse:   map[string][]Edge{},
		typeIndex: map[string][]string{},
	}
}

// NodeCount returns the number of registered nodes.
func (g *Graph) NodeCount() int { return len(g.nodes) }

// EdgeCount returns the number of edges.
func (g *Graph) EdgeCount() int { return g.edgeCount }

// Node returns the node attributes and whether the id is registered.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// IDs returns all node ids, sorted.
func (g *Graph) IDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IDsByType returns the type-index bucket for nodeType, sorted.
func (g *Graph) IDsByType(nodeType string) []string {
	bucket := g.typeIndex[nodeType]
	out := make([]string, len(bucket))
	copy(out, bucket)
	sort.Strings(out)
	return out
}

// DependenciesOf returns the out-edges of id in stable order.
func (g *Graph) DependenciesOf(id string) []Edge {
	return copyEdges(g.forward[id])
}

// DependentsOf returns the in-edges of id in stable order.
func (g *Graph) DependentsOf(id string) []Edge {
	return copyEdges(g.reverse[id])
}

// TraverseForward walks out-edges breadth-first from start up to maxDepth,
// returning visited ids grouped by depth (depth 0 is start itself).
func (g *Graph) TraverseForward(start string, maxDepth int) [][]string {
	return g.traverse(start, maxDepth, func(id string) []string {
		edges := g.forward[id]
		out := make([]string, len(edges))
		for i, e := range edges {
			out[i] = e.To
		}
		return out
	})
}

// TraverseReverse walks in-edges breadth-first from start up to maxDepth.
func (g *Graph) TraverseReverse(start string, maxDepth int) [][]string {
	return g.traverse(start, maxDepth, func(id string) []string {
		edges := g.reverse[id]
		out := make([]string, len(edges))
		for i, e := range edges {
			out[i] = e.From
		}
		return out
	})
}

func (g *Graph) traverse(start string, maxDepth int, neighbors func(string) []string) [][]string {
	if _, ok := g.nodes[start]; !ok {
		return nil
	}
	if maxDepth < 0 {
		maxDepth = 0
	}
	visited := map[string]bool{start: true}
	levels := [][]string{{start}}
	frontier := []string{start}
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			for _, n := range neighbors(id) {
				if !visited[n] {
					visited[n] = true
					next = append(next, n)
				}
			}
		}
		if len(next) == 0 {
			break
		}
		sort.Strings(next)
		levels = append(levels, next)
		frontier = next
	}
	return levels
}

// ShortestPath finds a shortest forward path from from to to via BFS.
// Returns nil when no path exists.
func (g *Graph) ShortestPath(from, to string) []string {
	if _, ok := g.nodes[from]; !ok {
		return nil
	}
	if _, ok := g.nodes[to]; !ok {
		return nil
	}
	if from == to {
		return []string{from}
	}
	prev := map[string]string{}
	visited := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range g.forward[id] {
			if visited[e.To] {
				continue
			}
			visited[e.To] = true
			prev[e.To] = id
			if e.To == to {
				return buildPath(prev, from, to)
			}
			queue = append(queue, e.To)
		}
	}
	return nil
}

func buildPath(prev map[string]string, from, to string) []string {
	path := []string{to}
	for cur := to; cur != from; {
		cur = prev[cur]
		path = append(path, cur)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// AffectedBy computes the iterative reverse closure: every id transitively
// depending on any seed. Seeds themselves are excluded unless reachable.
func (g *Graph) AffectedBy(seeds []string) []string {
	affected := map[string]bool{}
	frontier := append([]string(nil), seeds...)
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			for _, e := range g.reverse[id] {
				if !affected[e.From] {
					affected[e.From] = true
					next = append(next, e.From)
				}
			}
		}
		frontier = next
	}
	out := make([]string, 0, len(affected))
	for id := range affected {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Subgraph returns a new graph restricted to nodes of the given types and the
// edges among them.
func (g *Graph) Subgraph(types []string) *Graph {
	keep := map[string]bool{}
	for _, t := range types {
		for _, id := range g.typeIndex[t] {
			keep[id] = true
		}
	}
	b := NewBuilder()
	for id, n := range g.nodes {
		if !keep[id] {
			continue
		}
		var edges []Edge
		for _, e := range g.forward[id] {
			if keep[e.To] {
				edges = append(edges, e)
			}
		}
		b.Register(id, n.Type, edges)
	}
	return b.Build()
}

func copyEdges(edges []Edge) []Edge {
	out := make([]Edge, len(edges))
	copy(out, edges)
	return out
}
