package graph

import (
	"sort"
)

// Builder accumulates registrations and produces an immutable Graph.
// Register is idempotent: re-registering an id removes its previous edges and
// its previous type-index membership before inserting.
type Builder struct {
	nodes    map[string]Node
	outEdges map[string][]Edge
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{
		nodes:    map[string]Node{},
		outEdges: map[string][]Edge{},
	}
}

// builder clones an existing graph into a builder for copy-on-write updates.
func (g *Graph) builder() *Builder {
	b := NewBuilder()
	for id, n := range g.nodes {
		b.nodes[id] = n
	}
	for id, edges := range g.forward {
		b.outEdges[id] = copyEdges(edges)
	}
	return b
}

// Register records a node and its out-edges, replacing any prior
// registration of the same id.
func (b *Builder) Register(id, nodeType string, edges []Edge) {
	prev, existed := b.nodes[id]
	if existed && prev.Type != nodeType {
		// Type changed: the Build step rebuilds the type index from nodes,
		// so dropping the node entry is enough to evict the stale bucket.
		delete(b.nodes, id)
	}
	b.nodes[id] = Node{ID: id, Type: nodeType}

	// Deduplicate edges and force From to match the registering node.
	seen := map[Edge]bool{}
	out := make([]Edge, 0, len(edges))
	for _, e := range edges {
		e.From = id
		if e.To == "" {
			continue
		}
		if seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].To != out[j].To {
			return out[i].To < out[j].To
		}
		return out[i].Kind < out[j].Kind
	})
	b.outEdges[id] = out
}

// Build produces the immutable snapshot. Reverse adjacency and the type index
// are recomputed from scratch so they are always the functional dual of the
// forward edges.
func (b *Builder) Build() *Graph {
	g := emptyGraph()
	for id, n := range b.nodes {
		g.nodes[id] = n
	}
	for id, edges := range b.outEdges {
		if _, ok := g.nodes[id]; !ok {
			continue
		}
		g.forward[id] = copyEdges(edges)
		g.edgeCount += len(edges)
		for _, e := range edges {
			g.reverse[e.To] = append(g.reverse[e.To], e)
		}
	}
	for to := range g.reverse {
		edges := g.reverse[to]
		sort.Slice(edges, func(i, j int) bool {
			if edges[i].From != edges[j].From {
				return edges[i].From < edges[j].From
			}
			return edges[i].Kind < edges[j].Kind
		})
	}
	for id, n := range g.nodes {
		g.typeIndex[n.Type] = append(g.typeIndex[n.Type], id)
	}
	for t := range g.typeIndex {
		sort.Strings(g.typeIndex[t])
	}
	return g
}

// GraphMap is the stable serialized form of a graph.
type GraphMap struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// ToMap serializes the graph with stable ordering (sorted by id) for
// reproducible output.
func (g *Graph) ToMap() GraphMap {
	m := GraphMap{}
	for _, id := range g.IDs() {
		m.Nodes = append(m.Nodes, g.nodes[id])
	}
	for _, id := range g.IDs() {
		m.Edges = append(m.Edges, g.forward[id]...)
	}
	return m
}

// FromMap reconstructs a graph from its serialized form.
func FromMap(m GraphMap) *Graph {
	b := NewBuilder()
	edgesByFrom := map[string][]Edge{}
	for _, e := range m.Edges {
		edgesByFrom[e.From] = append(edgesByFrom[e.From], e)
	}
	for _, n := range m.Nodes {
		b.Register(n.ID, n.Type, edgesByFrom[n.ID])
	}
	g := b.Build()
	// Preserve serialized PageRank attributes.
	for _, n := range m.Nodes {
		if n.PageRank != 0 {
			node := g.nodes[n.ID]
			node.PageRank = n.PageRank
			g.nodes[n.ID] = node
		}
	}
	return g
}
