package graph

import (
	"math/rand"
	"sort"
)

// Structural analysis over a snapshot: orphans, dead ends, hubs, cycles,
// bridges. Bridges on large graphs fall back to a sampled approximation.

const (
	// DefaultHubLimit is the hub-report size.
	DefaultHubLimit = 20

	// bridgeExactEdgeLimit is the edge count beyond which bridge finding
	// switches to sampling.
	bridgeExactEdgeLimit = 10000

	// bridgeSampleSize is the number of edges sampled in approximate mode.
	bridgeSampleSize = 200
)

// HubNode is a node reported by the hub analysis.
type HubNode struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	InDegree int    `json:"in_degree"`
}

// BridgeEdge is an edge whose removal disconnects the undirected skeleton.
type BridgeEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Analysis is the full structural report.
type Analysis struct {
	Orphans  []string     `json:"orphans,omitempty"`
	DeadEnds []string     `json:"dead_ends,omitempty"`
	Hubs     []HubNode    `json:"hubs,omitempty"`
	Cycles   [][]string   `json:"cycles,omitempty"`
	Bridges  []BridgeEdge `json:"bridges,omitempty"`

	// BridgesApproximate marks the bridge list as a sampled estimate on
	// graphs above the exact-computation edge limit.
	BridgesApproximate bool `json:"bridges_approximate,omitempty"`
	BridgeSampleSize   int  `json:"bridge_sample_size,omitempty"`
}

// Orphans returns nodes with neither dependencies nor dependents.
func (g *Graph) Orphans() []string {
	var out []string
	for _, id := range g.IDs() {
		if len(g.forward[id]) == 0 && len(g.reverse[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// DeadEnds returns nodes nothing depends on (in-degree 0). Orphans are a
// subset.
func (g *Graph) DeadEnds() []string {
	var out []string
	for _, id := range g.IDs() {
		if len(g.reverse[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Hubs returns the limit nodes with the highest in-degree.
func (g *Graph) Hubs(limit int) []HubNode {
	if limit <= 0 {
		limit = DefaultHubLimit
	}
	out := make([]HubNode, 0, len(g.nodes))
	for _, id := range g.IDs() {
		out = append(out, HubNode{ID: id, Type: g.nodes[id].Type, InDegree: len(g.reverse[id])})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InDegree != out[j].InDegree {
			return out[i].InDegree > out[j].InDegree
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Cycles returns strongly connected components of size ≥ 2, plus any
// self-loop as a singleton component. Components and their members are sorted.
func (g *Graph) Cycles() [][]string {
	sccs := g.stronglyConnected()
	var out [][]string
	for _, scc := range sccs {
		if len(scc) >= 2 {
			sort.Strings(scc)
			out = append(out, scc)
			continue
		}
		id := scc[0]
		for _, e := range g.forward[id] {
			if e.To == id {
				out = append(out, []string{id})
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// stronglyConnected runs Tarjan's algorithm iteratively (explicit stack, so
// deep dependency chains cannot overflow the goroutine stack).
func (g *Graph) stronglyConnected() [][]string {
	index := 0
	indices := map[string]int{}
	lowlink := map[string]int{}
	onStack := map[string]bool{}
	var stack []string
	var sccs [][]string

	type frame struct {
		id   string
		edge int
	}

	for _, root := range g.IDs() {
		if _, seen := indices[root]; seen {
			continue
		}
		callStack := []frame{{id: root}}
		for len(callStack) > 0 {
			f := &callStack[len(callStack)-1]
			if f.edge == 0 {
				indices[f.id] = index
				lowlink[f.id] = index
				index++
				stack = append(stack, f.id)
				onStack[f.id] = true
			}
			advanced := false
			edges := g.forward[f.id]
			for f.edge < len(edges) {
				to := edges[f.edge].To
				f.edge++
				if _, ok := g.nodes[to]; !ok {
					continue // external reference, not a node
				}
				if _, seen := indices[to]; !seen {
					callStack = append(callStack, frame{id: to})
					advanced = true
					break
				}
				if onStack[to] && indices[to] < lowlink[f.id] {
					lowlink[f.id] = indices[to]
				}
			}
			if advanced {
				continue
			}
			// Node finished: pop SCC if root, propagate lowlink to caller.
			if lowlink[f.id] == indices[f.id] {
				var scc []string
				for {
					top := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[top] = false
					scc = append(scc, top)
					if top == f.id {
						break
					}
				}
				sccs = append(sccs, scc)
			}
			finished := f.id
			callStack = callStack[:len(callStack)-1]
			if len(callStack) > 0 {
				parent := &callStack[len(callStack)-1]
				if lowlink[finished] < lowlink[parent.id] {
					lowlink[parent.id] = lowlink[finished]
				}
			}
		}
	}
	return sccs
}

// Bridges finds edges whose removal increases the number of weakly connected
// components. Below the edge limit this is the exact DFS low-link algorithm
// over the undirected skeleton; above it, a sampled reachability estimate.
func (g *Graph) Bridges() ([]BridgeEdge, bool) {
	if g.edgeCount > bridgeExactEdgeLimit {
		return g.sampledBridges(bridgeSampleSize), true
	}
	return g.exactBridges(), false
}

// undirected returns the undirected skeleton adjacency with parallel and
// anti-parallel edges collapsed.
func (g *Graph) undirected() map[string][]string {
	adj := map[string]map[string]bool{}
	add := func(a, b string) {
		if a == b {
			return
		}
		if adj[a] == nil {
			adj[a] = map[string]bool{}
		}
		adj[a][b] = true
	}
	for from, edges := range g.forward {
		for _, e := range edges {
			if _, ok := g.nodes[e.To]; !ok {
				continue
			}
			add(from, e.To)
			add(e.To, from)
		}
	}
	out := map[string][]string{}
	for id, set := range adj {
		for n := range set {
			out[id] = append(out[id], n)
		}
		sort.Strings(out[id])
	}
	return out
}

// exactBridges runs an iterative bridge-finding DFS over the skeleton.
// An edge (u,v) is a bridge when low[v] > disc[u]. Multi-edges between the
// same pair (e.g. A→B and B→A) were already collapsed by undirected, so a
// pair connected in both directions still forms a single skeleton edge.
func (g *Graph) exactBridges() []BridgeEdge {
	adj := g.undirected()
	disc := map[string]int{}
	low := map[string]int{}
	timer := 0
	var bridges []BridgeEdge

	type frame struct {
		id     string
		parent string
		edge   int
	}

	for _, root := range g.IDs() {
		if _, seen := disc[root]; seen {
			continue
		}
		stack := []frame{{id: root, parent: ""}}
		for len(stack) > 0 {
			f := &stack[len(stack)-1]
			if f.edge == 0 {
				timer++
				disc[f.id] = timer
				low[f.id] = timer
			}
			advanced := false
			neighbors := adj[f.id]
			for f.edge < len(neighbors) {
				n := neighbors[f.edge]
				f.edge++
				if n == f.parent {
					continue
				}
				if _, seen := disc[n]; !seen {
					stack = append(stack, frame{id: n, parent: f.id})
					advanced = true
					break
				}
				if disc[n] < low[f.id] {
					low[f.id] = disc[n]
				}
			}
			if advanced {
				continue
			}
			finished := *f
			stack = stack[:len(stack)-1]
			if len(stack) > 0 {
				parent := &stack[len(stack)-1]
				if low[finished.id] < low[parent.id] {
					low[parent.id] = low[finished.id]
				}
				if low[finished.id] > disc[parent.id] {
					a, b := parent.id, finished.id
					if b < a {
						a, b = b, a
					}
					bridges = append(bridges, BridgeEdge{From: a, To: b})
				}
			}
		}
	}
	sort.Slice(bridges, func(i, j int) bool {
		if bridges[i].From != bridges[j].From {
			return bridges[i].From < bridges[j].From
		}
		return bridges[i].To < bridges[j].To
	})
	return bridges
}

// sampledBridges estimates bridges by removing sampled skeleton edges and
// testing whether the endpoints stay mutually reachable.
func (g *Graph) sampledBridges(samples int) []BridgeEdge {
	adj := g.undirected()
	type pair struct{ a, b string }
	var all []pair
	for _, id := range g.IDs() {
		for _, n := range adj[id] {
			if id < n {
				all = append(all, pair{a: id, b: n})
			}
		}
	}
	if len(all) == 0 {
		return nil
	}
	rng := rand.New(rand.NewSource(int64(len(all))))
	if samples > len(all) {
		samples = len(all)
	}
	picked := rng.Perm(len(all))[:samples]

	var bridges []BridgeEdge
	for _, idx := range picked {
		p := all[idx]
		if !reachableWithout(adj, p.a, p.b) {
			bridges = append(bridges, BridgeEdge{From: p.a, To: p.b})
		}
	}
	sort.Slice(bridges, func(i, j int) bool {
		if bridges[i].From != bridges[j].From {
			return bridges[i].From < bridges[j].From
		}
		return bridges[i].To < bridges[j].To
	})
	return bridges
}

// reachableWithout checks whether from can still reach to when the direct
// from-to skeleton edge is removed.
func reachableWithout(adj map[string][]string, from, to string) bool {
	visited := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, n := range adj[id] {
			if id == from && n == to || id == to && n == from {
				continue
			}
			if n == to {
				return true
			}
			if !visited[n] {
				visited[n] = true
				queue = append(queue, n)
			}
		}
	}
	return false
}

// Analyze runs the requested analyses. Valid names: orphans, dead_ends,
// hubs, cycles, bridges, all.
func (g *Graph) Analyze(analysis string, limit int) Analysis {
	var report Analysis
	want := func(name string) bool { return analysis == "all" || analysis == name }

	if want("orphans") {
		report.Orphans = g.Orphans()
	}
	if want("dead_ends") {
		report.DeadEnds = g.DeadEnds()
	}
	if want("hubs") {
		report.Hubs = g.Hubs(limit)
	}
	if want("cycles") {
		report.Cycles = g.Cycles()
	}
	if want("bridges") {
		bridges, approx := g.Bridges()
		report.Bridges = bridges
		report.BridgesApproximate = approx
		if approx {
			report.BridgeSampleSize = bridgeSampleSize
		}
	}
	return report
}
