// Package graph implements the relationship index: adjacency over node
// identifiers with bounded-depth traversal and shortest-path queries.
//
// The index owns edges but never node data; it tracks the set of known node
// ids so it can reject edges to absent endpoints and cascade-delete incident
// edges when a node is removed. Like the content store it is synchronized by
// the engine, not internally.
package graph

import (
	"container/heap"
	"sort"

	"cortex-engine/internal/domain/edge"
	"cortex-engine/internal/domain/shared"
	"cortex-engine/internal/errors"
)

// Index is the adjacency structure over node identifiers.
type Index struct {
	nodes map[string]struct{}
	edges map[string]*edge.Edge
	// incident holds every edge touching a node, regardless of direction.
	// Cascade delete and degree queries read this map.
	incident map[string]map[string]struct{}
}

// New creates an empty graph index.
func New() *Index {
	return &Index{
		nodes:    make(map[string]struct{}),
		edges:    make(map[string]*edge.Edge),
		incident: make(map[string]map[string]struct{}),
	}
}

// AddNode registers a node id as a valid edge endpoint.
func (g *Index) AddNode(id shared.NodeID) {
	g.nodes[id.String()] = struct{}{}
}

// ContainsNode reports whether the id is registered.
func (g *Index) ContainsNode(id shared.NodeID) bool {
	_, ok := g.nodes[id.String()]
	return ok
}

// Link creates an edge between two registered nodes.
func (g *Index) Link(source, target shared.NodeID, weight float64, relationshipType string, directed bool) (*edge.Edge, error) {
	if !g.ContainsNode(source) {
		return nil, errors.NewUnknownNode("source node %s is not in the graph", source)
	}
	if !g.ContainsNode(target) {
		return nil, errors.NewUnknownNode("target node %s is not in the graph", target)
	}
	e, err := edge.NewEdge(source, target, weight, relationshipType, directed)
	if err != nil {
		return nil, err
	}
	g.insertEdge(e)
	return e, nil
}

// Restore places a reconstructed edge into the index. Import path only.
func (g *Index) Restore(e *edge.Edge) error {
	if !g.ContainsNode(e.SourceID()) || !g.ContainsNode(e.TargetID()) {
		return errors.NewUnknownNode("edge %s references a node that is not in the graph", e.ID())
	}
	if _, ok := g.edges[e.ID().String()]; ok {
		return errors.NewValidation("edge %s already exists", e.ID())
	}
	g.insertEdge(e)
	return nil
}

func (g *Index) insertEdge(e *edge.Edge) {
	g.edges[e.ID().String()] = e
	g.addIncident(e.SourceID(), e.ID())
	g.addIncident(e.TargetID(), e.ID())
}

func (g *Index) addIncident(node shared.NodeID, id shared.EdgeID) {
	set, ok := g.incident[node.String()]
	if !ok {
		set = make(map[string]struct{})
		g.incident[node.String()] = set
	}
	set[id.String()] = struct{}{}
}

// Unlink removes a single edge.
func (g *Index) Unlink(id shared.EdgeID) error {
	e, ok := g.edges[id.String()]
	if !ok {
		return errors.NewNotFound("edge %s not found", id)
	}
	g.removeEdge(e)
	return nil
}

func (g *Index) removeEdge(e *edge.Edge) {
	delete(g.edges, e.ID().String())
	for _, endpoint := range []shared.NodeID{e.SourceID(), e.TargetID()} {
		if set, ok := g.incident[endpoint.String()]; ok {
			delete(set, e.ID().String())
			if len(set) == 0 {
				delete(g.incident, endpoint.String())
			}
		}
	}
}

// RemoveNode unregisters a node and removes all incident edges in the same
// step, so no dangling edge is ever observable. Returns the removed edges.
func (g *Index) RemoveNode(id shared.NodeID) []*edge.Edge {
	var removed []*edge.Edge
	for _, e := range g.incidentEdges(id) {
		g.removeEdge(e)
		removed = append(removed, e)
	}
	delete(g.nodes, id.String())
	return removed
}

// Edge returns an edge by id.
func (g *Index) Edge(id shared.EdgeID) (*edge.Edge, error) {
	e, ok := g.edges[id.String()]
	if !ok {
		return nil, errors.NewNotFound("edge %s not found", id)
	}
	return e, nil
}

// Degree returns the number of edges incident to the node.
func (g *Index) Degree(id shared.NodeID) int {
	return len(g.incident[id.String()])
}

// EdgeCount returns the total number of edges.
func (g *Index) EdgeCount() int {
	return len(g.edges)
}

// ForEachEdge invokes fn for every edge until fn returns false.
func (g *Index) ForEachEdge(fn func(*edge.Edge) bool) {
	for _, e := range g.edges {
		if !fn(e) {
			return
		}
	}
}

func (g *Index) incidentEdges(id shared.NodeID) []*edge.Edge {
	set := g.incident[id.String()]
	out := make([]*edge.Edge, 0, len(set))
	for edgeID := range set {
		out = append(out, g.edges[edgeID])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID().Less(out[j].ID()) })
	return out
}

// IncidentEdges returns the edges touching a node, ordered by edge id.
func (g *Index) IncidentEdges(id shared.NodeID) []*edge.Edge {
	return g.incidentEdges(id)
}

// outgoing returns traversable (neighbor, edge) pairs from a node: directed
// edges are followed source-to-target only, undirected edges both ways.
func (g *Index) outgoing(id shared.NodeID) []step {
	var steps []step
	for _, e := range g.incidentEdges(id) {
		switch {
		case e.SourceID().Equals(id):
			steps = append(steps, step{to: e.TargetID(), via: e})
		case !e.Directed():
			steps = append(steps, step{to: e.SourceID(), via: e})
		}
	}
	return steps
}

type step struct {
	to  shared.NodeID
	via *edge.Edge
}

// Neighbors performs a breadth-first traversal bounded by depth, returning
// reachable node ids (excluding the start) in visit order. Each call runs a
// fresh traversal; the visited set makes it cycle-safe. An empty
// relationshipFilter matches every edge.
func (g *Index) Neighbors(start shared.NodeID, depth int, relationshipFilter string) ([]shared.NodeID, error) {
	if !g.ContainsNode(start) {
		return nil, errors.NewNotFound("node %s not found", start)
	}
	if depth <= 0 {
		return nil, nil
	}

	visited := map[string]struct{}{start.String(): {}}
	frontier := []shared.NodeID{start}
	var result []shared.NodeID

	for level := 0; level < depth && len(frontier) > 0; level++ {
		var next []shared.NodeID
		for _, current := range frontier {
			for _, st := range g.outgoing(current) {
				if relationshipFilter != "" && st.via.RelationshipType() != relationshipFilter {
					continue
				}
				if _, seen := visited[st.to.String()]; seen {
					continue
				}
				visited[st.to.String()] = struct{}{}
				next = append(next, st.to)
				result = append(result, st.to)
			}
		}
		frontier = next
	}
	return result, nil
}

// ShortestPath finds the minimum-hop path between two nodes using unweighted
// BFS, bounded by maxHops. Returns a NotFound error when the target is not
// reachable within the bound.
func (g *Index) ShortestPath(source, target shared.NodeID, maxHops int) ([]shared.NodeID, error) {
	if !g.ContainsNode(source) {
		return nil, errors.NewNotFound("node %s not found", source)
	}
	if !g.ContainsNode(target) {
		return nil, errors.NewNotFound("node %s not found", target)
	}
	if source.Equals(target) {
		return []shared.NodeID{source}, nil
	}

	prev := map[string]shared.NodeID{source.String(): source}
	frontier := []shared.NodeID{source}

	for hops := 0; hops < maxHops && len(frontier) > 0; hops++ {
		var next []shared.NodeID
		for _, current := range frontier {
			for _, st := range g.outgoing(current) {
				if _, seen := prev[st.to.String()]; seen {
					continue
				}
				prev[st.to.String()] = current
				if st.to.Equals(target) {
					return rebuildPath(prev, source, target), nil
				}
				next = append(next, st.to)
			}
		}
		frontier = next
	}
	return nil, errors.NewNotFound("no path from %s to %s within %d hops", source, target, maxHops)
}

// WeightedShortestPath finds the minimum-cost path using edge weights as
// costs (Dijkstra). Equal-cost relaxations tie-break on the lower incoming
// edge id, which makes the result deterministic.
func (g *Index) WeightedShortestPath(source, target shared.NodeID, maxHops int) ([]shared.NodeID, error) {
	if !g.ContainsNode(source) {
		return nil, errors.NewNotFound("node %s not found", source)
	}
	if !g.ContainsNode(target) {
		return nil, errors.NewNotFound("node %s not found", target)
	}
	if source.Equals(target) {
		return []shared.NodeID{source}, nil
	}

	type visit struct {
		cost float64
		hops int
		via  shared.EdgeID
	}
	best := map[string]visit{source.String(): {}}
	prev := map[string]shared.NodeID{}

	pq := &pathQueue{{node: source}}
	heap.Init(pq)

	for pq.Len() > 0 {
		item := heap.Pop(pq).(pathItem)
		current, ok := best[item.node.String()]
		if !ok || item.cost > current.cost {
			continue // stale queue entry
		}
		if item.node.Equals(target) {
			return rebuildPath(prev, source, target), nil
		}
		if item.hops >= maxHops {
			continue
		}
		for _, st := range g.outgoing(item.node) {
			candidate := visit{
				cost: item.cost + st.via.Weight(),
				hops: item.hops + 1,
				via:  st.via.ID(),
			}
			existing, seen := best[st.to.String()]
			if seen && (existing.cost < candidate.cost ||
				(existing.cost == candidate.cost && !candidate.via.Less(existing.via))) {
				continue
			}
			best[st.to.String()] = candidate
			prev[st.to.String()] = item.node
			heap.Push(pq, pathItem{node: st.to, cost: candidate.cost, hops: candidate.hops, via: candidate.via})
		}
	}
	return nil, errors.NewNotFound("no path from %s to %s within %d hops", source, target, maxHops)
}

// RedirectEdges rewires every edge incident to from onto to, deduplicating
// edges that become parallel and dropping would-be self-loops. Used by the
// consolidation merge step. Returns the ids of edges that were dropped.
func (g *Index) RedirectEdges(from, to shared.NodeID) ([]shared.EdgeID, error) {
	if !g.ContainsNode(to) {
		return nil, errors.NewUnknownNode("redirect target %s is not in the graph", to)
	}

	type signature struct {
		a, b     string
		relType  string
		directed bool
	}
	seen := make(map[signature]struct{})
	for _, e := range g.incidentEdges(to) {
		seen[edgeSignature(e)] = struct{}{}
	}

	var dropped []shared.EdgeID
	for _, e := range g.incidentEdges(from) {
		other, _ := e.OtherEnd(from)
		if other.Equals(to) {
			// Edge between the merging pair collapses.
			g.removeEdge(e)
			dropped = append(dropped, e.ID())
			continue
		}
		g.removeEdge(e)
		if err := e.RedirectEndpoint(from, to); err != nil {
			dropped = append(dropped, e.ID())
			continue
		}
		sig := edgeSignature(e)
		if _, dup := seen[sig]; dup {
			dropped = append(dropped, e.ID())
			continue
		}
		seen[sig] = struct{}{}
		g.insertEdge(e)
	}
	delete(g.nodes, from.String())
	return dropped, nil
}

func edgeSignature(e *edge.Edge) struct {
	a, b     string
	relType  string
	directed bool
} {
	a, b := e.SourceID().String(), e.TargetID().String()
	if !e.Directed() && b < a {
		a, b = b, a
	}
	return struct {
		a, b     string
		relType  string
		directed bool
	}{a: a, b: b, relType: e.RelationshipType(), directed: e.Directed()}
}

func rebuildPath(prev map[string]shared.NodeID, source, target shared.NodeID) []shared.NodeID {
	path := []shared.NodeID{target}
	for current := target; !current.Equals(source); {
		current = prev[current.String()]
		path = append(path, current)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// pathItem is a priority-queue entry for Dijkstra search.
type pathItem struct {
	node shared.NodeID
	cost float64
	hops int
	via  shared.EdgeID
}

type pathQueue []pathItem

func (q pathQueue) Len() int { return len(q) }

func (q pathQueue) Less(i, j int) bool {
	if q[i].cost != q[j].cost {
		return q[i].cost < q[j].cost
	}
	return q[i].via.Less(q[j].via)
}

func (q pathQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *pathQueue) Push(x any) { *q = append(*q, x.(pathItem)) }

func (q *pathQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}
