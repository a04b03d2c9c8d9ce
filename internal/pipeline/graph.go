package pipeline

import (
	"strings"

	"quirk/internal/models"
)

const resultSuffix = " Result"

// KindOf determines a node's kind: the explicit kind attribute wins, then the
// type attribute, then title classification. A title classifies as a result
// node only when it ends with " Result" and contains that suffix exactly once
// (so "Result Result" style titles don't misclassify by accident, and titles
// merely containing "result" never do).
func KindOf(n *models.Node) models.NodeKind {
	if n.Kind != "" {
		return n.Kind
	}
	switch models.NodeKind(strings.ToLower(strings.TrimSpace(n.Type))) {
	case models.KindInstruction:
		return models.KindInstruction
	case models.KindScript:
		return models.KindScript
	case models.KindImage:
		return models.KindImage
	case models.KindSystem:
		return models.KindSystem
	case models.KindResult:
		return models.KindResult
	}
	if IsResultTitle(n.Title) {
		return models.KindResult
	}
	return models.KindMarkdown
}

// IsResultTitle reports whether a title marks a terminal display node.
func IsResultTitle(title string) bool {
	return strings.HasSuffix(title, resultSuffix) &&
		strings.Count(title, resultSuffix) == 1
}

// Graph is the induced execution subgraph built from a start node. Edge
// slices preserve the board's connection order, which defines the ordering
// of script inputs.
type Graph struct {
	Nodes []*models.Node
	Set   map[int64]*models.Node
	Out   map[int64][]int64
	In    map[int64][]int64
}

// Contains reports whether the node is part of the built graph.
func (g *Graph) Contains(id int64) bool {
	_, ok := g.Set[id]
	return ok
}

// IDs returns the ids of all nodes in the graph.
func (g *Graph) IDs() []int64 {
	ids := make([]int64, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

// BuildGraph walks outgoing edges breadth-first from the start node and
// returns the execution subgraph. Result nodes are terminal display surfaces
// and are never admitted. Edges are kept only when both endpoints made it
// into the set.
func BuildGraph(board Board, startID int64) *Graph {
	start := board.GetNodeByID(startID)
	if start == nil {
		return &Graph{Set: map[int64]*models.Node{}, Out: map[int64][]int64{}, In: map[int64][]int64{}}
	}

	outgoing := make(map[int64][]int64)
	for _, conn := range board.Connections() {
		outgoing[conn.Start.NodeID] = append(outgoing[conn.Start.NodeID], conn.End.NodeID)
	}

	g := &Graph{
		Set: make(map[int64]*models.Node),
		Out: make(map[int64][]int64),
		In:  make(map[int64][]int64),
	}

	if KindOf(start) == models.KindResult {
		return g
	}

	queue := []int64{startID}
	g.Set[startID] = start
	g.Nodes = append(g.Nodes, start)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range outgoing[id] {
			if g.Contains(next) {
				continue
			}
			node := board.GetNodeByID(next)
			if node == nil || KindOf(node) == models.KindResult {
				continue
			}
			g.Set[next] = node
			g.Nodes = append(g.Nodes, node)
			queue = append(queue, next)
		}
	}

	// Induced edges, deduplicated per ordered pair.
	seen := make(map[[2]int64]bool)
	for _, conn := range board.Connections() {
		u, v := conn.Start.NodeID, conn.End.NodeID
		if !g.Contains(u) || !g.Contains(v) || seen[[2]int64{u, v}] {
			continue
		}
		seen[[2]int64{u, v}] = true
		g.Out[u] = append(g.Out[u], v)
		g.In[v] = append(g.In[v], u)
	}

	return g
}

// UpstreamClosure computes the set of nodes reachable by following edges
// backward from the given node over the full board, inclusive of the node
// itself. Template references are only allowed to resolve inside this set.
func UpstreamClosure(board Board, nodeID int64) map[int64]bool {
	incoming := make(map[int64][]int64)
	for _, conn := range board.Connections() {
		incoming[conn.End.NodeID] = append(incoming[conn.End.NodeID], conn.Start.NodeID)
	}

	closure := make(map[int64]bool)
	stack := []int64{nodeID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if closure[id] {
			continue
		}
		closure[id] = true
		stack = append(stack, incoming[id]...)
	}
	return closure
}

// UpstreamNodes returns the node's direct upstream neighbors over the full
// board, in connection order. This is the ordering script inputs() exposes.
func UpstreamNodes(board Board, nodeID int64) []*models.Node {
	var ups []*models.Node
	seen := make(map[int64]bool)
	for _, conn := range board.Connections() {
		if conn.End.NodeID != nodeID || seen[conn.Start.NodeID] {
			continue
		}
		seen[conn.Start.NodeID] = true
		if n := board.GetNodeByID(conn.Start.NodeID); n != nil {
			ups = append(ups, n)
		}
	}
	return ups
}
