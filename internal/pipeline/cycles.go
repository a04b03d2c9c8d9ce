package pipeline

// CycleReport names the nodes participating in at least one cycle of the
// built graph.
type CycleReport struct {
	HasCycles    bool
	CyclingNodes map[int64]bool
}

// dfsColor states for cycle detection.
type dfsColor int

const (
	white dfsColor = iota // unvisited
	gray                  // on the current DFS stack
	black                 // fully explored
)

// DetectCycles runs a colored DFS over the graph. A back edge to a gray node
// marks both endpoints as cycling, and any node whose subtree reached a cycle
// is marked as well. Cycles are reported, not rejected; the scheduler bounds
// re-execution with the iteration cap.
func DetectCycles(g *Graph) CycleReport {
	report := CycleReport{CyclingNodes: make(map[int64]bool)}
	colors := make(map[int64]dfsColor, len(g.Nodes))

	var visit func(id int64) bool
	visit = func(id int64) bool {
		colors[id] = gray
		reached := false
		for _, next := range g.Out[id] {
			switch colors[next] {
			case gray:
				report.HasCycles = true
				report.CyclingNodes[next] = true
				reached = true
			case white:
				if visit(next) {
					reached = true
				}
			}
		}
		colors[id] = black
		if reached {
			report.CyclingNodes[id] = true
		}
		return reached
	}

	for _, n := range g.Nodes {
		if colors[n.ID] == white {
			visit(n.ID)
		}
	}
	return report
}

// CyclingTitles returns the titles of cycling nodes in graph order, for the
// confirmation prompt.
func CyclingTitles(g *Graph, report CycleReport) []string {
	var titles []string
	for _, n := range g.Nodes {
		if report.CyclingNodes[n.ID] {
			titles = append(titles, n.Title)
		}
	}
	return titles
}
