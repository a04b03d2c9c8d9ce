package models

// NodeKind tags which executor branch handles a node.
type NodeKind string

const (
	KindMarkdown    NodeKind = "markdown"
	KindInstruction NodeKind = "instruction"
	KindScript      NodeKind = "script"
	KindImage       NodeKind = "image"
	KindSystem      NodeKind = "system"
	KindResult      NodeKind = "result"
)

// Position is opaque to the pipeline; it is carried for the UI and for
// the read-only node snapshots exposed to user scripts.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is a board node. The pipeline reads Title, Kind, Type and Content and
// mutates only the result-side fields (ResultContent, ResultHTML,
// ShowingResult, ConsoleOutput).
type Node struct {
	ID       int64    `json:"id"`
	Title    string   `json:"title"`
	Kind     NodeKind `json:"kind,omitempty"` // explicit kind attribute; may be empty
	Type     string   `json:"type,omitempty"` // legacy type attribute
	Content  string   `json:"content"`
	Position Position `json:"position"`

	// Result side, owned by the pipeline's result channel.
	ResultContent string `json:"resultContent,omitempty"`
	ResultHTML    string `json:"resultHtml,omitempty"`
	ShowingResult bool   `json:"showingResult,omitempty"`

	// Captured console output from the last script run.
	ConsoleOutput string `json:"consoleOutput,omitempty"`
}

// ConnectionEnd identifies one endpoint of a directed edge.
type ConnectionEnd struct {
	NodeID int64 `json:"nodeId"`
}

// Connection is a directed edge between two nodes. Edges are unique per
// ordered pair; there are no weights or labels.
type Connection struct {
	Start ConnectionEnd `json:"start"`
	End   ConnectionEnd `json:"end"`
}

// Board groups nodes and connections for persistence and transport.
type Board struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Nodes       []*Node      `json:"nodes"`
	Connections []Connection `json:"connections"`
}

// NodeSnapshot is the read-only node shape exposed to user scripts via
// quirk.nodes() and quirk.getNode().
type NodeSnapshot struct {
	ID       int64    `json:"id"`
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Position Position `json:"position"`
}

// Snapshot returns the script-facing view of a node.
func (n *Node) Snapshot() NodeSnapshot {
	return NodeSnapshot{ID: n.ID, Title: n.Title, Content: n.Content, Position: n.Position}
}
