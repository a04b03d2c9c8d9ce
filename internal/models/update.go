package models

// BadgeState is the status badge shown on a node.
type BadgeState string

const (
	BadgeHidden  BadgeState = "hidden"  // idle without a result
	BadgeRunning BadgeState = "running" // blue spinner, toggles sides on click
	BadgeError   BadgeState = "error"   // red X, not interactive
	BadgeSuccess BadgeState = "success" // neutral icon, toggles sides on click
)

// NodeUpdate is pushed to the UI whenever the pipeline mutates a node's
// result side or status badge. Streaming updates carry a truncated tail so
// the inner loop stays cheap; the final update carries fully rendered HTML.
type NodeUpdate struct {
	Type           string     `json:"type"` // always "node_update"
	NodeID         int64      `json:"nodeId"`
	Status         ExecStatus `json:"status,omitempty"`
	Badge          BadgeState `json:"badge,omitempty"`
	IterationCount int        `json:"iterationCount,omitempty"`
	ResultContent  string     `json:"resultContent,omitempty"`
	ResultHTML     string     `json:"resultHtml,omitempty"`
	ShowingResult  bool       `json:"showingResult"`
	Streaming      bool       `json:"streaming,omitempty"`
	StreamTail     string     `json:"streamTail,omitempty"`
	Cleared        bool       `json:"cleared,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Notification is a user-facing toast or desktop-style notification.
type Notification struct {
	Type    string `json:"type"`  // always "notification"
	Level   string `json:"level"` // info, success, warning, error
	Title   string `json:"title,omitempty"`
	Message string `json:"message"`
	Desktop bool   `json:"desktop,omitempty"` // also surface as a desktop notification if permitted
}

// FileReady announces a file written by the save sink, with its download URL.
type FileReady struct {
	Type string    `json:"type"` // always "file_ready"
	File SavedFile `json:"file"`
}
