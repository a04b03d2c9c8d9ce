package models

// ExecStatus is the lifecycle state of a node within the execution pipeline.
type ExecStatus string

const (
	StatusIdle    ExecStatus = "idle"
	StatusRunning ExecStatus = "running"
	StatusSuccess ExecStatus = "success"
	StatusError   ExecStatus = "error"
)

// ExecutionState is the pipeline-owned per-node execution record. Entries are
// created lazily on first execution, survive across pipeline runs, and are
// cleared wholesale by ClearExecutionStates. They are not part of board
// persistence.
type ExecutionState struct {
	Status         ExecStatus `json:"status"`
	Result         any        `json:"result,omitempty"`
	Error          string     `json:"error,omitempty"`
	LastRun        int64      `json:"lastRun,omitempty"`       // ms since epoch
	ExecutionTime  int64      `json:"executionTime,omitempty"` // duration of last run, ms
	IterationCount int        `json:"iterationCount"`
}

// LLMCallConfig carries per-call overrides for quirk.llm() and instruction
// nodes. Zero-value fields fall back to the persisted settings.
type LLMCallConfig struct {
	Endpoint string `json:"endpoint,omitempty"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	APIKey   string `json:"apiKey,omitempty"`
}

// SavedFile describes a file written by the save sink, addressable for
// download until its registry entry expires.
type SavedFile struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Path     string `json:"-"`
	Size     int64  `json:"size"`
	URL      string `json:"url"`
}
