// Package pipeline implements the node execution engine: graph construction,
// cycle detection, topological scheduling with bounded re-execution, template
// resolution, per-kind node executors, and result delivery back to the UI.
package pipeline

import (
	"context"

	"quirk/internal/models"
)

// Board is the slice of the board store the pipeline consumes: node lookup,
// edge listing, locked node mutation, and the debounced persistence trigger.
// Result-side writes go through UpdateNode so they cannot tear the snapshot
// the autosave marshals.
type Board interface {
	GetNodeByID(id int64) *models.Node
	Nodes() []*models.Node
	Connections() []models.Connection
	UpdateNode(id int64, fn func(*models.Node)) bool
	AutoSave()
}

// Notifier delivers pipeline events to connected UI clients.
type Notifier interface {
	NodeUpdate(update models.NodeUpdate)
	Notify(n models.Notification)
	FileReady(f models.FileReady)
}

// LLMClient is the chat transport consumed by instruction nodes and the
// script host's llm() call.
type LLMClient interface {
	Stream(ctx context.Context, prompt string, override *models.LLMCallConfig, onChunk func(string)) (string, error)
	Complete(ctx context.Context, prompt string, override *models.LLMCallConfig) (string, error)
}

// ImageClient generates an image for a prompt and returns a displayable
// reference (hosted URL or data URL).
type ImageClient interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// FileSink persists run artifacts and returns their download metadata.
type FileSink interface {
	Save(filename string, content []byte) (models.SavedFile, error)
}

// ConfirmFunc decides whether a run should proceed when the graph contains
// cycles. It receives the titles of the cycling nodes.
type ConfirmFunc func(cyclingTitles []string) bool
