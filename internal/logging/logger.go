package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger.
// In production (ENVIRONMENT=production) it uses JSON output for log aggregation.
// Otherwise it uses the human-readable text handler.
func Init() {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}

	slog.SetDefault(slog.New(handler))
}

// WithRun returns a logger with pipeline-run context fields attached.
// Use this for all logging within a single ExecuteFromNode invocation.
func WithRun(runID, boardID string) *slog.Logger {
	return slog.With(
		"run_id", runID,
		"board_id", boardID,
	)
}

// WithNode returns a logger scoped to a specific node within a run.
func WithNode(logger *slog.Logger, nodeID int64, title, kind string) *slog.Logger {
	return logger.With(
		"node_id", nodeID,
		"node_title", title,
		"node_kind", kind,
	)
}
