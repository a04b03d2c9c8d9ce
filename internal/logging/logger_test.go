package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func captureDefault(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(old) })
	return &buf
}

func TestWithRunAttachesRunFields(t *testing.T) {
	buf := captureDefault(t)

	WithRun("run-1", "board-7").Info("execution started")

	out := buf.String()
	for _, want := range []string{"run_id=run-1", "board_id=board-7", "execution started"} {
		if !strings.Contains(out, want) {
			t.Errorf("log line %q missing %q", out, want)
		}
	}
}

func TestWithNodeAttachesNodeFields(t *testing.T) {
	buf := captureDefault(t)

	WithNode(WithRun("run-2", "board-7"), 3, "Fetch", "instruction").Info("execution finished")

	out := buf.String()
	for _, want := range []string{"run_id=run-2", "node_id=3", "node_title=Fetch", "node_kind=instruction"} {
		if !strings.Contains(out, want) {
			t.Errorf("log line %q missing %q", out, want)
		}
	}
}
