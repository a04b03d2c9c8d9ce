// Package health reports readiness of the server's dependencies: the SQLite
// board store, the downloads directory, and the LLM configuration.
package health

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"quirk/internal/config"
	"quirk/internal/database"
)

// Status is one component's health.
type Status struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Report aggregates component statuses.
type Report struct {
	Healthy    bool              `json:"healthy"`
	Components map[string]Status `json:"components"`
	CheckedAt  time.Time         `json:"checkedAt"`
}

// Service runs the checks.
type Service struct {
	db           *database.DB
	downloadsDir string
	settings     func() config.Settings
}

func NewService(db *database.DB, downloadsDir string, settings func() config.Settings) *Service {
	return &Service{db: db, downloadsDir: downloadsDir, settings: settings}
}

// Check probes every component. The report is healthy only when the board
// store and downloads directory are; a missing LLM endpoint degrades the
// report without failing it, since boards without instruction nodes still run.
func (s *Service) Check(ctx context.Context) Report {
	report := Report{
		Healthy:    true,
		Components: make(map[string]Status),
		CheckedAt:  time.Now().UTC(),
	}

	dbStatus := Status{Healthy: true}
	if err := s.db.PingContext(ctx); err != nil {
		dbStatus = Status{Healthy: false, Detail: err.Error()}
		report.Healthy = false
	}
	report.Components["database"] = dbStatus

	report.Components["downloads"] = s.checkDownloads(&report)

	llmStatus := Status{Healthy: true}
	if s.settings().Endpoint == "" {
		llmStatus = Status{Healthy: false, Detail: "no LLM endpoint configured"}
	}
	report.Components["llm"] = llmStatus

	return report
}

func (s *Service) checkDownloads(report *Report) Status {
	probe := filepath.Join(s.downloadsDir, ".health")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		report.Healthy = false
		return Status{Healthy: false, Detail: err.Error()}
	}
	os.Remove(probe)
	return Status{Healthy: true}
}
