// Package schedule runs boards on a cron cadence. Schedules persist in
// SQLite and are registered with gocron at startup.
package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"quirk/internal/models"
)

// ExecuteFunc triggers a pipeline run from the given start node.
type ExecuteFunc func(ctx context.Context, nodeID int64) error

// Service manages scheduled board runs.
type Service struct {
	scheduler gocron.Scheduler
	db        *sql.DB
	execute   ExecuteFunc

	mu   sync.Mutex
	jobs map[string]gocron.Job // schedule ID -> job
}

// cronParser validates standard 5-field cron expressions before they reach
// gocron, so a bad expression fails the API call rather than job startup.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCron checks a cron expression.
func ValidateCron(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}

// NewService creates the scheduling service.
func NewService(db *sql.DB, execute ExecuteFunc) (*Service, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return &Service{
		scheduler: scheduler,
		db:        db,
		execute:   execute,
		jobs:      make(map[string]gocron.Job),
	}, nil
}

// Start loads enabled schedules from the database and starts the scheduler.
func (s *Service) Start(ctx context.Context) error {
	log.Println("⏰ Starting schedule service...")

	schedules, err := s.List(ctx)
	if err != nil {
		log.Printf("⚠️ Failed to load schedules: %v", err)
	}
	var count int
	for _, sched := range schedules {
		if !sched.Enabled {
			continue
		}
		if err := s.registerJob(sched); err != nil {
			log.Printf("⚠️ Failed to register schedule %s: %v", sched.ID, err)
			continue
		}
		count++
	}

	s.scheduler.Start()
	log.Printf("✅ Schedule service started with %d schedules", count)
	return nil
}

// Stop shuts the scheduler down; running jobs finish.
func (s *Service) Stop() error {
	log.Println("⏹️ Stopping schedule service...")
	return s.scheduler.Shutdown()
}

// List returns all stored schedules.
func (s *Service) List(ctx context.Context) ([]models.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, board_id, node_id, cron_expr, enabled, created_at FROM schedules ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	var schedules []models.Schedule
	for rows.Next() {
		var sched models.Schedule
		if err := rows.Scan(&sched.ID, &sched.BoardID, &sched.NodeID, &sched.CronExpr, &sched.Enabled, &sched.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

// Create validates, persists, and registers a new schedule.
func (s *Service) Create(ctx context.Context, boardID string, nodeID int64, cronExpr string) (models.Schedule, error) {
	if err := ValidateCron(cronExpr); err != nil {
		return models.Schedule{}, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	sched := models.Schedule{
		ID:        uuid.New().String(),
		BoardID:   boardID,
		NodeID:    nodeID,
		CronExpr:  cronExpr,
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, board_id, node_id, cron_expr, enabled, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.BoardID, sched.NodeID, sched.CronExpr, sched.Enabled, sched.CreatedAt)
	if err != nil {
		return models.Schedule{}, fmt.Errorf("failed to store schedule: %w", err)
	}

	if err := s.registerJob(sched); err != nil {
		return models.Schedule{}, err
	}
	return sched, nil
}

// Delete unregisters and removes a schedule.
func (s *Service) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	if job, ok := s.jobs[id]; ok {
		if err := s.scheduler.RemoveJob(job.ID()); err != nil {
			log.Printf("⚠️ Failed to remove job for schedule %s: %v", id, err)
		}
		delete(s.jobs, id)
	}
	s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	log.Printf("🗑️ Deleted schedule %s", id)
	return nil
}

func (s *Service) registerJob(sched models.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.scheduler.NewJob(
		gocron.CronJob(sched.CronExpr, false),
		gocron.NewTask(func() {
			log.Printf("📅 Scheduled run: board %s from node %d", sched.BoardID, sched.NodeID)
			if err := s.execute(context.Background(), sched.NodeID); err != nil {
				log.Printf("❌ Scheduled run failed for node %d: %v", sched.NodeID, err)
			}
		}),
		gocron.WithName(sched.ID),
		gocron.WithTags(sched.BoardID),
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	s.jobs[sched.ID] = job
	log.Printf("📅 Registered schedule %s (cron: %s)", sched.ID, sched.CronExpr)
	return nil
}
