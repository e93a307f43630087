package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kandev/browserpilot/internal/common/constants"
	"github.com/kandev/browserpilot/internal/common/logger"
	"github.com/kandev/browserpilot/internal/task/models"
	"github.com/kandev/browserpilot/internal/task/status"
)

// liveSessions reports whether a task has a live session.
type liveSessions interface {
	Status(taskID string) (models.TaskStatus, bool)
}

// Sweeper fails tasks that are running or paused in the store but have no
// live session, e.g. after a crash. Only tasks owned by this instance (or
// with no owner) are considered; other instances sharing the database own
// their sessions. It runs once on Start and then on a cron schedule.
type Sweeper struct {
	store    *status.Store
	sessions liveSessions
	schedule string
	logger   *logger.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewSweeper creates a Sweeper. An empty schedule disables periodic runs.
func NewSweeper(store *status.Store, sessions liveSessions, schedule string, log *logger.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		sessions: sessions,
		schedule: schedule,
		logger:   log.WithComponent("orphan-sweeper"),
	}
}

// Start sweeps once and schedules further sweeps.
func (s *Sweeper) Start(ctx context.Context) error {
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("Initial sweep failed", zap.Error(err))
	}
	if s.schedule == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cron.New()
	sweepCtx := context.WithoutCancel(ctx)
	if _, err := c.AddFunc(s.schedule, func() {
		if _, err := s.Sweep(sweepCtx); err != nil {
			s.logger.Error("Sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("Orphan sweeper scheduled", zap.String("schedule", s.schedule))
	return nil
}

// Stop halts the schedule and waits for a running sweep.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Sweep fails every orphaned task and returns how many it failed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	tasks, err := s.store.ListTasks(ctx, models.ListTasksOptions{
		Statuses: []models.TaskStatus{models.TaskStatusRunning, models.TaskStatusPaused},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list active tasks: %w", err)
	}

	failed := 0
	owner := s.store.Owner()
	for _, task := range tasks {
		if task.Owner != "" && task.Owner != owner {
			continue
		}
		if _, live := s.sessions.Status(task.ID); live {
			continue
		}
		won, err := s.store.Fail(ctx, task.ID, constants.SessionLostMessage)
		if err != nil {
			s.logger.Error("Failed to fail orphaned task", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		if won {
			failed++
			s.logger.Warn("Failed orphaned task", zap.String("task_id", task.ID), zap.String("status", string(task.Status)))
		}
	}
	return failed, nil
}
