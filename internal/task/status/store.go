// Package status is the single write path for task status and steps. Every
// write is persisted first and then published on the event bus; a failed
// publish is logged and never undoes the write.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/browserpilot/internal/common/logger"
	"github.com/kandev/browserpilot/internal/events"
	"github.com/kandev/browserpilot/internal/events/bus"
	"github.com/kandev/browserpilot/internal/task/models"
	"github.com/kandev/browserpilot/internal/task/repository"
)

// ErrStatusConflict is returned when another writer changed the status
// between read and write.
var ErrStatusConflict = errors.New("task status changed concurrently")

// Store persists task status and steps and publishes the matching events.
type Store struct {
	repo   repository.Repository
	bus    bus.EventBus
	owner  string
	logger *logger.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithOwner sets the instance id recorded on tasks started through this store.
func WithOwner(owner string) Option {
	return func(s *Store) { s.owner = owner }
}

// NewStore creates a Store. eventBus may be nil, in which case nothing is published.
func NewStore(repo repository.Repository, eventBus bus.EventBus, log *logger.Logger, opts ...Option) *Store {
	s := &Store{
		repo:   repo,
		bus:    eventBus,
		logger: log.WithComponent("status-store"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Owner returns the instance id this store stamps on started tasks.
func (s *Store) Owner() string {
	return s.owner
}

// CreateTask creates a pending task with a generated id.
func (s *Store) CreateTask(ctx context.Context, prompt string) (*models.Task, error) {
	task := &models.Task{Prompt: prompt, Status: models.TaskStatusPending, CreatedAt: s.now()}
	if err := s.repo.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	s.publish(ctx, events.NewStatusEvent(task))
	return task.Clone(), nil
}

// EnsureTask returns the task with the given id, creating it as pending
// with prompt when it does not exist yet.
func (s *Store) EnsureTask(ctx context.Context, id, prompt string) (*models.Task, error) {
	task, err := s.repo.GetTask(ctx, id)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, repository.ErrTaskNotFound) {
		return nil, err
	}

	task = &models.Task{ID: id, Prompt: prompt, Status: models.TaskStatusPending, CreatedAt: s.now()}
	if err := s.repo.CreateTask(ctx, task); err != nil {
		if errors.Is(err, repository.ErrTaskExists) {
			return s.repo.GetTask(ctx, id)
		}
		return nil, err
	}
	s.publish(ctx, events.NewStatusEvent(task))
	return task.Clone(), nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return s.repo.GetTask(ctx, id)
}

func (s *Store) ListTasks(ctx context.Context, opts models.ListTasksOptions) ([]*models.Task, error) {
	return s.repo.ListTasks(ctx, opts)
}

func (s *Store) ListSteps(ctx context.Context, taskID string) ([]*models.Step, error) {
	return s.repo.ListSteps(ctx, taskID)
}

// Transition moves a task to a non-terminal status. Use Complete or Fail
// for terminal statuses.
func (s *Store) Transition(ctx context.Context, id string, to models.TaskStatus) (*models.Task, error) {
	if to.IsTerminal() {
		return nil, fmt.Errorf("%w: use Complete or Fail for %s", models.ErrInvalidTransition, to)
	}
	task, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := models.CheckTransition(task.Status, to); err != nil {
		return nil, err
	}

	at := s.now()
	var ok bool
	if task.Status == models.TaskStatusPending {
		ok, err = s.repo.ClaimTask(ctx, id, s.owner, at)
		task.Owner = s.owner
	} else {
		ok, err = s.repo.UpdateTaskStatus(ctx, id, task.Status, to, at)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStatusConflict, id)
	}

	task.Status = to
	task.UpdatedAt = at
	s.publish(ctx, events.NewStatusEvent(task))
	return task, nil
}

// Complete finalizes a task as completed. It reports false when the task
// was already terminal.
func (s *Store) Complete(ctx context.Context, id string, result json.RawMessage) (bool, error) {
	return s.finalize(ctx, id, models.TaskStatusCompleted, "", result)
}

// Fail finalizes a task as failed with message. It reports false when the
// task was already terminal.
func (s *Store) Fail(ctx context.Context, id, message string) (bool, error) {
	return s.finalize(ctx, id, models.TaskStatusFailed, message, nil)
}

func (s *Store) finalize(ctx context.Context, id string, to models.TaskStatus, message string, result json.RawMessage) (bool, error) {
	task, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return false, err
	}
	if task.Status.IsTerminal() {
		return false, nil
	}
	if err := models.CheckTransition(task.Status, to); err != nil {
		return false, err
	}

	at := s.now()
	won, err := s.repo.FinalizeTask(ctx, id, to, message, result, at)
	if err != nil || !won {
		return false, err
	}

	task.Status = to
	task.UpdatedAt = at
	task.CompletedAt = &at
	task.ErrorMessage = message
	task.Result = result
	s.publish(ctx, events.NewStatusEvent(task))

	s.logger.Info("Task finalized",
		zap.String("task_id", id),
		zap.String("status", string(to)),
		zap.String("error_message", message))
	return true, nil
}

// AppendStep persists a step and publishes it.
func (s *Store) AppendStep(ctx context.Context, taskID string, stepType models.StepType, content map[string]interface{}) (*models.Step, error) {
	step := &models.Step{
		TaskID:    taskID,
		StepType:  stepType,
		Content:   content,
		Timestamp: s.now(),
	}
	if err := s.repo.AppendStep(ctx, step); err != nil {
		return nil, fmt.Errorf("failed to append step: %w", err)
	}
	s.publish(ctx, events.NewStepEvent(step))
	return step, nil
}

// DeleteTask removes a task and its steps.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	if err := s.repo.DeleteTask(ctx, id); err != nil {
		return err
	}
	s.publish(ctx, &events.TaskEvent{Kind: events.TaskDeleted, TaskID: id})
	return nil
}

func (s *Store) publish(ctx context.Context, te *events.TaskEvent) {
	if s.bus == nil {
		return
	}
	ev, err := te.ToBusEvent()
	if err == nil {
		err = s.bus.Publish(ctx, events.TaskSubject(te.TaskID), ev)
	}
	if err != nil {
		s.logger.Error("Failed to publish task event",
			zap.String("task_id", te.TaskID),
			zap.String("event_type", te.Kind),
			zap.Error(err))
	}
}
