package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/browserpilot/internal/task/models"
)

// MemoryRepository provides in-memory task storage.
type MemoryRepository struct {
	mu    sync.RWMutex
	tasks map[string]*models.Task
	steps map[string][]*models.Step
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory task repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tasks: make(map[string]*models.Task),
		steps: make(map[string][]*models.Step),
	}
}

// Close is a no-op for the in-memory repository.
func (r *MemoryRepository) Close() error {
	return nil
}

func (r *MemoryRepository) CreateTask(ctx context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if _, ok := r.tasks[task.ID]; ok {
		return fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	r.tasks[task.ID] = task.Clone()
	return nil
}

func (r *MemoryRepository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return task.Clone(), nil
}

func (r *MemoryRepository) ListTasks(ctx context.Context, opts models.ListTasksOptions) ([]*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	want := make(map[models.TaskStatus]bool, len(opts.Statuses))
	for _, s := range opts.Statuses {
		want[s] = true
	}

	result := make([]*models.Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		if len(want) > 0 && !want[task.Status] {
			continue
		}
		result = append(result, task.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

func (r *MemoryRepository) DeleteTask(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[id]; !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	delete(r.tasks, id)
	delete(r.steps, id)
	return nil
}

func (r *MemoryRepository) UpdateTaskStatus(ctx context.Context, id string, from, to models.TaskStatus, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if task.Status != from {
		return false, nil
	}
	task.Status = to
	task.UpdatedAt = at
	return true, nil
}

func (r *MemoryRepository) ClaimTask(ctx context.Context, id, owner string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if task.Status != models.TaskStatusPending {
		return false, nil
	}
	task.Status = models.TaskStatusRunning
	task.Owner = owner
	task.UpdatedAt = at
	return true, nil
}

func (r *MemoryRepository) FinalizeTask(ctx context.Context, id string, status models.TaskStatus, errorMessage string, result json.RawMessage, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if task.Status.IsTerminal() {
		return false, nil
	}
	completed := at
	task.Status = status
	task.UpdatedAt = at
	task.CompletedAt = &completed
	task.ErrorMessage = errorMessage
	task.Result = append(json.RawMessage(nil), result...)
	if len(result) == 0 {
		task.Result = nil
	}
	return true, nil
}

func (r *MemoryRepository) AppendStep(ctx context.Context, step *models.Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[step.TaskID]; !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, step.TaskID)
	}
	if step.ID == "" {
		step.ID = uuid.New().String()
	}
	existing := r.steps[step.TaskID]
	step.Sequence = int64(len(existing)) + 1

	stored := *step
	r.steps[step.TaskID] = append(existing, &stored)
	return nil
}

func (r *MemoryRepository) ListSteps(ctx context.Context, taskID string) ([]*models.Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.tasks[taskID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	steps := r.steps[taskID]
	result := make([]*models.Step, len(steps))
	for i, s := range steps {
		c := *s
		result[i] = &c
	}
	return result, nil
}
