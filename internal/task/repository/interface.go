// Package repository stores tasks and their steps.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/kandev/browserpilot/internal/task/models"
)

var (
	// ErrTaskNotFound is returned when no task has the given id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskExists is returned by CreateTask for a duplicate id.
	ErrTaskExists = errors.New("task already exists")
)

// Repository defines the storage operations for tasks and steps.
//
// Status writes are conditional so that concurrent writers cannot reorder
// them: UpdateTaskStatus is a compare-and-set on the current status and
// FinalizeTask only succeeds while the task is not yet terminal.
type Repository interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, opts models.ListTasksOptions) ([]*models.Task, error)
	DeleteTask(ctx context.Context, id string) error

	// UpdateTaskStatus moves a task from `from` to `to`. It reports false
	// without error when the stored status is no longer `from`.
	UpdateTaskStatus(ctx context.Context, id string, from, to models.TaskStatus, at time.Time) (bool, error)

	// ClaimTask moves a pending task to running and records owner in the
	// same write. It reports false when the task is no longer pending.
	ClaimTask(ctx context.Context, id, owner string, at time.Time) (bool, error)

	// FinalizeTask writes a terminal status together with its completion
	// time and message or result. It reports false when the task was
	// already terminal.
	FinalizeTask(ctx context.Context, id string, status models.TaskStatus, errorMessage string, result json.RawMessage, at time.Time) (bool, error)

	// AppendStep assigns the next sequence number (and an id when empty)
	// and stores the step.
	AppendStep(ctx context.Context, step *models.Step) error
	ListSteps(ctx context.Context, taskID string) ([]*models.Step, error)

	Close() error
}
