package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusPaused, TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {TaskStatusRunning},
	TaskStatusRunning: {TaskStatusPaused, TaskStatusCompleted, TaskStatusFailed},
	TaskStatusPaused:  {TaskStatusRunning, TaskStatusFailed},
}

// CanTransition reports whether a task may move from one status to another.
// Terminal statuses have no outgoing transitions.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a wrapped ErrInvalidTransition when CanTransition is false.
func CheckTransition(from, to TaskStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Task is one browser-automation job.
type Task struct {
	ID           string          `json:"id" db:"id"`
	Prompt       string          `json:"prompt" db:"prompt"`
	Status       TaskStatus      `json:"status" db:"status"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	ErrorMessage string          `json:"error_message,omitempty" db:"error_message"`
	Owner        string          `json:"owner,omitempty" db:"owner"` // instance that started the task
	Result       json.RawMessage `json:"result,omitempty" db:"-"`
}

// Clone returns a copy that shares no mutable state with t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	return &c
}

// StepType classifies a step.
type StepType string

const (
	StepTypeThinking    StepType = "thinking"
	StepTypeAction      StepType = "action"
	StepTypeObservation StepType = "observation"
	StepTypeError       StepType = "error"
)

// Step is one persisted, immutable unit of progress within a task.
type Step struct {
	ID        string                 `json:"id"`
	TaskID    string                 `json:"task_id"`
	Sequence  int64                  `json:"sequence"`
	StepType  StepType               `json:"step_type"`
	Content   map[string]interface{} `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
}

// Message returns the human-readable message of the step.
func (s *Step) Message() string {
	if m, ok := s.Content["message"].(string); ok {
		return m
	}
	return ""
}

// ListTasksOptions filters ListTasks.
type ListTasksOptions struct {
	Statuses []TaskStatus
	Limit    int
}
