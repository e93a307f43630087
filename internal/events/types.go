// Package events defines the task event payloads carried on the event bus
// and selects the bus backend.
package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kandev/browserpilot/internal/events/bus"
	"github.com/kandev/browserpilot/internal/task/models"
)

// Event types.
const (
	TaskStepAdded     = "task.step"
	TaskStatusChanged = "task.status"
	TaskDeleted       = "task.deleted"
)

// EventSource identifies events produced by this process.
const EventSource = "status-store"

// AllTaskEvents matches the per-task subject of every task.
const AllTaskEvents = "task.*.events"

// TaskSubject returns the subject events for taskID are published on.
// Characters that carry meaning in subjects are replaced.
func TaskSubject(taskID string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return fmt.Sprintf("task.%s.events", r.Replace(taskID))
}

// StatusChange is the payload of a status event.
type StatusChange struct {
	Status       models.TaskStatus `json:"status"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Result       json.RawMessage   `json:"result,omitempty"`
}

// TaskEvent is the decoded form of a bus event for one task. Exactly one of
// Step and Status is set, except for deletions.
type TaskEvent struct {
	Kind   string        `json:"kind"`
	TaskID string        `json:"task_id"`
	Step   *models.Step  `json:"step,omitempty"`
	Status *StatusChange `json:"status,omitempty"`
}

// IsTerminal reports whether the event moves the task into a final status.
func (e *TaskEvent) IsTerminal() bool {
	return e.Status != nil && e.Status.Status.IsTerminal()
}

// NewStepEvent wraps a persisted step.
func NewStepEvent(step *models.Step) *TaskEvent {
	return &TaskEvent{Kind: TaskStepAdded, TaskID: step.TaskID, Step: step}
}

// NewStatusEvent wraps a status write.
func NewStatusEvent(task *models.Task) *TaskEvent {
	return &TaskEvent{
		Kind:   TaskStatusChanged,
		TaskID: task.ID,
		Status: &StatusChange{Status: task.Status, ErrorMessage: task.ErrorMessage, Result: task.Result},
	}
}

// ToBusEvent encodes the event for transport.
func (e *TaskEvent) ToBusEvent() (*bus.Event, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task event: %w", err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to encode task event: %w", err)
	}
	return bus.NewEvent(e.Kind, EventSource, data), nil
}

// DecodeTaskEvent reverses ToBusEvent. It accepts events that went through a
// network backend, where Data has been JSON round-tripped.
func DecodeTaskEvent(ev *bus.Event) (*TaskEvent, error) {
	raw, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode task event: %w", err)
	}
	var te TaskEvent
	if err := json.Unmarshal(raw, &te); err != nil {
		return nil, fmt.Errorf("failed to decode task event: %w", err)
	}
	if te.TaskID == "" {
		return nil, fmt.Errorf("failed to decode task event %s: missing task_id", ev.ID)
	}
	return &te, nil
}
