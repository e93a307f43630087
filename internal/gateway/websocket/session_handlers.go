package websocket

import (
	"context"
	"errors"
	"time"

	"github.com/kandev/browserpilot/internal/common/constants"
	"github.com/kandev/browserpilot/internal/session"
	"github.com/kandev/browserpilot/internal/task/models"
	"github.com/kandev/browserpilot/internal/task/repository"
	ws "github.com/kandev/browserpilot/pkg/websocket"
)

// SessionControl is the session registry as seen by the gateway.
type SessionControl interface {
	Start(ctx context.Context, taskID, prompt string) bool
	Pause(ctx context.Context, taskID string) bool
	Resume(ctx context.Context, taskID string) bool
	Stop(ctx context.Context, taskID string) bool
	Status(taskID string) (models.TaskStatus, bool)
	ListActive() map[string]models.TaskStatus
	GetStatus(ctx context.Context, taskID string) (*session.TaskStatusView, error)
	DeleteTask(ctx context.Context, taskID string) error
}

// TaskStore is the status store as seen by the gateway.
type TaskStore interface {
	CreateTask(ctx context.Context, prompt string) (*models.Task, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, opts models.ListTasksOptions) ([]*models.Task, error)
	ListSteps(ctx context.Context, taskID string) ([]*models.Step, error)
}

// StartRequest is the payload of session.start. Without a task id a new
// task is created from the prompt.
type StartRequest struct {
	TaskID string `json:"task_id,omitempty"`
	Prompt string `json:"prompt"`
}

// TaskRequest is the payload of actions addressing one task.
type TaskRequest struct {
	TaskID string `json:"task_id"`
}

// ListRequest is the payload of task.list.
type ListRequest struct {
	Statuses []models.TaskStatus `json:"statuses,omitempty"`
	Limit    int                 `json:"limit,omitempty"`
}

type sessionHandlers struct {
	sessions SessionControl
	tasks    TaskStore
}

// RegisterSessionHandlers wires the session and task actions into d.
func RegisterSessionHandlers(d *ws.Dispatcher, sessions SessionControl, tasks TaskStore) {
	h := &sessionHandlers{sessions: sessions, tasks: tasks}

	d.RegisterFunc(ws.ActionSessionStart, h.start)
	d.RegisterFunc(ws.ActionSessionPause, h.control(sessions.Pause))
	d.RegisterFunc(ws.ActionSessionResume, h.control(sessions.Resume))
	d.RegisterFunc(ws.ActionSessionStop, h.control(sessions.Stop))
	d.RegisterFunc(ws.ActionSessionStatus, h.status)
	d.RegisterFunc(ws.ActionSessionList, h.list)

	d.RegisterFunc(ws.ActionTaskGet, h.getTask)
	d.RegisterFunc(ws.ActionTaskList, h.listTasks)
	d.RegisterFunc(ws.ActionTaskSteps, h.steps)
	d.RegisterFunc(ws.ActionTaskDelete, h.deleteTask)
}

func (h *sessionHandlers) start(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req StartRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.TaskID == "" && req.Prompt == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "prompt is required", nil)
	}

	taskID := req.TaskID
	if taskID == "" {
		task, err := h.tasks.CreateTask(ctx, req.Prompt)
		if err != nil {
			return nil, err
		}
		taskID = task.ID
	} else if req.Prompt == "" {
		if _, err := h.tasks.GetTask(ctx, taskID); err != nil {
			return taskError(msg, err)
		}
	}

	accepted := h.sessions.Start(ctx, taskID, req.Prompt)
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"accepted": accepted,
		"task_id":  taskID,
	})
}

func (h *sessionHandlers) control(op func(ctx context.Context, taskID string) bool) ws.HandlerFunc {
	return func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		taskID, errMsg := requireTaskID(msg)
		if errMsg != nil {
			return errMsg, nil
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"success": op(ctx, taskID),
			"task_id": taskID,
		})
	}
}

func (h *sessionHandlers) status(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	taskID, errMsg := requireTaskID(msg)
	if errMsg != nil {
		return errMsg, nil
	}
	ctx, cancel := context.WithTimeout(ctx, constants.StatusReadTimeout)
	defer cancel()

	view, err := h.sessions.GetStatus(ctx, taskID)
	if err != nil {
		return taskError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, view)
}

func (h *sessionHandlers) list(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"sessions": h.sessions.ListActive(),
	})
}

func (h *sessionHandlers) getTask(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	taskID, errMsg := requireTaskID(msg)
	if errMsg != nil {
		return errMsg, nil
	}
	task, err := h.tasks.GetTask(ctx, taskID)
	if err != nil {
		return taskError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, task)
}

func (h *sessionHandlers) listTasks(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req ListRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	for _, s := range req.Statuses {
		if !s.Valid() {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "unknown status: "+string(s), nil)
		}
	}
	tasks, err := h.tasks.ListTasks(ctx, models.ListTasksOptions{Statuses: req.Statuses, Limit: req.Limit})
	if err != nil {
		return nil, err
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"tasks": tasks,
		"total": len(tasks),
	})
}

func (h *sessionHandlers) steps(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	taskID, errMsg := requireTaskID(msg)
	if errMsg != nil {
		return errMsg, nil
	}
	steps, err := h.tasks.ListSteps(ctx, taskID)
	if err != nil {
		return taskError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"task_id": taskID,
		"steps":   steps,
	})
}

func (h *sessionHandlers) deleteTask(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	taskID, errMsg := requireTaskID(msg)
	if errMsg != nil {
		return errMsg, nil
	}
	if err := h.sessions.DeleteTask(ctx, taskID); err != nil {
		if errors.Is(err, session.ErrSessionActive) {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeConflict, "task has an active session; stop it first", nil)
		}
		return taskError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":    true,
		"task_id":    taskID,
		"deleted_at": time.Now().UTC(),
	})
}

func requireTaskID(msg *ws.Message) (string, *ws.Message) {
	var req TaskRequest
	if err := msg.ParsePayload(&req); err != nil {
		m, _ := ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return "", m
	}
	if req.TaskID == "" {
		m, _ := ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "task_id is required", nil)
		return "", m
	}
	return req.TaskID, nil
}

func taskError(msg *ws.Message, err error) (*ws.Message, error) {
	if errors.Is(err, repository.ErrTaskNotFound) {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error(), nil)
	}
	return nil, err
}
