package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/kandev/browserpilot/internal/db/dialect"
	"github.com/kandev/browserpilot/internal/task/models"
	"github.com/kandev/browserpilot/internal/task/repository"
)

type taskRow struct {
	ID           string         `db:"id"`
	Prompt       string         `db:"prompt"`
	Status       string         `db:"status"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
	CompletedAt  sql.NullTime   `db:"completed_at"`
	ErrorMessage string         `db:"error_message"`
	Owner        string         `db:"owner"`
	Result       sql.NullString `db:"result"`
}

func (row *taskRow) toModel() *models.Task {
	task := &models.Task{
		ID:           row.ID,
		Prompt:       row.Prompt,
		Status:       models.TaskStatus(row.Status),
		CreatedAt:    row.CreatedAt.UTC(),
		UpdatedAt:    row.UpdatedAt.UTC(),
		ErrorMessage: row.ErrorMessage,
		Owner:        row.Owner,
	}
	if row.CompletedAt.Valid {
		at := row.CompletedAt.Time.UTC()
		task.CompletedAt = &at
	}
	if row.Result.Valid && row.Result.String != "" {
		task.Result = json.RawMessage(row.Result.String)
	}
	return task
}

const taskColumns = `id, prompt, status, created_at, updated_at, completed_at, error_message, owner, result`

// CreateTask inserts a new task.
func (r *Repository) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO tasks (id, prompt, status, created_at, updated_at, error_message)
		VALUES (?, ?, ?, ?, ?, '')
	`), task.ID, task.Prompt, string(task.Status), task.CreatedAt, task.UpdatedAt)
	if err != nil {
		if dialect.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", repository.ErrTaskExists, task.ID)
		}
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by id.
func (r *Repository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var row taskRow
	err := r.ro.GetContext(ctx, &row, r.ro.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", repository.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return row.toModel(), nil
}

// ListTasks returns tasks newest first, optionally filtered by status.
func (r *Repository) ListTasks(ctx context.Context, opts models.ListTasksOptions) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []interface{}
	if len(opts.Statuses) > 0 {
		statuses := make([]string, len(opts.Statuses))
		for i, s := range opts.Statuses {
			statuses[i] = string(s)
		}
		in, inArgs, err := sqlx.In(` WHERE status IN (?)`, statuses)
		if err != nil {
			return nil, fmt.Errorf("failed to build task filter: %w", err)
		}
		query += in
		args = append(args, inArgs...)
	}
	query += ` ORDER BY created_at DESC, id ASC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, opts.Limit)
	}

	var rows []taskRow
	if err := r.ro.SelectContext(ctx, &rows, r.ro.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	tasks := make([]*models.Task, len(rows))
	for i := range rows {
		tasks[i] = rows[i].toModel()
	}
	return tasks, nil
}

// DeleteTask removes a task and, through the foreign key, its steps.
func (r *Repository) DeleteTask(ctx context.Context, id string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Explicit delete keeps steps consistent even where FK enforcement is off.
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM task_steps WHERE task_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete steps: %w", err)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", repository.ErrTaskNotFound, id)
	}
	return tx.Commit()
}

// UpdateTaskStatus is a compare-and-set on the stored status.
func (r *Repository) UpdateTaskStatus(ctx context.Context, id string, from, to models.TaskStatus, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?
	`), string(to), at, id, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to update task status: %w", err)
	}
	return r.applied(ctx, res, id)
}

// ClaimTask starts a pending task on behalf of owner.
func (r *Repository) ClaimTask(ctx context.Context, id, owner string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tasks SET status = ?, owner = ?, updated_at = ? WHERE id = ? AND status = ?
	`), string(models.TaskStatusRunning), owner, at, id, string(models.TaskStatusPending))
	if err != nil {
		return false, fmt.Errorf("failed to claim task: %w", err)
	}
	return r.applied(ctx, res, id)
}

// FinalizeTask writes the terminal status once.
func (r *Repository) FinalizeTask(ctx context.Context, id string, status models.TaskStatus, errorMessage string, result json.RawMessage, at time.Time) (bool, error) {
	var resultArg interface{}
	if len(result) > 0 {
		resultArg = string(result)
	}
	terminal := []string{string(models.TaskStatusCompleted), string(models.TaskStatusFailed)}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tasks
		SET status = ?, updated_at = ?, completed_at = ?, error_message = ?, result = ?
		WHERE id = ? AND status NOT IN (`+strings.TrimSuffix(strings.Repeat("?, ", len(terminal)), ", ")+`)
	`), string(status), at, at, errorMessage, resultArg, id, terminal[0], terminal[1])
	if err != nil {
		return false, fmt.Errorf("failed to finalize task: %w", err)
	}
	return r.applied(ctx, res, id)
}

// applied turns a zero-row update into either "not applied" or ErrTaskNotFound.
func (r *Repository) applied(ctx context.Context, res sql.Result, id string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var exists int
	err = r.db.GetContext(ctx, &exists, r.db.Rebind(`SELECT COUNT(1) FROM tasks WHERE id = ?`), id)
	if err != nil {
		return false, err
	}
	if exists == 0 {
		return false, fmt.Errorf("%w: %s", repository.ErrTaskNotFound, id)
	}
	return false, nil
}
