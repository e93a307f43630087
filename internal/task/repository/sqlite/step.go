package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/browserpilot/internal/task/models"
	"github.com/kandev/browserpilot/internal/task/repository"
)

type stepRow struct {
	ID        string    `db:"id"`
	TaskID    string    `db:"task_id"`
	Sequence  int64     `db:"sequence"`
	StepType  string    `db:"step_type"`
	Content   string    `db:"content"`
	CreatedAt time.Time `db:"created_at"`
}

// AppendStep stores a step under the next sequence number for its task.
func (r *Repository) AppendStep(ctx context.Context, step *models.Step) error {
	if step.ID == "" {
		step.ID = uuid.New().String()
	}
	content, err := json.Marshal(step.Content)
	if err != nil {
		return fmt.Errorf("failed to serialize step content: %w", err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.GetContext(ctx, &status, tx.Rebind(`SELECT status FROM tasks WHERE id = ?`), step.TaskID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", repository.ErrTaskNotFound, step.TaskID)
	}
	if err != nil {
		return fmt.Errorf("failed to load task: %w", err)
	}

	var next int64
	err = tx.GetContext(ctx, &next, tx.Rebind(`SELECT COALESCE(MAX(sequence), 0) + 1 FROM task_steps WHERE task_id = ?`), step.TaskID)
	if err != nil {
		return fmt.Errorf("failed to allocate step sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO task_steps (id, task_id, sequence, step_type, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), step.ID, step.TaskID, next, string(step.StepType), string(content), step.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert step: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	step.Sequence = next
	return nil
}

// ListSteps returns a task's steps in sequence order.
func (r *Repository) ListSteps(ctx context.Context, taskID string) ([]*models.Step, error) {
	if _, err := r.GetTask(ctx, taskID); err != nil {
		return nil, err
	}

	var rows []stepRow
	err := r.ro.SelectContext(ctx, &rows, r.ro.Rebind(`
		SELECT id, task_id, sequence, step_type, content, created_at
		FROM task_steps WHERE task_id = ? ORDER BY sequence ASC
	`), taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}

	steps := make([]*models.Step, 0, len(rows))
	for _, row := range rows {
		step := &models.Step{
			ID:        row.ID,
			TaskID:    row.TaskID,
			Sequence:  row.Sequence,
			StepType:  models.StepType(row.StepType),
			Timestamp: row.CreatedAt.UTC(),
		}
		if err := json.Unmarshal([]byte(row.Content), &step.Content); err != nil {
			return nil, fmt.Errorf("failed to decode step %s: %w", row.ID, err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}
