// Package sqlite provides the SQL task repository. Despite the name it also
// serves PostgreSQL through pgx; queries are written with ? placeholders and
// rebound for the active driver.
package sqlite

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/browserpilot/internal/db/dialect"
	"github.com/kandev/browserpilot/internal/task/repository"
)

// Repository provides SQL task storage operations.
type Repository struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader
	ownsDB bool
}

var _ repository.Repository = (*Repository)(nil)

// NewWithDB creates a repository over existing connections (shared ownership).
func NewWithDB(writer, reader *sqlx.DB) (*Repository, error) {
	return newRepository(writer, reader, false)
}

// NewOwned creates a repository that closes the connections on Close.
func NewOwned(writer, reader *sqlx.DB) (*Repository, error) {
	return newRepository(writer, reader, true)
}

func newRepository(writer, reader *sqlx.DB, ownsDB bool) (*Repository, error) {
	if reader == nil {
		reader = writer
	}
	repo := &Repository{db: writer, ro: reader, ownsDB: ownsDB}
	if err := repo.initSchema(); err != nil {
		if ownsDB {
			_ = repo.closeAll()
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close closes the database connections when the repository owns them.
func (r *Repository) Close() error {
	if !r.ownsDB {
		return nil
	}
	return r.closeAll()
}

func (r *Repository) closeAll() error {
	err := r.db.Close()
	if r.ro != r.db {
		if rErr := r.ro.Close(); rErr != nil && err == nil {
			err = rErr
		}
	}
	return err
}

func (r *Repository) initSchema() error {
	driver := r.db.DriverName()
	ts := dialect.TimestampType(driver)

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			prompt TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at %[1]s NOT NULL,
			updated_at %[1]s NOT NULL,
			completed_at %[1]s,
			error_message TEXT NOT NULL DEFAULT '',
			owner TEXT NOT NULL DEFAULT '',
			result TEXT
		)`, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS task_steps (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			sequence %s NOT NULL,
			step_type TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at %s NOT NULL,
			UNIQUE (task_id, sequence)
		)`, dialect.SequenceType(driver), ts),
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_task_steps_task_id ON task_steps(task_id, sequence)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
