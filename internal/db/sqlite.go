package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kandev/browserpilot/internal/db/dialect"
)

const (
	busyTimeout       = 5 * time.Second
	sqliteReaderConns = 4
)

// OpenSQLite opens a SQLite database as a Pool: one writer connection in WAL
// mode plus a read-only reader pool.
func OpenSQLite(dbPath string) (*Pool, error) {
	path := normalizePath(dbPath)
	if err := prepareFile(path); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}

	writerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		path, busyTimeout.Milliseconds(),
	)
	writer, err := sqlx.Open(dialect.SQLite3, writerDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	// Touch the file through the writer so WAL mode is set before readers open.
	if err := writer.Ping(); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	readerDSN := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d", path, busyTimeout.Milliseconds())
	reader, err := sqlx.Open(dialect.SQLite3, readerDSN)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	reader.SetMaxOpenConns(sqliteReaderConns)
	reader.SetMaxIdleConns(sqliteReaderConns)

	return NewPool(writer, reader), nil
}

func prepareFile(path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func normalizePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
