// Package dialect provides SQL fragment helpers for SQLite/PostgreSQL portability.
package dialect

import "strings"

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// TimestampType is the column type used for timestamps.
func TimestampType(driver string) string {
	if IsPostgres(driver) {
		return "TIMESTAMPTZ"
	}
	return "TIMESTAMP"
}

// SequenceType is the column type used for per-task step sequences.
func SequenceType(driver string) string {
	if IsPostgres(driver) {
		return "BIGINT"
	}
	return "INTEGER"
}

// IsUniqueViolation reports whether err came from a UNIQUE constraint.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "SQLSTATE 23505")
}
