package dialect

import (
	"errors"
	"testing"
)

func TestTypesPerDriver(t *testing.T) {
	if got := TimestampType(PGX); got != "TIMESTAMPTZ" {
		t.Errorf("TimestampType(pgx) = %s", got)
	}
	if got := TimestampType(SQLite3); got != "TIMESTAMP" {
		t.Errorf("TimestampType(sqlite3) = %s", got)
	}
	if got := SequenceType(PGX); got != "BIGINT" {
		t.Errorf("SequenceType(pgx) = %s", got)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	cases := map[string]bool{
		"UNIQUE constraint failed: task_steps.task_id, task_steps.sequence": true,
		"ERROR: duplicate key value (SQLSTATE 23505)":                       true,
		"database is locked":                                                false,
	}
	for msg, want := range cases {
		if got := IsUniqueViolation(errors.New(msg)); got != want {
			t.Errorf("IsUniqueViolation(%q) = %v, want %v", msg, got, want)
		}
	}
	if IsUniqueViolation(nil) {
		t.Error("nil error reported as violation")
	}
}
