package projection

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Col is one column assignment in a view write.
type Col struct {
	Name  string
	Value any
}

// Cols keeps column assignments in declaration order so generated SQL is
// stable.
type Cols []Col

// UpsertCreate writes a fresh view document. Replayed deliveries are
// absorbed twice over: the insert ignores an existing row, and the follow-up
// update only applies when the event is newer than the row.
func UpsertCreate(ctx context.Context, ex Execer, table, id string, version int64, cols Cols) error {
	names := make([]string, 0, len(cols)+2)
	marks := make([]string, 0, len(cols)+2)
	args := make([]any, 0, len(cols)+2)

	names = append(names, "id", "version")
	marks = append(marks, "?", "?")
	args = append(args, id, version)
	for _, col := range cols {
		names = append(names, col.Name)
		marks = append(marks, "?")
		args = append(args, col.Value)
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO NOTHING",
		table, strings.Join(names, ", "), strings.Join(marks, ", "),
	)
	if _, err := ex.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert %s %s: %w", table, id, err)
	}

	return GatedUpdate(ctx, ex, table, id, version, cols)
}

// GatedUpdate updates a view document only when the event is newer than the
// stored row. Zero rows matched means the row already reflects this event or
// a later one; that is success, not an error.
func GatedUpdate(ctx context.Context, ex Execer, table, id string, version int64, cols Cols) error {
	sets := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+3)
	for _, col := range cols {
		sets = append(sets, col.Name+" = ?")
		args = append(args, col.Value)
	}
	sets = append(sets, "version = ?")
	args = append(args, version, id, version)

	query := fmt.Sprintf(
		"UPDATE %s SET %s WHERE id = ? AND version < ?",
		table, strings.Join(sets, ", "),
	)
	if _, err := ex.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update %s %s: %w", table, id, err)
	}
	return nil
}

// SoftDelete marks a view document deleted without removing the row, so
// queries can still surface it when asked to include deleted documents.
func SoftDelete(ctx context.Context, ex Execer, table, id string, version int64, deletedAt time.Time) error {
	return GatedUpdate(ctx, ex, table, id, version, Cols{
		{Name: "deleted_at", Value: deletedAt.UnixNano()},
		{Name: "updated_at", Value: deletedAt.UnixNano()},
	})
}
