package storage

import (
	"context"
	"fmt"
)

// Tables accepted by DeleteOlderThan. The table name is interpolated into the
// statement, so it is validated against this fixed set first.
const (
	TableSpans  = "trace_spans"
	TableEvents = "wide_events"
)

// DeleteOlderThan deletes at most batchLimit rows of the table whose
// created_at is before cutoffMs, scoped to the drop. The bounded subquery
// keeps the write lock short; callers loop until zero rows are affected.
// Returns the number of rows deleted.
func (s *Store) DeleteOlderThan(ctx context.Context, dropID int64, table string, cutoffMs int64, batchLimit int) (int64, error) {
	if table != TableSpans && table != TableEvents {
		return 0, fmt.Errorf("storage: delete older than: unknown table %q", table)
	}
	if batchLimit <= 0 {
		batchLimit = 5000
	}

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(
			`DELETE FROM %s WHERE id IN (
			     SELECT id FROM %s WHERE drop_id = ? AND created_at < ? LIMIT ?
			 )`, table, table),
		dropID, cutoffMs, batchLimit,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: delete older than: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage: delete older than rows affected: %w", err)
	}
	return n, nil
}

// ClearDrop wipes all spans and events of a drop in one transaction. Drop
// configuration (retention, dashboards, permissions) is untouched.
func (s *Store) ClearDrop(ctx context.Context, dropID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin clear drop: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM trace_spans WHERE drop_id = ?`, dropID); err != nil {
		return fmt.Errorf("storage: clear spans: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM wide_events WHERE drop_id = ?`, dropID); err != nil {
		return fmt.Errorf("storage: clear events: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit clear drop: %w", err)
	}
	return nil
}
