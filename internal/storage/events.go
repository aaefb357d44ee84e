package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/raphael-dev/raphael/internal/model"
)

const eventColumns = `id, drop_id, trace_id, service_name, operation_type, field_name,
	outcome, duration_ms, user_id, error_count, rpc_call_count, attributes, created_at`

// InsertEvents writes all rows in one transaction, in receipt order. The
// batch applies entirely or not at all.
func (s *Store) InsertEvents(ctx context.Context, events []model.WideEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin insert events: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO wide_events (drop_id, trace_id, service_name, operation_type, field_name,
		     outcome, duration_ms, user_id, error_count, rpc_call_count, attributes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("storage: prepare insert events: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx,
			ev.DropID, ev.TraceID, ev.ServiceName, ev.OperationType, ev.FieldName,
			ev.Outcome, ev.DurationMs, ev.UserID, ev.ErrorCount, ev.RPCCallCount,
			ev.Attributes, ev.CreatedAt,
		); err != nil {
			return fmt.Errorf("storage: insert event: %w", mapErr(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit insert events: %w", err)
	}
	return nil
}

// QueryEvents runs a compiled query against the wide-event table. See
// QuerySpans for the contract.
func (s *Store) QueryEvents(ctx context.Context, dropID int64, conds []string, args []any, order string, limit, offset int) ([]model.WideEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM wide_events WHERE drop_id = ?`
	allArgs := append([]any{dropID}, args...)
	if len(conds) > 0 {
		query += ` AND ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY created_at ` + order + ` LIMIT ? OFFSET ?`
	allArgs = append(allArgs, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, allArgs...)
	if err != nil {
		return nil, fmt.Errorf("storage: query events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// GetTraceEvents returns the wide events correlated to one trace within the
// drop, ordered by creation time ascending.
func (s *Store) GetTraceEvents(ctx context.Context, dropID int64, traceID string) ([]model.WideEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM wide_events
		 WHERE drop_id = ? AND trace_id = ?
		 ORDER BY created_at ASC`,
		dropID, traceID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get trace events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]model.WideEvent, error) {
	out := []model.WideEvent{}
	for rows.Next() {
		var ev model.WideEvent
		if err := rows.Scan(
			&ev.ID, &ev.DropID, &ev.TraceID, &ev.ServiceName, &ev.OperationType,
			&ev.FieldName, &ev.Outcome, &ev.DurationMs, &ev.UserID,
			&ev.ErrorCount, &ev.RPCCallCount, &ev.Attributes, &ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// EventStats fills the event-side counters of a drop's stats.
func (s *Store) EventStats(ctx context.Context, dropID int64) (events, errCount int64, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN outcome = 'error' OR error_count > 0 THEN 1 ELSE 0 END), 0)
		 FROM wide_events WHERE drop_id = ?`,
		dropID,
	).Scan(&events, &errCount)
	if err != nil {
		return 0, 0, fmt.Errorf("storage: event stats: %w", err)
	}
	return events, errCount, nil
}

// Stats aggregates span and event counters for one drop.
func (s *Store) Stats(ctx context.Context, dropID int64) (model.DropStats, error) {
	spans, traces, spanErrs, err := s.SpanStats(ctx, dropID)
	if err != nil {
		return model.DropStats{}, err
	}
	events, eventErrs, err := s.EventStats(ctx, dropID)
	if err != nil {
		return model.DropStats{}, err
	}
	return model.DropStats{
		Spans:       spans,
		Traces:      traces,
		Events:      events,
		Errors:      spanErrs + eventErrs,
		EventErrors: eventErrs,
	}, nil
}
