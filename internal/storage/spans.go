package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/raphael-dev/raphael/internal/model"
)

const spanColumns = `id, drop_id, trace_id, span_id, parent_span_id, service_name,
	operation_name, start_time, end_time, duration_ms, status, attributes, created_at`

// InsertSpans writes all rows in one transaction, in receipt order. The batch
// applies entirely or not at all.
func (s *Store) InsertSpans(ctx context.Context, spans []model.TraceSpan) error {
	if len(spans) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin insert spans: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO trace_spans (drop_id, trace_id, span_id, parent_span_id, service_name,
		     operation_name, start_time, end_time, duration_ms, status, attributes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("storage: prepare insert spans: %w", err)
	}
	defer stmt.Close()

	for _, sp := range spans {
		if _, err := stmt.ExecContext(ctx,
			sp.DropID, sp.TraceID, sp.SpanID, sp.ParentSpanID, sp.ServiceName,
			sp.OperationName, sp.StartTime, sp.EndTime, sp.DurationMs, sp.Status,
			sp.Attributes, sp.CreatedAt,
		); err != nil {
			return fmt.Errorf("storage: insert span: %w", mapErr(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit insert spans: %w", err)
	}
	return nil
}

// QuerySpans runs a compiled query against the span table. conds are SQL
// fragments ANDed with the drop scope; args hold every bound value in order.
// order must be "ASC" or "DESC" (validated by the query engine).
func (s *Store) QuerySpans(ctx context.Context, dropID int64, conds []string, args []any, order string, limit, offset int) ([]model.TraceSpan, error) {
	query := `SELECT ` + spanColumns + ` FROM trace_spans WHERE drop_id = ?`
	allArgs := append([]any{dropID}, args...)
	if len(conds) > 0 {
		query += ` AND ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY created_at ` + order + ` LIMIT ? OFFSET ?`
	allArgs = append(allArgs, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, allArgs...)
	if err != nil {
		return nil, fmt.Errorf("storage: query spans: %w", err)
	}
	defer rows.Close()
	return collectSpans(rows)
}

// GetTraceSpans returns every span of one trace within the drop, ordered by
// start time ascending.
func (s *Store) GetTraceSpans(ctx context.Context, dropID int64, traceID string) ([]model.TraceSpan, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+spanColumns+` FROM trace_spans
		 WHERE drop_id = ? AND trace_id = ?
		 ORDER BY start_time ASC`,
		dropID, traceID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get trace spans: %w", err)
	}
	defer rows.Close()
	return collectSpans(rows)
}

func collectSpans(rows *sql.Rows) ([]model.TraceSpan, error) {
	out := []model.TraceSpan{}
	for rows.Next() {
		var sp model.TraceSpan
		if err := rows.Scan(
			&sp.ID, &sp.DropID, &sp.TraceID, &sp.SpanID, &sp.ParentSpanID,
			&sp.ServiceName, &sp.OperationName, &sp.StartTime, &sp.EndTime,
			&sp.DurationMs, &sp.Status, &sp.Attributes, &sp.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan span: %w", err)
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// SpanStats fills the span-side counters of a drop's stats.
func (s *Store) SpanStats(ctx context.Context, dropID int64) (spans, traces, errCount int64, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT trace_id),
		        COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0)
		 FROM trace_spans WHERE drop_id = ?`,
		dropID,
	).Scan(&spans, &traces, &errCount)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("storage: span stats: %w", err)
	}
	return spans, traces, errCount, nil
}
