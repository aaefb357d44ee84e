package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/raphael-dev/raphael/internal/model"
)

// GetRetention returns the drop's retention row, creating it with the default
// windows on first touch.
func (s *Store) GetRetention(ctx context.Context, dropID int64) (model.DropRetention, error) {
	var r model.DropRetention
	err := s.db.QueryRowContext(ctx,
		`SELECT drop_id, traces_retention_ms, events_retention_ms, updated_at
		 FROM drop_retention WHERE drop_id = ?`,
		dropID,
	).Scan(&r.DropID, &r.TracesRetentionMs, &r.EventsRetentionMs, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		traces := int64(model.DefaultTracesRetentionMs)
		events := int64(model.DefaultEventsRetentionMs)
		return s.SetRetention(ctx, dropID, &traces, &events)
	}
	if err != nil {
		return model.DropRetention{}, fmt.Errorf("storage: get retention: %w", err)
	}
	return r, nil
}

// SetRetention upserts the drop's retention windows. Nil disables pruning for
// that stream; callers normalize 0 to nil before reaching storage.
func (s *Store) SetRetention(ctx context.Context, dropID int64, tracesMs, eventsMs *int64) (model.DropRetention, error) {
	now := nowMs()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO drop_retention (drop_id, traces_retention_ms, events_retention_ms, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (drop_id) DO UPDATE SET
		     traces_retention_ms = excluded.traces_retention_ms,
		     events_retention_ms = excluded.events_retention_ms,
		     updated_at = excluded.updated_at`,
		dropID, tracesMs, eventsMs, now,
	)
	if err != nil {
		return model.DropRetention{}, fmt.Errorf("storage: set retention: %w", err)
	}
	return model.DropRetention{
		DropID:            dropID,
		TracesRetentionMs: tracesMs,
		EventsRetentionMs: eventsMs,
		UpdatedAt:         now,
	}, nil
}

// ListRetention returns the retention rows for all drops. Drops that have
// never been touched have no row and are skipped; the pruner treats them as
// using the defaults applied at creation.
func (s *Store) ListRetention(ctx context.Context) ([]model.DropRetention, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT drop_id, traces_retention_ms, events_retention_ms, updated_at
		 FROM drop_retention`)
	if err != nil {
		return nil, fmt.Errorf("storage: list retention: %w", err)
	}
	defer rows.Close()

	var out []model.DropRetention
	for rows.Next() {
		var r model.DropRetention
		if err := rows.Scan(&r.DropID, &r.TracesRetentionMs, &r.EventsRetentionMs, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan retention: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
