package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/raphael-dev/raphael/internal/model"
)

// EnsureDefaultDrop creates the reserved default drop if it does not exist
// and returns its id. Called once at startup so the invariant "at least one
// drop exists" holds from the first request.
func (s *Store) EnsureDefaultDrop(ctx context.Context) (int64, error) {
	d, err := s.GetDropByName(ctx, model.DefaultDropName)
	if err == nil {
		return d.ID, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	created, err := s.CreateDrop(ctx, model.DefaultDropName, nil)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			// Lost a startup race with another writer; the drop exists now.
			d, err = s.GetDropByName(ctx, model.DefaultDropName)
			if err != nil {
				return 0, err
			}
			return d.ID, nil
		}
		return 0, err
	}
	return created.ID, nil
}

// CreateDrop inserts a drop and its retention row with the default windows.
// Returns ErrConflict when the name is already taken (case-insensitive).
func (s *Store) CreateDrop(ctx context.Context, name string, label *string) (model.Drop, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Drop{}, fmt.Errorf("storage: begin create drop: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := nowMs()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO drops (name, label, created_at) VALUES (?, ?, ?)`,
		name, label, now,
	)
	if err != nil {
		return model.Drop{}, fmt.Errorf("storage: create drop: %w", mapErr(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Drop{}, fmt.Errorf("storage: create drop id: %w", err)
	}

	traces := int64(model.DefaultTracesRetentionMs)
	events := int64(model.DefaultEventsRetentionMs)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO drop_retention (drop_id, traces_retention_ms, events_retention_ms, updated_at)
		 VALUES (?, ?, ?, ?)`,
		id, traces, events, now,
	); err != nil {
		return model.Drop{}, fmt.Errorf("storage: create drop retention: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Drop{}, fmt.Errorf("storage: commit create drop: %w", err)
	}
	return model.Drop{ID: id, Name: name, Label: label, CreatedAt: now}, nil
}

// GetDropByID returns the drop with the given id, or ErrNotFound.
func (s *Store) GetDropByID(ctx context.Context, id int64) (model.Drop, error) {
	return s.scanDrop(s.db.QueryRowContext(ctx,
		`SELECT id, name, label, created_at FROM drops WHERE id = ?`, id))
}

// GetDropByName returns the drop with the given name (case-insensitive), or
// ErrNotFound.
func (s *Store) GetDropByName(ctx context.Context, name string) (model.Drop, error) {
	return s.scanDrop(s.db.QueryRowContext(ctx,
		`SELECT id, name, label, created_at FROM drops WHERE name = ?`, name))
}

func (s *Store) scanDrop(row *sql.Row) (model.Drop, error) {
	var d model.Drop
	err := row.Scan(&d.ID, &d.Name, &d.Label, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Drop{}, ErrNotFound
		}
		return model.Drop{}, fmt.Errorf("storage: scan drop: %w", err)
	}
	return d, nil
}

// ListDrops returns all drops ordered by name.
func (s *Store) ListDrops(ctx context.Context) ([]model.Drop, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, label, created_at FROM drops ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("storage: list drops: %w", err)
	}
	defer rows.Close()
	return collectDrops(rows)
}

// ListDropsForUser returns the drops on which the user holds any permission,
// ordered by name. Admin callers should use ListDrops instead.
func (s *Store) ListDropsForUser(ctx context.Context, userID string) ([]model.Drop, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.id, d.name, d.label, d.created_at
		 FROM drops d
		 JOIN user_drop_permissions p ON p.drop_id = d.id
		 WHERE p.user_id = ?
		 ORDER BY d.name`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list drops for user: %w", err)
	}
	defer rows.Close()
	return collectDrops(rows)
}

func collectDrops(rows *sql.Rows) ([]model.Drop, error) {
	var out []model.Drop
	for rows.Next() {
		var d model.Drop
		if err := rows.Scan(&d.ID, &d.Name, &d.Label, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan drop: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountDrops returns the total number of drops.
func (s *Store) CountDrops(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM drops`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count drops: %w", err)
	}
	return n, nil
}

// SetDropLabel updates the user-facing label. Returns ErrNotFound for an
// unknown drop.
func (s *Store) SetDropLabel(ctx context.Context, id int64, label *string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE drops SET label = ? WHERE id = ?`, label, id)
	if err != nil {
		return fmt.Errorf("storage: set drop label: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDropCascade removes the drop and everything it owns in a single
// transaction: spans, events, dashboards, the retention row, user and key
// permission rows. Usage rows are retained with drop_id cleared.
func (s *Store) DeleteDropCascade(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin delete drop: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`DELETE FROM trace_spans WHERE drop_id = ?`,
		`DELETE FROM wide_events WHERE drop_id = ?`,
		`DELETE FROM dashboards WHERE drop_id = ?`,
		`DELETE FROM drop_retention WHERE drop_id = ?`,
		`DELETE FROM user_drop_permissions WHERE drop_id = ?`,
		`DELETE FROM api_key_permissions WHERE drop_id = ?`,
		`UPDATE api_key_usage SET drop_id = NULL WHERE drop_id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("storage: delete drop cascade: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM drops WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("storage: delete drop: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit delete drop: %w", err)
	}
	return nil
}
