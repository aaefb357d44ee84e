package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/raphael-dev/raphael/internal/model"
)

// CreateDashboard stores an opaque dashboard spec for a drop.
func (s *Store) CreateDashboard(ctx context.Context, dropID int64, name, spec string) (model.Dashboard, error) {
	now := nowMs()
	d := model.Dashboard{
		ID:        uuid.New().String(),
		DropID:    dropID,
		Name:      name,
		Spec:      spec,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO dashboards (id, drop_id, name, spec, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.DropID, d.Name, d.Spec, d.CreatedAt, d.UpdatedAt,
	); err != nil {
		return model.Dashboard{}, fmt.Errorf("storage: create dashboard: %w", mapErr(err))
	}
	return d, nil
}

// GetDashboard returns a dashboard scoped to its drop, or ErrNotFound.
func (s *Store) GetDashboard(ctx context.Context, dropID int64, id string) (model.Dashboard, error) {
	var d model.Dashboard
	err := s.db.QueryRowContext(ctx,
		`SELECT id, drop_id, name, spec, created_at, updated_at
		 FROM dashboards WHERE id = ? AND drop_id = ?`,
		id, dropID,
	).Scan(&d.ID, &d.DropID, &d.Name, &d.Spec, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Dashboard{}, ErrNotFound
	}
	if err != nil {
		return model.Dashboard{}, fmt.Errorf("storage: get dashboard: %w", err)
	}
	return d, nil
}

// ListDashboards returns a drop's dashboards ordered by name.
func (s *Store) ListDashboards(ctx context.Context, dropID int64) ([]model.Dashboard, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, drop_id, name, spec, created_at, updated_at
		 FROM dashboards WHERE drop_id = ? ORDER BY name`,
		dropID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list dashboards: %w", err)
	}
	defer rows.Close()

	var out []model.Dashboard
	for rows.Next() {
		var d model.Dashboard
		if err := rows.Scan(&d.ID, &d.DropID, &d.Name, &d.Spec, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan dashboard: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateDashboard replaces a dashboard's name and spec. Returns ErrNotFound
// when the dashboard does not exist in the drop.
func (s *Store) UpdateDashboard(ctx context.Context, dropID int64, id, name, spec string) (model.Dashboard, error) {
	now := nowMs()
	res, err := s.db.ExecContext(ctx,
		`UPDATE dashboards SET name = ?, spec = ?, updated_at = ?
		 WHERE id = ? AND drop_id = ?`,
		name, spec, now, id, dropID,
	)
	if err != nil {
		return model.Dashboard{}, fmt.Errorf("storage: update dashboard: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Dashboard{}, ErrNotFound
	}
	return s.GetDashboard(ctx, dropID, id)
}

// DeleteDashboard removes a dashboard. Returns ErrNotFound when absent.
func (s *Store) DeleteDashboard(ctx context.Context, dropID int64, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dashboards WHERE id = ? AND drop_id = ?`, id, dropID)
	if err != nil {
		return fmt.Errorf("storage: delete dashboard: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
