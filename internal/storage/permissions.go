package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/raphael-dev/raphael/internal/model"
)

// SetUserDropPermission upserts a member's capabilities on one drop. A row
// with both flags false is deleted instead of stored.
func (s *Store) SetUserDropPermission(ctx context.Context, p model.UserDropPermission) error {
	if !p.CanIngest && !p.CanQuery {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM user_drop_permissions WHERE user_id = ? AND drop_id = ?`,
			p.UserID, p.DropID,
		); err != nil {
			return fmt.Errorf("storage: delete user drop permission: %w", err)
		}
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO user_drop_permissions (user_id, drop_id, can_ingest, can_query)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, drop_id) DO UPDATE SET
		     can_ingest = excluded.can_ingest, can_query = excluded.can_query`,
		p.UserID, p.DropID, p.CanIngest, p.CanQuery,
	); err != nil {
		return fmt.Errorf("storage: set user drop permission: %w", err)
	}
	return nil
}

// GetUserDropPermission returns the member's permission row for one drop, or
// ErrNotFound when absent (absent means no access).
func (s *Store) GetUserDropPermission(ctx context.Context, userID string, dropID int64) (model.UserDropPermission, error) {
	var p model.UserDropPermission
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, drop_id, can_ingest, can_query
		 FROM user_drop_permissions WHERE user_id = ? AND drop_id = ?`,
		userID, dropID,
	).Scan(&p.UserID, &p.DropID, &p.CanIngest, &p.CanQuery)
	if errors.Is(err, sql.ErrNoRows) {
		return model.UserDropPermission{}, ErrNotFound
	}
	if err != nil {
		return model.UserDropPermission{}, fmt.Errorf("storage: get user drop permission: %w", err)
	}
	return p, nil
}

// ListUserDropPermissions returns all of a member's permission rows.
func (s *Store) ListUserDropPermissions(ctx context.Context, userID string) ([]model.UserDropPermission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, drop_id, can_ingest, can_query
		 FROM user_drop_permissions WHERE user_id = ?`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list user drop permissions: %w", err)
	}
	defer rows.Close()

	var out []model.UserDropPermission
	for rows.Next() {
		var p model.UserDropPermission
		if err := rows.Scan(&p.UserID, &p.DropID, &p.CanIngest, &p.CanQuery); err != nil {
			return nil, fmt.Errorf("storage: scan user drop permission: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ReplaceUserDropPermissions atomically replaces a member's permission set.
// Grants with both flags false are skipped (delete-instead-of-store).
func (s *Store) ReplaceUserDropPermissions(ctx context.Context, userID string, perms []model.UserDropPermission) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin replace permissions: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM user_drop_permissions WHERE user_id = ?`, userID,
	); err != nil {
		return fmt.Errorf("storage: clear permissions: %w", err)
	}
	for _, p := range perms {
		if !p.CanIngest && !p.CanQuery {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_drop_permissions (user_id, drop_id, can_ingest, can_query)
			 VALUES (?, ?, ?, ?)`,
			userID, p.DropID, p.CanIngest, p.CanQuery,
		); err != nil {
			return fmt.Errorf("storage: insert permission: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit replace permissions: %w", err)
	}
	return nil
}

// CountUserDropPermissions reports how many permission rows the user has.
// Zero means a first login eligible for the policy's default permissions.
func (s *Store) CountUserDropPermissions(ctx context.Context, userID string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_drop_permissions WHERE user_id = ?`, userID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count user drop permissions: %w", err)
	}
	return n, nil
}
