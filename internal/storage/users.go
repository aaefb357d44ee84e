package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/raphael-dev/raphael/internal/model"
)

const profileColumns = `user_id, email, role, disabled, created_at, updated_at, last_login_at`

// UpsertProfile creates or updates a profile. Email is lower-cased. On
// creation, the first profile in the database becomes admin. forceAdmin pins
// the role to admin regardless of the stored value (admin-email promotion).
func (s *Store) UpsertProfile(ctx context.Context, userID, email string, forceAdmin bool) (model.UserProfile, error) {
	email = strings.ToLower(email)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.UserProfile{}, fmt.Errorf("storage: begin upsert profile: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := nowMs()
	var p model.UserProfile
	err = tx.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM user_profiles WHERE user_id = ?`, userID,
	).Scan(&p.UserID, &p.Email, &p.Role, &p.Disabled, &p.CreatedAt, &p.UpdatedAt, &p.LastLoginAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		var count int64
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_profiles`).Scan(&count); err != nil {
			return model.UserProfile{}, fmt.Errorf("storage: count profiles: %w", err)
		}
		role := model.RoleMember
		if count == 0 || forceAdmin {
			role = model.RoleAdmin
		}
		p = model.UserProfile{
			UserID:    userID,
			Email:     email,
			Role:      role,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_profiles (user_id, email, role, disabled, created_at, updated_at)
			 VALUES (?, ?, ?, 0, ?, ?)`,
			p.UserID, p.Email, p.Role, p.CreatedAt, p.UpdatedAt,
		); err != nil {
			return model.UserProfile{}, fmt.Errorf("storage: insert profile: %w", mapErr(err))
		}
	case err != nil:
		return model.UserProfile{}, fmt.Errorf("storage: get profile: %w", err)
	default:
		p.Email = email
		p.UpdatedAt = now
		if forceAdmin {
			p.Role = model.RoleAdmin
			p.Disabled = false
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE user_profiles SET email = ?, role = ?, disabled = ?, updated_at = ? WHERE user_id = ?`,
			p.Email, p.Role, p.Disabled, p.UpdatedAt, p.UserID,
		); err != nil {
			return model.UserProfile{}, fmt.Errorf("storage: update profile: %w", mapErr(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return model.UserProfile{}, fmt.Errorf("storage: commit upsert profile: %w", err)
	}
	return p, nil
}

// GetProfile returns the profile for userID, or ErrNotFound.
func (s *Store) GetProfile(ctx context.Context, userID string) (model.UserProfile, error) {
	var p model.UserProfile
	err := s.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM user_profiles WHERE user_id = ?`, userID,
	).Scan(&p.UserID, &p.Email, &p.Role, &p.Disabled, &p.CreatedAt, &p.UpdatedAt, &p.LastLoginAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.UserProfile{}, ErrNotFound
	}
	if err != nil {
		return model.UserProfile{}, fmt.Errorf("storage: get profile: %w", err)
	}
	return p, nil
}

// ListProfiles returns all profiles ordered by creation time.
func (s *Store) ListProfiles(ctx context.Context) ([]model.UserProfile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+profileColumns+` FROM user_profiles ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("storage: list profiles: %w", err)
	}
	defer rows.Close()

	var out []model.UserProfile
	for rows.Next() {
		var p model.UserProfile
		if err := rows.Scan(&p.UserID, &p.Email, &p.Role, &p.Disabled, &p.CreatedAt, &p.UpdatedAt, &p.LastLoginAt); err != nil {
			return nil, fmt.Errorf("storage: scan profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProfileAdmin applies role/disabled changes from the admin endpoint.
// Returns ErrNotFound for an unknown user.
func (s *Store) UpdateProfileAdmin(ctx context.Context, userID string, role *model.UserRole, disabled *bool) (model.UserProfile, error) {
	p, err := s.GetProfile(ctx, userID)
	if err != nil {
		return model.UserProfile{}, err
	}
	if role != nil {
		p.Role = *role
	}
	if disabled != nil {
		p.Disabled = *disabled
	}
	p.UpdatedAt = nowMs()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE user_profiles SET role = ?, disabled = ?, updated_at = ? WHERE user_id = ?`,
		p.Role, p.Disabled, p.UpdatedAt, p.UserID,
	); err != nil {
		return model.UserProfile{}, fmt.Errorf("storage: update profile admin: %w", err)
	}
	return p, nil
}

// TouchLastLogin records a successful session observation.
func (s *Store) TouchLastLogin(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE user_profiles SET last_login_at = ? WHERE user_id = ?`,
		nowMs(), userID,
	); err != nil {
		return fmt.Errorf("storage: touch last login: %w", err)
	}
	return nil
}
