package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/raphael-dev/raphael/internal/model"
)

// CreateServiceAccount inserts a service account. Returns ErrConflict when
// the owner already has an account with that name.
func (s *Store) CreateServiceAccount(ctx context.Context, name, ownerUserID string) (model.ServiceAccount, error) {
	sa := model.ServiceAccount{
		ID:              uuid.New().String(),
		Name:            name,
		CreatedByUserID: ownerUserID,
		CreatedAt:       nowMs(),
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO service_accounts (id, name, created_by_user_id, created_at)
		 VALUES (?, ?, ?, ?)`,
		sa.ID, sa.Name, sa.CreatedByUserID, sa.CreatedAt,
	); err != nil {
		return model.ServiceAccount{}, fmt.Errorf("storage: create service account: %w", mapErr(err))
	}
	return sa, nil
}

// GetServiceAccount returns the account by id, or ErrNotFound.
func (s *Store) GetServiceAccount(ctx context.Context, id string) (model.ServiceAccount, error) {
	var sa model.ServiceAccount
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_by_user_id, created_at FROM service_accounts WHERE id = ?`, id,
	).Scan(&sa.ID, &sa.Name, &sa.CreatedByUserID, &sa.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ServiceAccount{}, ErrNotFound
	}
	if err != nil {
		return model.ServiceAccount{}, fmt.Errorf("storage: get service account: %w", err)
	}
	return sa, nil
}

// ListServiceAccounts returns the accounts owned by the user.
func (s *Store) ListServiceAccounts(ctx context.Context, ownerUserID string) ([]model.ServiceAccount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_by_user_id, created_at
		 FROM service_accounts WHERE created_by_user_id = ? ORDER BY created_at`,
		ownerUserID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list service accounts: %w", err)
	}
	defer rows.Close()

	var out []model.ServiceAccount
	for rows.Next() {
		var sa model.ServiceAccount
		if err := rows.Scan(&sa.ID, &sa.Name, &sa.CreatedByUserID, &sa.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan service account: %w", err)
		}
		out = append(out, sa)
	}
	return out, rows.Err()
}

// DeleteServiceAccount removes the account and revokes all of its keys in one
// transaction. Returns ErrNotFound when the account does not exist.
func (s *Store) DeleteServiceAccount(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin delete service account: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := nowMs()
	if _, err := tx.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = ? WHERE service_account_id = ? AND revoked_at IS NULL`,
		now, id,
	); err != nil {
		return fmt.Errorf("storage: revoke account keys: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM service_accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("storage: delete service account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit delete service account: %w", err)
	}
	return nil
}

const apiKeyColumns = `id, service_account_id, name, key_prefix, key_hash,
	created_by_user_id, created_at, revoked_at`

// CreateAPIKey inserts a key and its per-drop permissions in one transaction.
// Returns ErrConflict on a key_hash collision.
func (s *Store) CreateAPIKey(ctx context.Context, key model.APIKey, perms []model.APIKeyPermission) (model.APIKey, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.APIKey{}, fmt.Errorf("storage: begin create api key: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	if key.CreatedAt == 0 {
		key.CreatedAt = nowMs()
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO api_keys (id, service_account_id, name, key_prefix, key_hash,
		     created_by_user_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.ServiceAccountID, key.Name, key.KeyPrefix, key.KeyHash,
		key.CreatedByUserID, key.CreatedAt,
	); err != nil {
		return model.APIKey{}, fmt.Errorf("storage: create api key: %w", mapErr(err))
	}

	for _, p := range perms {
		if !p.CanIngest && !p.CanQuery {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO api_key_permissions (api_key_id, drop_id, can_ingest, can_query)
			 VALUES (?, ?, ?, ?)`,
			key.ID, p.DropID, p.CanIngest, p.CanQuery,
		); err != nil {
			return model.APIKey{}, fmt.Errorf("storage: create api key permission: %w", mapErr(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return model.APIKey{}, fmt.Errorf("storage: commit create api key: %w", err)
	}
	return key, nil
}

// GetAPIKeyByHash looks up an unrevoked key by its SHA-256 token hash.
// Returns ErrNotFound for unknown or revoked keys.
func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (model.APIKey, error) {
	var k model.APIKey
	err := s.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys
		 WHERE key_hash = ? AND revoked_at IS NULL`,
		keyHash,
	).Scan(&k.ID, &k.ServiceAccountID, &k.Name, &k.KeyPrefix, &k.KeyHash,
		&k.CreatedByUserID, &k.CreatedAt, &k.RevokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.APIKey{}, ErrNotFound
	}
	if err != nil {
		return model.APIKey{}, fmt.Errorf("storage: get api key by hash: %w", err)
	}
	return k, nil
}

// ListAPIKeys returns the keys created by the user, newest first. Revoked
// keys are included for visibility.
func (s *Store) ListAPIKeys(ctx context.Context, ownerUserID string) ([]model.APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys
		 WHERE created_by_user_id = ? ORDER BY created_at DESC`,
		ownerUserID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list api keys: %w", err)
	}
	defer rows.Close()

	var out []model.APIKey
	for rows.Next() {
		var k model.APIKey
		if err := rows.Scan(&k.ID, &k.ServiceAccountID, &k.Name, &k.KeyPrefix, &k.KeyHash,
			&k.CreatedByUserID, &k.CreatedAt, &k.RevokedAt); err != nil {
			return nil, fmt.Errorf("storage: scan api key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// RevokeAPIKey soft-revokes a key. Returns ErrNotFound when the key does not
// exist or is already revoked.
func (s *Store) RevokeAPIKey(ctx context.Context, keyID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		nowMs(), keyID,
	)
	if err != nil {
		return fmt.Errorf("storage: revoke api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAPIKeyByID returns a key by id, or ErrNotFound.
func (s *Store) GetAPIKeyByID(ctx context.Context, keyID string) (model.APIKey, error) {
	var k model.APIKey
	err := s.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE id = ?`, keyID,
	).Scan(&k.ID, &k.ServiceAccountID, &k.Name, &k.KeyPrefix, &k.KeyHash,
		&k.CreatedByUserID, &k.CreatedAt, &k.RevokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.APIKey{}, ErrNotFound
	}
	if err != nil {
		return model.APIKey{}, fmt.Errorf("storage: get api key: %w", err)
	}
	return k, nil
}

// ListAPIKeyPermissions returns the per-drop capabilities of one key.
func (s *Store) ListAPIKeyPermissions(ctx context.Context, keyID string) ([]model.APIKeyPermission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT api_key_id, drop_id, can_ingest, can_query
		 FROM api_key_permissions WHERE api_key_id = ?`,
		keyID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list api key permissions: %w", err)
	}
	defer rows.Close()

	var out []model.APIKeyPermission
	for rows.Next() {
		var p model.APIKeyPermission
		if err := rows.Scan(&p.APIKeyID, &p.DropID, &p.CanIngest, &p.CanQuery); err != nil {
			return nil, fmt.Errorf("storage: scan api key permission: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertAPIKeyUsage appends one usage log row.
func (s *Store) InsertAPIKeyUsage(ctx context.Context, u model.APIKeyUsage) error {
	if u.CreatedAt == 0 {
		u.CreatedAt = nowMs()
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO api_key_usage (api_key_id, method, path, status, drop_id, ip, user_agent, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.APIKeyID, u.Method, u.Path, u.Status, u.DropID, u.IP, u.UserAgent, u.CreatedAt,
	); err != nil {
		return fmt.Errorf("storage: insert api key usage: %w", err)
	}
	return nil
}

// ListAPIKeyUsage returns usage rows for keys created by the user, newest
// first, capped at limit.
func (s *Store) ListAPIKeyUsage(ctx context.Context, ownerUserID string, limit int) ([]model.APIKeyUsage, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.api_key_id, u.method, u.path, u.status, u.drop_id, u.ip, u.user_agent, u.created_at
		 FROM api_key_usage u
		 JOIN api_keys k ON k.id = u.api_key_id
		 WHERE k.created_by_user_id = ?
		 ORDER BY u.created_at DESC
		 LIMIT ?`,
		ownerUserID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list api key usage: %w", err)
	}
	defer rows.Close()

	var out []model.APIKeyUsage
	for rows.Next() {
		var u model.APIKeyUsage
		if err := rows.Scan(&u.ID, &u.APIKeyID, &u.Method, &u.Path, &u.Status,
			&u.DropID, &u.IP, &u.UserAgent, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan api key usage: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
