package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// schema is the complete current schema. Every statement is idempotent so the
// whole block is safe to re-run on startup. Older databases that predate a
// column are upgraded by the additive migrations in migrate.
const schema = `
CREATE TABLE IF NOT EXISTS drops (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    name        TEXT NOT NULL UNIQUE COLLATE NOCASE,
    label       TEXT,
    created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS drop_retention (
    drop_id             INTEGER PRIMARY KEY REFERENCES drops(id),
    traces_retention_ms INTEGER,
    events_retention_ms INTEGER,
    updated_at          INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS trace_spans (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    drop_id         INTEGER NOT NULL DEFAULT 1,
    trace_id        TEXT NOT NULL,
    span_id         TEXT NOT NULL,
    parent_span_id  TEXT,
    service_name    TEXT NOT NULL DEFAULT 'unknown',
    operation_name  TEXT NOT NULL DEFAULT '',
    start_time      INTEGER NOT NULL,
    end_time        INTEGER,
    duration_ms     INTEGER,
    status          TEXT NOT NULL DEFAULT 'ok',
    attributes      TEXT NOT NULL DEFAULT '{}',
    created_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS wide_events (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    drop_id         INTEGER NOT NULL DEFAULT 1,
    trace_id        TEXT,
    service_name    TEXT NOT NULL DEFAULT 'unknown',
    operation_type  TEXT,
    field_name      TEXT,
    outcome         TEXT NOT NULL DEFAULT '',
    duration_ms     REAL,
    user_id         TEXT,
    error_count     INTEGER NOT NULL DEFAULT 0,
    rpc_call_count  INTEGER NOT NULL DEFAULT 0,
    attributes      TEXT NOT NULL DEFAULT '{}',
    created_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS user_profiles (
    user_id       TEXT PRIMARY KEY,
    email         TEXT NOT NULL UNIQUE,
    role          TEXT NOT NULL DEFAULT 'member',
    disabled      INTEGER NOT NULL DEFAULT 0,
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL,
    last_login_at INTEGER
);

CREATE TABLE IF NOT EXISTS user_drop_permissions (
    user_id    TEXT NOT NULL,
    drop_id    INTEGER NOT NULL REFERENCES drops(id),
    can_ingest INTEGER NOT NULL DEFAULT 0,
    can_query  INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (user_id, drop_id)
);

CREATE TABLE IF NOT EXISTS service_accounts (
    id                  TEXT PRIMARY KEY,
    name                TEXT NOT NULL,
    created_by_user_id  TEXT NOT NULL,
    created_at          INTEGER NOT NULL,
    UNIQUE (created_by_user_id, name)
);

CREATE TABLE IF NOT EXISTS api_keys (
    id                  TEXT PRIMARY KEY,
    service_account_id  TEXT NOT NULL REFERENCES service_accounts(id),
    name                TEXT,
    key_prefix          TEXT NOT NULL,
    key_hash            TEXT NOT NULL UNIQUE,
    created_by_user_id  TEXT NOT NULL,
    created_at          INTEGER NOT NULL,
    revoked_at          INTEGER
);

CREATE TABLE IF NOT EXISTS api_key_permissions (
    api_key_id TEXT NOT NULL REFERENCES api_keys(id),
    drop_id    INTEGER NOT NULL REFERENCES drops(id),
    can_ingest INTEGER NOT NULL DEFAULT 0,
    can_query  INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (api_key_id, drop_id)
);

CREATE TABLE IF NOT EXISTS api_key_usage (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    api_key_id  TEXT NOT NULL,
    method      TEXT NOT NULL,
    path        TEXT NOT NULL,
    status      INTEGER NOT NULL,
    drop_id     INTEGER,
    ip          TEXT NOT NULL DEFAULT '',
    user_agent  TEXT NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS app_settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dashboards (
    id         TEXT PRIMARY KEY,
    drop_id    INTEGER NOT NULL REFERENCES drops(id),
    name       TEXT NOT NULL,
    spec       TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_spans_drop_created  ON trace_spans (drop_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_spans_drop_trace    ON trace_spans (drop_id, trace_id);
CREATE INDEX IF NOT EXISTS idx_spans_service       ON trace_spans (service_name);
CREATE INDEX IF NOT EXISTS idx_events_drop_created ON wide_events (drop_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_drop_trace   ON wide_events (drop_id, trace_id);
CREATE INDEX IF NOT EXISTS idx_events_service      ON wide_events (service_name);
CREATE INDEX IF NOT EXISTS idx_events_outcome      ON wide_events (outcome);
CREATE INDEX IF NOT EXISTS idx_usage_key_created   ON api_key_usage (api_key_id, created_at DESC);
`

func (s *Store) createSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("storage: create schema: %w", err)
	}
	return nil
}

// migrate applies additive upgrades to databases created by earlier versions.
// Each step inspects the live schema first, so the sequence is idempotent and
// safe to re-run.
func (s *Store) migrate(ctx context.Context) error {
	// Span and event tables once lacked drop_id; add it and backfill to the
	// default drop.
	for _, table := range []string{"trace_spans", "wide_events"} {
		ok, err := s.hasColumn(ctx, table, "drop_id")
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		s.logger.Info("storage: adding drop_id column", "table", table)
		if _, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`ALTER TABLE %s ADD COLUMN drop_id INTEGER NOT NULL DEFAULT 1`, table),
		); err != nil {
			return fmt.Errorf("storage: add drop_id to %s: %w", table, err)
		}
	}

	// wide_events.user_id arrived after the first release.
	if ok, err := s.hasColumn(ctx, "wide_events", "user_id"); err != nil {
		return err
	} else if !ok {
		if _, err := s.db.ExecContext(ctx,
			`ALTER TABLE wide_events ADD COLUMN user_id TEXT`,
		); err != nil {
			return fmt.Errorf("storage: add user_id to wide_events: %w", err)
		}
	}

	// drops.name was originally case-sensitive; detect and rebuild. SQLite
	// cannot alter a column's collation, so this is a table swap.
	ok, err := s.tableSQLContains(ctx, "drops", "COLLATE NOCASE")
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Info("storage: rebuilding drops table with case-insensitive names")
		stmts := []string{
			`CREATE TABLE drops_new (
			    id          INTEGER PRIMARY KEY AUTOINCREMENT,
			    name        TEXT NOT NULL UNIQUE COLLATE NOCASE,
			    label       TEXT,
			    created_at  INTEGER NOT NULL
			)`,
			`INSERT INTO drops_new (id, name, label, created_at)
			 SELECT id, name, label, created_at FROM drops`,
			`DROP TABLE drops`,
			`ALTER TABLE drops_new RENAME TO drops`,
		}
		for _, stmt := range stmts {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("storage: rebuild drops table: %w", err)
			}
		}
	}

	return nil
}

// hasColumn reports whether the table already has the named column.
func (s *Store) hasColumn(ctx context.Context, table, column string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, fmt.Errorf("storage: table_info %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name, typ string
			notnull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("storage: scan table_info: %w", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// tableSQLContains reports whether the stored CREATE TABLE statement for the
// table contains the fragment. Used to detect schema variants that PRAGMA
// table_info cannot distinguish (collations, constraints).
func (s *Store) tableSQLContains(ctx context.Context, table, fragment string) (bool, error) {
	var ddl string
	err := s.db.QueryRowContext(ctx,
		`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
	).Scan(&ddl)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: read ddl for %s: %w", table, err)
	}
	return strings.Contains(ddl, fragment), nil
}
