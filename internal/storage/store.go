// Package storage provides the embedded SQLite row store for Raphael.
//
// It owns the schema and additive migrations, batched transactional inserts
// for spans and wide events, bounded range deletes for the retention pruner,
// and the JSON-path predicate applier used by the query engine. Writes are
// serialized by SQLite's WAL (single writer, many readers).
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Synchronous modes accepted by Options.Synchronous.
const (
	SyncFull   = "full"
	SyncNormal = "normal"
	SyncOff    = "off"
)

// Options tunes the SQLite connection. Zero values take the documented
// defaults.
type Options struct {
	Synchronous            string        // full (default), normal, off
	BusyTimeout            time.Duration // default 5s
	WALAutocheckpointPages int           // default 1000
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Synchronous == "" {
		out.Synchronous = SyncFull
	}
	if out.BusyTimeout <= 0 {
		out.BusyTimeout = 5 * time.Second
	}
	if out.WALAutocheckpointPages <= 0 {
		out.WALAutocheckpointPages = 1000
	}
	return out
}

// Store wraps the process-wide SQLite handle. A single Store is shared by all
// components; prepared statements are cached by database/sql.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path, applies the
// connection pragmas, creates the schema and runs additive migrations.
// Pass ":memory:" for an isolated in-memory store (tests).
func Open(ctx context.Context, path string, opts Options, logger *slog.Logger) (*Store, error) {
	opts = opts.withDefaults()

	inMemory := path == ":memory:" || strings.Contains(path, "mode=memory")

	var dsn string
	if inMemory {
		// In-memory databases are per-connection; WAL does not apply.
		dsn = "file::memory:?_pragma=foreign_keys(ON)" +
			fmt.Sprintf("&_pragma=busy_timeout(%d)", opts.BusyTimeout.Milliseconds())
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("storage: create data dir: %w", err)
		}
		dsn = "file:" + path +
			"?_pragma=foreign_keys(ON)" +
			fmt.Sprintf("&_pragma=busy_timeout(%d)", opts.BusyTimeout.Milliseconds()) +
			fmt.Sprintf("&_pragma=synchronous(%s)", opts.Synchronous) +
			fmt.Sprintf("&_pragma=wal_autocheckpoint(%d)", opts.WALAutocheckpointPages)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	if inMemory {
		// Each connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		// One writer plus a reader per CPU; WAL permits concurrent reads.
		db.SetMaxOpenConns(runtime.NumCPU() + 1)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(0)

		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("storage: enable WAL: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	s := &Store{db: db, path: path, logger: logger}

	if err := s.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := s.EnsureDefaultDrop(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close checkpoints the WAL and closes the handle. Without the checkpoint,
// recent writes may be stranded in the WAL side-file.
func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// nowMs returns the current wall clock in Unix milliseconds, the time unit
// used throughout the schema.
func nowMs() int64 {
	return time.Now().UnixMilli()
}
