// Package testutil provides shared test infrastructure. Stores open against
// an in-memory database, so every test gets an isolated, fully migrated
// schema with the default drop in place.
package testutil

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/raphael-dev/raphael/internal/storage"
)

// MustOpenStore opens an in-memory store with the full schema applied. The
// store is closed when the test ends.
func MustOpenStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(context.Background(), ":memory:", storage.Options{}, TestLogger())
	if err != nil {
		t.Fatalf("testutil: open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
