package storage

import (
	"database/sql"
	"errors"
	"strings"
)

// Sentinel errors surfaced to callers. The HTTP layer maps ErrNotFound to 404
// and ErrConflict to 409.
var (
	ErrNotFound = errors.New("storage: not found")
	ErrConflict = errors.New("storage: conflict")
)

// mapErr converts driver-level errors into the package sentinels. SQLite does
// not expose typed constraint errors through database/sql, so uniqueness
// violations are detected by message.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE") {
		return ErrConflict
	}
	return err
}
