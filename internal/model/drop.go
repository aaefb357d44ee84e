// Package model defines the core entities and API types shared across Raphael.
package model

// DefaultDropName is the reserved drop that always exists and receives
// telemetry when no drop is specified.
const DefaultDropName = "default"

// Drop is a named workspace partitioning all telemetry rows, retention,
// dashboards and permissions. Identity is the stable Name; Label is the
// user-facing display name.
type Drop struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	Label     *string `json:"label,omitempty"`
	CreatedAt int64   `json:"created_at"`
}

// DropRetention holds the per-drop retention configuration in milliseconds.
// A nil value disables pruning for that stream.
type DropRetention struct {
	DropID            int64  `json:"drop_id"`
	TracesRetentionMs *int64 `json:"traces_retention_ms"`
	EventsRetentionMs *int64 `json:"events_retention_ms"`
	UpdatedAt         int64  `json:"updated_at"`
}

// Default retention windows applied when a drop is first touched.
const (
	DefaultTracesRetentionMs = 3 * 24 * 60 * 60 * 1000 // 3 days
	DefaultEventsRetentionMs = 7 * 24 * 60 * 60 * 1000 // 7 days
)

// Dashboard stores an opaque UI dashboard spec per drop. The server never
// interprets Spec; rendering is entirely client-side.
type Dashboard struct {
	ID        string `json:"id"`
	DropID    int64  `json:"drop_id"`
	Name      string `json:"name"`
	Spec      string `json:"spec"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}
