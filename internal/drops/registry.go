// Package drops is the registry of workspaces. Every telemetry row, retention
// rule, dashboard, and permission belongs to exactly one drop; this package
// owns name/id resolution and the lifecycle guards around the reserved
// default drop.
package drops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/raphael-dev/raphael/internal/model"
	"github.com/raphael-dev/raphael/internal/storage"
)

const msPerDay = 86_400_000

// ErrDefaultDropProtected is returned for delete attempts on the default
// drop, or when the deletion would leave zero drops.
var ErrDefaultDropProtected = errors.New("drops: default drop cannot be deleted")

// Pruner is the ad-hoc retention hook. A retention change triggers one
// immediate run against the affected drop.
type Pruner interface {
	RunDrop(ctx context.Context, dropID int64)
}

// Registry resolves and manages drops on top of the row store.
type Registry struct {
	store  *storage.Store
	pruner Pruner
	logger *slog.Logger
}

// NewRegistry wires the registry. pruner may be nil until SetPruner is called
// during startup wiring.
func NewRegistry(store *storage.Store, logger *slog.Logger) *Registry {
	return &Registry{store: store, logger: logger}
}

// SetPruner attaches the retention hook after both components exist.
func (r *Registry) SetPruner(p Pruner) { r.pruner = p }

// Resolve maps a drop selector to a drop. Empty input means the default
// drop. All-digits input is an id lookup, falling back to the default drop
// when the id is unknown and allowCreate is set. Anything else is a name
// lookup, creating the drop when absent and allowCreate is set.
func (r *Registry) Resolve(ctx context.Context, nameOrID string, allowCreate bool) (model.Drop, error) {
	nameOrID = strings.TrimSpace(nameOrID)
	if nameOrID == "" {
		return r.store.GetDropByName(ctx, model.DefaultDropName)
	}

	if isAllDigits(nameOrID) {
		id, perr := strconv.ParseInt(nameOrID, 10, 64)
		if perr != nil {
			// Out of int64 range; no such id can exist.
			if allowCreate {
				return r.store.GetDropByName(ctx, model.DefaultDropName)
			}
			return model.Drop{}, storage.ErrNotFound
		}
		drop, err := r.store.GetDropByID(ctx, id)
		if errors.Is(err, storage.ErrNotFound) && allowCreate {
			return r.store.GetDropByName(ctx, model.DefaultDropName)
		}
		return drop, err
	}

	drop, err := r.store.GetDropByName(ctx, nameOrID)
	if errors.Is(err, storage.ErrNotFound) && allowCreate {
		created, err := r.store.CreateDrop(ctx, nameOrID, nil)
		if errors.Is(err, storage.ErrConflict) {
			// Lost a create race; the name exists now.
			return r.store.GetDropByName(ctx, nameOrID)
		}
		if err != nil {
			return model.Drop{}, err
		}
		r.logger.Info("drop created", "drop", created.Name, "drop_id", created.ID)
		return created, nil
	}
	return drop, err
}

func isAllDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}

// Create makes a new drop with an optional label.
func (r *Registry) Create(ctx context.Context, name string, label *string) (model.Drop, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Drop{}, fmt.Errorf("drops: name is required")
	}
	return r.store.CreateDrop(ctx, name, label)
}

// List returns the drops visible to the caller: all of them for admins,
// otherwise only drops the user holds any permission on.
func (r *Registry) List(ctx context.Context, userID string, admin bool) ([]model.Drop, error) {
	if admin {
		return r.store.ListDrops(ctx)
	}
	return r.store.ListDropsForUser(ctx, userID)
}

// Get returns one drop by id.
func (r *Registry) Get(ctx context.Context, id int64) (model.Drop, error) {
	return r.store.GetDropByID(ctx, id)
}

// SetLabel updates the user-facing label. nil clears it.
func (r *Registry) SetLabel(ctx context.Context, id int64, label *string) error {
	return r.store.SetDropLabel(ctx, id, label)
}

// GetRetention returns the drop's retention rule, creating the row with
// defaults on first touch.
func (r *Registry) GetRetention(ctx context.Context, dropID int64) (model.DropRetention, error) {
	return r.store.GetRetention(ctx, dropID)
}

// SetRetention converts day values to milliseconds and stores the rule.
// Zero, negative, or non-finite days disable pruning for that stream; nil
// leaves the stream's current value untouched by writing the disabled state,
// matching a full replace. A successful change triggers an immediate pruner
// run for the drop.
func (r *Registry) SetRetention(ctx context.Context, dropID int64, tracesDays, eventsDays *float64) (model.DropRetention, error) {
	ret, err := r.store.SetRetention(ctx, dropID, daysToMs(tracesDays), daysToMs(eventsDays))
	if err != nil {
		return model.DropRetention{}, err
	}
	if r.pruner != nil {
		r.pruner.RunDrop(ctx, dropID)
	}
	return ret, nil
}

func daysToMs(days *float64) *int64 {
	if days == nil {
		return nil
	}
	d := *days
	if d <= 0 || math.IsNaN(d) || math.IsInf(d, 0) {
		return nil
	}
	ms := int64(d * msPerDay)
	return &ms
}

// Delete removes a drop and everything it owns. The default drop is
// protected, as is the last remaining drop.
func (r *Registry) Delete(ctx context.Context, id int64) error {
	drop, err := r.store.GetDropByID(ctx, id)
	if err != nil {
		return err
	}
	if drop.Name == model.DefaultDropName {
		return ErrDefaultDropProtected
	}
	n, err := r.store.CountDrops(ctx)
	if err != nil {
		return err
	}
	if n <= 1 {
		return ErrDefaultDropProtected
	}
	if err := r.store.DeleteDropCascade(ctx, id); err != nil {
		return err
	}
	r.logger.Info("drop deleted", "drop", drop.Name, "drop_id", id)
	return nil
}

// Clear wipes a drop's spans and events without touching the drop itself.
func (r *Registry) Clear(ctx context.Context, dropID int64) error {
	return r.store.ClearDrop(ctx, dropID)
}

// Stats returns row counts for a drop.
func (r *Registry) Stats(ctx context.Context, dropID int64) (model.DropStats, error) {
	return r.store.Stats(ctx, dropID)
}
