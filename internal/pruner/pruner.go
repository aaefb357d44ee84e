// Package pruner enforces per-drop retention. Deletions are batched so no
// single transaction holds the write lock long, and each sweep runs under a
// short deadline so a large purge never starves ingest or readers; leftover
// rows are picked up by the next tick.
package pruner

import (
	"context"
	"log/slog"
	"time"

	"github.com/raphael-dev/raphael/internal/model"
	"github.com/raphael-dev/raphael/internal/storage"
)

// Defaults per sweep.
const (
	DefaultInterval = time.Minute
	DefaultDeadline = 250 * time.Millisecond
	DefaultBatch    = 5000
)

// Options tune the sweep cadence and bounds.
type Options struct {
	Interval time.Duration
	Deadline time.Duration
	Batch    int
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Deadline <= 0 {
		o.Deadline = DefaultDeadline
	}
	if o.Batch <= 0 {
		o.Batch = DefaultBatch
	}
	return o
}

// Pruner deletes expired rows across all drops on a fixed tick.
type Pruner struct {
	store  *storage.Store
	opts   Options
	logger *slog.Logger
}

// New wires a pruner.
func New(store *storage.Store, opts Options, logger *slog.Logger) *Pruner {
	return &Pruner{store: store, opts: opts.withDefaults(), logger: logger}
}

// Run sweeps once at startup and then on every tick until ctx is canceled.
// Sweep errors are logged, never fatal.
func (p *Pruner) Run(ctx context.Context) error {
	p.sweep(ctx)

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// sweep prunes every drop under one shared deadline.
func (p *Pruner) sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Deadline)
	defer cancel()

	rules, err := p.store.ListRetention(ctx)
	if err != nil {
		p.logger.Error("pruner: list retention", "error", err)
		return
	}
	for _, rule := range rules {
		p.pruneDrop(ctx, rule)
		if ctx.Err() != nil {
			return
		}
	}
}

// RunDrop prunes one drop immediately, used after a retention change.
func (p *Pruner) RunDrop(ctx context.Context, dropID int64) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Deadline)
	defer cancel()

	rule, err := p.store.GetRetention(ctx, dropID)
	if err != nil {
		p.logger.Error("pruner: get retention", "drop_id", dropID, "error", err)
		return
	}
	p.pruneDrop(ctx, rule)
}

// pruneDrop deletes expired spans then events in bounded batches until the
// tables are clean or the deadline hits. A nil or zero retention disables the
// stream.
func (p *Pruner) pruneDrop(ctx context.Context, rule model.DropRetention) {
	now := time.Now().UnixMilli()
	p.pruneTable(ctx, rule.DropID, storage.TableSpans, rule.TracesRetentionMs, now)
	p.pruneTable(ctx, rule.DropID, storage.TableEvents, rule.EventsRetentionMs, now)
}

func (p *Pruner) pruneTable(ctx context.Context, dropID int64, table string, retentionMs *int64, now int64) {
	if retentionMs == nil || *retentionMs <= 0 {
		return
	}
	cutoff := now - *retentionMs

	var total int64
	for {
		if ctx.Err() != nil {
			break
		}
		n, err := p.store.DeleteOlderThan(ctx, dropID, table, cutoff, p.opts.Batch)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error("pruner: delete batch", "drop_id", dropID, "table", table, "error", err)
			}
			break
		}
		total += n
		if n < int64(p.opts.Batch) {
			break
		}
	}
	if total > 0 {
		p.logger.Info("pruned rows", "drop_id", dropID, "table", table, "rows", total)
	}
}
