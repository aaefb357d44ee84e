// Package ingest normalizes incoming telemetry and writes it to the row
// store, staging live frames only when a subscriber for the target drop is
// connected.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/raphael-dev/raphael/internal/hub"
	"github.com/raphael-dev/raphael/internal/model"
	"github.com/raphael-dev/raphael/internal/storage"
)

// Staging bounds. The ring caps broadcast memory per request; overflow
// discards the oldest staged rows. Chunks keep any single frame small.
const (
	DefaultMaxBroadcastItems = 500
	DefaultBroadcastChunk    = 200
)

// Broadcaster is the hub dependency, narrowed to what ingest calls.
type Broadcaster interface {
	HasSubscribers(dropID int64) bool
	Broadcast(msg hub.ServerMessage, dropID *int64)
}

// Options tune the staging buffer.
type Options struct {
	MaxBroadcastItems int
	BroadcastChunk    int
}

func (o Options) withDefaults() Options {
	if o.MaxBroadcastItems <= 0 {
		o.MaxBroadcastItems = DefaultMaxBroadcastItems
	}
	if o.BroadcastChunk <= 0 {
		o.BroadcastChunk = DefaultBroadcastChunk
	}
	return o
}

// Pipeline is the shared ingest path for spans and wide events.
type Pipeline struct {
	store  *storage.Store
	hub    Broadcaster
	opts   Options
	logger *slog.Logger
}

// NewPipeline wires the pipeline.
func NewPipeline(store *storage.Store, broadcaster Broadcaster, opts Options, logger *slog.Logger) *Pipeline {
	return &Pipeline{store: store, hub: broadcaster, opts: opts.withDefaults(), logger: logger}
}

// IngestOTLPTraces handles one OTLP/HTTP-JSON trace export. The whole batch
// is one transaction; any normalization failure persists nothing. Returns the
// number of spans written.
func (p *Pipeline) IngestOTLPTraces(ctx context.Context, dropID int64, body []byte) (int, error) {
	var req otlpTraceRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, fmt.Errorf("ingest: decode otlp traces: %w", err)
	}
	rows, err := normalizeSpans(dropID, req)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	staged := p.stageSpans(dropID, rows)

	if err := p.store.InsertSpans(ctx, rows); err != nil {
		return 0, err
	}
	p.broadcastSpans(dropID, staged)
	return len(rows), nil
}

// IngestEvents handles a single wide event or an array of them.
func (p *Pipeline) IngestEvents(ctx context.Context, dropID int64, body []byte) (int, error) {
	raws, err := decodeEventBody(body)
	if err != nil {
		return 0, err
	}
	rows := make([]model.WideEvent, 0, len(raws))
	for _, raw := range raws {
		row, err := normalizeEvent(dropID, raw)
		if err != nil {
			return 0, err
		}
		rows = append(rows, row)
	}
	return p.insertEvents(ctx, dropID, rows)
}

// IngestOTLPLogs handles one OTLP/HTTP-JSON logs export, keeping only
// records marked as wide events.
func (p *Pipeline) IngestOTLPLogs(ctx context.Context, dropID int64, body []byte) (int, error) {
	var req otlpLogsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, fmt.Errorf("ingest: decode otlp logs: %w", err)
	}
	rows, err := wideEventsFromLogs(dropID, req)
	if err != nil {
		return 0, err
	}
	return p.insertEvents(ctx, dropID, rows)
}

func (p *Pipeline) insertEvents(ctx context.Context, dropID int64, rows []model.WideEvent) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	staged := p.stageEvents(dropID, rows)

	if err := p.store.InsertEvents(ctx, rows); err != nil {
		return 0, err
	}
	p.broadcastEvents(dropID, staged)
	return len(rows), nil
}

func decodeEventBody(body []byte) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("ingest: empty event body")
	}
	if trimmed[0] == '[' {
		var raws []map[string]any
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, fmt.Errorf("ingest: decode event array: %w", err)
		}
		return raws, nil
	}
	var raw map[string]any
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("ingest: decode event: %w", err)
	}
	return []map[string]any{raw}, nil
}

// stageSpans copies rows for broadcast, skipping all staging work when the
// drop has no live subscribers. Overflow discards the oldest staged rows.
func (p *Pipeline) stageSpans(dropID int64, rows []model.TraceSpan) []model.TraceSpan {
	if !p.hub.HasSubscribers(dropID) {
		return nil
	}
	if len(rows) > p.opts.MaxBroadcastItems {
		rows = rows[len(rows)-p.opts.MaxBroadcastItems:]
	}
	staged := make([]model.TraceSpan, len(rows))
	copy(staged, rows)
	return staged
}

func (p *Pipeline) stageEvents(dropID int64, rows []model.WideEvent) []model.WideEvent {
	if !p.hub.HasSubscribers(dropID) {
		return nil
	}
	if len(rows) > p.opts.MaxBroadcastItems {
		rows = rows[len(rows)-p.opts.MaxBroadcastItems:]
	}
	staged := make([]model.WideEvent, len(rows))
	copy(staged, rows)
	return staged
}

func (p *Pipeline) broadcastSpans(dropID int64, staged []model.TraceSpan) {
	for start := 0; start < len(staged); start += p.opts.BroadcastChunk {
		end := min(start+p.opts.BroadcastChunk, len(staged))
		p.hub.Broadcast(hub.ServerMessage{
			Type:   hub.TypeTraces,
			DropID: &dropID,
			Data:   staged[start:end],
		}, &dropID)
	}
}

func (p *Pipeline) broadcastEvents(dropID int64, staged []model.WideEvent) {
	for start := 0; start < len(staged); start += p.opts.BroadcastChunk {
		end := min(start+p.opts.BroadcastChunk, len(staged))
		p.hub.Broadcast(hub.ServerMessage{
			Type:   hub.TypeWideEvents,
			DropID: &dropID,
			Data:   staged[start:end],
		}, &dropID)
	}
}
