// Package query compiles client query envelopes into parameterized SQL
// condition lists executed by the storage layer. Column access is allow-list
// only; every user value is bound, never interpolated.
package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/raphael-dev/raphael/internal/model"
	"github.com/raphael-dev/raphael/internal/storage"
)

// Allow-lists per entity. Free-text search runs over the name-typed columns
// plus the raw attributes JSON.
var (
	traceWhereCols = map[string]bool{
		"trace_id":       true,
		"span_id":        true,
		"parent_span_id": true,
		"service_name":   true,
		"operation_name": true,
		"status":         true,
	}
	traceRangeCols = map[string]bool{
		"start_time":  true,
		"end_time":    true,
		"duration_ms": true,
		"created_at":  true,
	}
	traceTextCols = []string{"trace_id", "span_id", "service_name", "operation_name", "attributes"}

	eventWhereCols = map[string]bool{
		"trace_id":       true,
		"service_name":   true,
		"operation_type": true,
		"field_name":     true,
		"outcome":        true,
		"user_id":        true,
	}
	eventRangeCols = map[string]bool{
		"duration_ms":    true,
		"error_count":    true,
		"rpc_call_count": true,
		"created_at":     true,
	}
	eventTextCols = []string{"trace_id", "service_name", "operation_type", "field_name", "user_id", "attributes"}
)

// ErrInvalid marks envelope validation failures: allow-list misses, bad
// operators, non-numeric comparator values. The HTTP surface maps it to a
// client error.
var ErrInvalid = errors.New("query: invalid envelope")

// Engine executes query envelopes against the row store.
type Engine struct {
	store *storage.Store
}

// NewEngine wires the engine.
func NewEngine(store *storage.Store) *Engine {
	return &Engine{store: store}
}

// Traces runs q against a drop's spans.
func (e *Engine) Traces(ctx context.Context, dropID int64, q model.Query) ([]model.TraceSpan, error) {
	q.Clamp()
	conds, args, err := compile(q, traceWhereCols, traceRangeCols, traceTextCols)
	if err != nil {
		return nil, err
	}
	spans, err := e.store.QuerySpans(ctx, dropID, conds, args, q.Order, q.Limit, q.Offset)
	if err != nil {
		return nil, err
	}
	if spans == nil {
		spans = []model.TraceSpan{}
	}
	return spans, nil
}

// Events runs q against a drop's wide events.
func (e *Engine) Events(ctx context.Context, dropID int64, q model.Query) ([]model.WideEvent, error) {
	q.Clamp()
	conds, args, err := compile(q, eventWhereCols, eventRangeCols, eventTextCols)
	if err != nil {
		return nil, err
	}
	events, err := e.store.QueryEvents(ctx, dropID, conds, args, q.Order, q.Limit, q.Offset)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []model.WideEvent{}
	}
	return events, nil
}

// Trace returns the drill-down detail for one trace id within the drop.
func (e *Engine) Trace(ctx context.Context, dropID int64, traceID string) (model.TraceDetail, error) {
	spans, err := e.store.GetTraceSpans(ctx, dropID, traceID)
	if err != nil {
		return model.TraceDetail{}, err
	}
	if len(spans) == 0 {
		return model.TraceDetail{}, storage.ErrNotFound
	}
	events, err := e.store.GetTraceEvents(ctx, dropID, traceID)
	if err != nil {
		return model.TraceDetail{}, err
	}
	if events == nil {
		events = []model.WideEvent{}
	}
	return model.TraceDetail{Spans: spans, Events: events}, nil
}

// compile translates the envelope into AND-ed conditions and bind arguments.
func compile(q model.Query, whereCols, rangeCols map[string]bool, textCols []string) ([]string, []any, error) {
	var conds []string
	var args []any

	if q.Q != "" {
		pattern := "%" + q.Q + "%"
		or := ""
		for i, col := range textCols {
			if i > 0 {
				or += " OR "
			}
			or += col + " LIKE ?"
			args = append(args, pattern)
		}
		conds = append(conds, "("+or+")")
	}

	for col, val := range q.Where {
		if !whereCols[col] {
			return nil, nil, fmt.Errorf("%w: unknown where column %q", ErrInvalid, col)
		}
		conds = append(conds, col+" = ?")
		args = append(args, val)
	}

	for col, bound := range q.Range {
		if !rangeCols[col] {
			return nil, nil, fmt.Errorf("%w: unknown range column %q", ErrInvalid, col)
		}
		if bound.Gte != nil {
			conds = append(conds, col+" >= ?")
			args = append(args, *bound.Gte)
		}
		if bound.Lte != nil {
			conds = append(conds, col+" <= ?")
			args = append(args, *bound.Lte)
		}
	}

	for _, pred := range q.Attributes {
		cond, predArgs, err := compileAttr(pred)
		if err != nil {
			return nil, nil, err
		}
		conds = append(conds, cond)
		args = append(args, predArgs...)
	}

	return conds, args, nil
}

// compileAttr builds one json_extract predicate. The path is bound, not
// interpolated, so hostile keys stay data.
func compileAttr(pred model.AttrPredicate) (string, []any, error) {
	if pred.Key == "" {
		return "", nil, fmt.Errorf("%w: attribute predicate requires a key", ErrInvalid)
	}
	path := storage.JSONPath(pred.Key)

	switch pred.Op {
	case model.AttrOpExists:
		return "json_type(attributes, ?) IS NOT NULL", []any{path}, nil
	case model.AttrOpEq:
		return "json_extract(attributes, ?) = ?", []any{path, pred.Value}, nil
	case model.AttrOpLike:
		return "json_extract(attributes, ?) LIKE ?", []any{path, fmt.Sprintf("%%%v%%", pred.Value)}, nil
	case model.AttrOpGt, model.AttrOpGte, model.AttrOpLt, model.AttrOpLte:
		num, err := toNumber(pred.Value)
		if err != nil {
			return "", nil, fmt.Errorf("%w: attribute %q: %v", ErrInvalid, pred.Key, err)
		}
		op := map[model.AttrOp]string{
			model.AttrOpGt:  ">",
			model.AttrOpGte: ">=",
			model.AttrOpLt:  "<",
			model.AttrOpLte: "<=",
		}[pred.Op]
		return "CAST(json_extract(attributes, ?) AS REAL) " + op + " ?", []any{path, num}, nil
	}
	return "", nil, fmt.Errorf("%w: unknown attribute operator %q", ErrInvalid, pred.Op)
}

func toNumber(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("numeric comparator requires a number, got %T", v)
}
