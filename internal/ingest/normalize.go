package ingest

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/raphael-dev/raphael/internal/model"
)

// normalizeSpans maps one OTLP trace export to persisted rows.
func normalizeSpans(dropID int64, req otlpTraceRequest) ([]model.TraceSpan, error) {
	now := time.Now().UnixMilli()
	var rows []model.TraceSpan

	for _, rs := range req.ResourceSpans {
		serviceName := resourceServiceName(rs.Resource)
		for _, ss := range rs.ScopeSpans {
			for _, span := range ss.Spans {
				attrs, err := compactJSON(flatten(span.Attributes))
				if err != nil {
					return nil, fmt.Errorf("ingest: encode span attributes: %w", err)
				}

				row := model.TraceSpan{
					DropID:        dropID,
					TraceID:       canonicalTraceID(span.TraceID),
					SpanID:        span.SpanID,
					ServiceName:   serviceName,
					OperationName: span.Name,
					StartTime:     int64(span.StartTimeUnixNano) / 1e6,
					Status:        model.StatusOK,
					Attributes:    attrs,
					CreatedAt:     now,
				}
				if span.ParentSpanID != "" {
					parent := span.ParentSpanID
					row.ParentSpanID = &parent
				}
				if span.EndTimeUnixNano != 0 {
					end := int64(span.EndTimeUnixNano) / 1e6
					row.EndTime = &end
					dur := end - row.StartTime
					row.DurationMs = &dur
				}
				if span.Status.Code == 2 {
					row.Status = model.StatusError
				}
				rows = append(rows, row)
			}
		}
	}
	return rows, nil
}

// Well-known dotted keys mapped to structured wide-event columns.
const (
	keyServiceName   = "service.name"
	keyOperationType = "graphql.operation_type"
	keyFieldName     = "graphql.field_name"
	keyOutcome       = "outcome"
	keyDuration      = "duration.total_ms"
	keyUserID        = "user.id"
	keyErrorCount    = "error_count"
	keyRPCCallCount  = "count.rpc_calls"
)

// normalizeEvent builds a row from one raw wide event. The full event is
// preserved verbatim in the attributes blob; the structured columns are a
// read-optimized projection of its well-known keys.
func normalizeEvent(dropID int64, raw map[string]any) (model.WideEvent, error) {
	attrs, err := json.Marshal(raw)
	if err != nil {
		return model.WideEvent{}, fmt.Errorf("ingest: encode event attributes: %w", err)
	}

	row := model.WideEvent{
		DropID:       dropID,
		ServiceName:  stringOr(raw, keyServiceName, "unknown"),
		Outcome:      stringOr(raw, keyOutcome, "unknown"),
		DurationMs:   floatPtr(raw, keyDuration),
		ErrorCount:   intCoerce(raw, keyErrorCount),
		RPCCallCount: intCoerce(raw, keyRPCCallCount),
		Attributes:   string(attrs),
		CreatedAt:    time.Now().UnixMilli(),
	}
	row.TraceID = stringPtr(raw, "trace_id")
	if row.TraceID == nil {
		row.TraceID = stringPtr(raw, "trace.id")
	}
	if row.TraceID != nil {
		// Same canonical form as span trace ids so drill-down joins work.
		canon := canonicalTraceID(*row.TraceID)
		row.TraceID = &canon
	}
	row.OperationType = stringPtr(raw, keyOperationType)
	row.FieldName = stringPtr(raw, keyFieldName)
	row.UserID = stringPtr(raw, keyUserID)
	return row, nil
}

func stringOr(raw map[string]any, key, fallback string) string {
	if s, ok := raw[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func stringPtr(raw map[string]any, key string) *string {
	if s, ok := raw[key].(string); ok && s != "" {
		return &s
	}
	return nil
}

// floatPtr returns the value as a float, nil when absent or non-finite.
func floatPtr(raw map[string]any, key string) *float64 {
	f, ok := asFloat(raw[key])
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// intCoerce returns the value as an integer count, 0 when absent, non-finite
// or unparseable.
func intCoerce(raw map[string]any, key string) int64 {
	f, ok := asFloat(raw[key])
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return int64(f)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// wideEventsFromLogs filters OTLP log records down to wide events. A record
// qualifies when its attributes carry log.type=wide_event or its body string
// contains the [WIDE_EVENT] marker.
func wideEventsFromLogs(dropID int64, req otlpLogsRequest) ([]model.WideEvent, error) {
	var rows []model.WideEvent
	for _, rl := range req.ResourceLogs {
		serviceName := resourceServiceName(rl.Resource)
		for _, sl := range rl.ScopeLogs {
			for _, rec := range sl.LogRecords {
				attrs := flatten(rec.Attributes)
				if !isWideEventRecord(rec, attrs) {
					continue
				}
				if _, ok := attrs[keyServiceName]; !ok {
					attrs[keyServiceName] = serviceName
				}
				row, err := normalizeEvent(dropID, attrs)
				if err != nil {
					return nil, err
				}
				rows = append(rows, row)
			}
		}
	}
	return rows, nil
}

func isWideEventRecord(rec otlpLogRecord, attrs map[string]any) bool {
	if t, ok := attrs["log.type"].(string); ok && t == "wide_event" {
		return true
	}
	if rec.Body.StringValue != nil {
		return strings.Contains(*rec.Body.StringValue, "[WIDE_EVENT]")
	}
	return false
}
