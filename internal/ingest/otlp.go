package ingest

import (
	"encoding/json"
	"strconv"
	"strings"
)

// OTLP/HTTP-JSON request shapes, reduced to the fields the pipeline reads.
// Nano timestamps and int values arrive as JSON strings per the protobuf
// JSON mapping, but some SDKs send plain numbers; flexInt64 accepts both.

type otlpTraceRequest struct {
	ResourceSpans []otlpResourceSpans `json:"resourceSpans"`
}

type otlpResourceSpans struct {
	Resource   otlpResource     `json:"resource"`
	ScopeSpans []otlpScopeSpans `json:"scopeSpans"`
}

type otlpResource struct {
	Attributes []otlpKeyValue `json:"attributes"`
}

type otlpScopeSpans struct {
	Spans []otlpSpan `json:"spans"`
}

type otlpSpan struct {
	TraceID           string         `json:"traceId"`
	SpanID            string         `json:"spanId"`
	ParentSpanID      string         `json:"parentSpanId"`
	Name              string         `json:"name"`
	StartTimeUnixNano flexInt64      `json:"startTimeUnixNano"`
	EndTimeUnixNano   flexInt64      `json:"endTimeUnixNano"`
	Status            otlpStatus     `json:"status"`
	Attributes        []otlpKeyValue `json:"attributes"`
}

type otlpStatus struct {
	Code flexInt64 `json:"code"`
}

type otlpLogsRequest struct {
	ResourceLogs []otlpResourceLogs `json:"resourceLogs"`
}

type otlpResourceLogs struct {
	Resource  otlpResource    `json:"resource"`
	ScopeLogs []otlpScopeLogs `json:"scopeLogs"`
}

type otlpScopeLogs struct {
	LogRecords []otlpLogRecord `json:"logRecords"`
}

type otlpLogRecord struct {
	Body       otlpAnyValue   `json:"body"`
	Attributes []otlpKeyValue `json:"attributes"`
}

type otlpKeyValue struct {
	Key   string       `json:"key"`
	Value otlpAnyValue `json:"value"`
}

type otlpAnyValue struct {
	StringValue *string    `json:"stringValue"`
	IntValue    *flexInt64 `json:"intValue"`
	BoolValue   *bool      `json:"boolValue"`
	DoubleValue *float64   `json:"doubleValue"`
}

// flexInt64 decodes a protobuf-JSON int64 that may be quoted or bare.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// Tolerate float-formatted numbers from loose encoders.
		fv, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return err
		}
		n = int64(fv)
	}
	*f = flexInt64(n)
	return nil
}

// flatten converts an OTLP attribute list to a flat key→primitive map.
// Unset values are skipped.
func flatten(attrs []otlpKeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		switch {
		case kv.Value.StringValue != nil:
			out[kv.Key] = *kv.Value.StringValue
		case kv.Value.IntValue != nil:
			out[kv.Key] = int64(*kv.Value.IntValue)
		case kv.Value.BoolValue != nil:
			out[kv.Key] = *kv.Value.BoolValue
		case kv.Value.DoubleValue != nil:
			out[kv.Key] = *kv.Value.DoubleValue
		}
	}
	return out
}

// resourceServiceName pulls service.name out of resource attributes,
// defaulting to "unknown".
func resourceServiceName(res otlpResource) string {
	for _, kv := range res.Attributes {
		if kv.Key == "service.name" && kv.Value.StringValue != nil && *kv.Value.StringValue != "" {
			return *kv.Value.StringValue
		}
	}
	return "unknown"
}

// canonicalTraceID hyphenates a 32-hex trace id to 8-4-4-4-12 form. Other
// lengths pass through unchanged.
func canonicalTraceID(id string) string {
	if len(id) != 32 {
		return id
	}
	return id[0:8] + "-" + id[8:12] + "-" + id[12:16] + "-" + id[16:20] + "-" + id[20:32]
}

func compactJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
