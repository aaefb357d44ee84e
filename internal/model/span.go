package model

// Span statuses. OTLP status code 2 (STATUS_CODE_ERROR) maps to StatusError,
// every other code maps to StatusOK.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// TraceSpan is one OpenTelemetry trace segment persisted to the row store.
// Attributes holds the flattened OTLP attribute map as compact JSON.
type TraceSpan struct {
	ID            int64   `json:"id"`
	DropID        int64   `json:"drop_id"`
	TraceID       string  `json:"trace_id"`
	SpanID        string  `json:"span_id"`
	ParentSpanID  *string `json:"parent_span_id,omitempty"`
	ServiceName   string  `json:"service_name"`
	OperationName string  `json:"operation_name"`
	StartTime     int64   `json:"start_time"`
	EndTime       *int64  `json:"end_time,omitempty"`
	DurationMs    *int64  `json:"duration_ms,omitempty"`
	Status        string  `json:"status"`
	Attributes    string  `json:"attributes"`
	CreatedAt     int64   `json:"created_at"`
}
