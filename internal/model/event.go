package model

// WideEvent is a single structured record describing a business or operation
// outcome, optionally correlated to a trace. The structured columns are
// extracted from well-known dotted keys at ingest time; Attributes preserves
// the entire originating event, unknown keys included.
type WideEvent struct {
	ID            int64    `json:"id"`
	DropID        int64    `json:"drop_id"`
	TraceID       *string  `json:"trace_id,omitempty"`
	ServiceName   string   `json:"service_name"`
	OperationType *string  `json:"operation_type,omitempty"`
	FieldName     *string  `json:"field_name,omitempty"`
	Outcome       string   `json:"outcome"`
	DurationMs    *float64 `json:"duration_ms,omitempty"`
	UserID        *string  `json:"user_id,omitempty"`
	ErrorCount    int64    `json:"error_count"`
	RPCCallCount  int64    `json:"rpc_call_count"`
	Attributes    string   `json:"attributes"`
	CreatedAt     int64    `json:"created_at"`
}

// DropStats summarizes a drop's telemetry for the UI stats endpoint.
type DropStats struct {
	Spans       int64 `json:"spans"`
	Traces      int64 `json:"traces"`
	Events      int64 `json:"events"`
	Errors      int64 `json:"errors"`
	EventErrors int64 `json:"event_errors"`
}
