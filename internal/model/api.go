package model

// ErrorCode constants for API error responses. The HTTP surface is the only
// place that maps these to status codes.
const (
	ErrCodeInvalidInput    = "INVALID_INPUT"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeForbidden       = "FORBIDDEN"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeConflict        = "CONFLICT"
	ErrCodePayloadTooLarge = "PAYLOAD_TOO_LARGE"
	ErrCodeRateLimited     = "RATE_LIMITED"
	ErrCodeInternalError   = "INTERNAL_ERROR"
)

// APIError is the error response envelope.
type APIError struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IngestResponse acknowledges a wide-event ingest with the accepted count.
type IngestResponse struct {
	Received int `json:"received"`
}

// OTLPResponse is the OTLP-style acknowledgement for trace and log ingest.
type OTLPResponse struct {
	PartialSuccess struct{} `json:"partialSuccess"`
}

// CreateDropRequest is the body for POST /api/drops.
type CreateDropRequest struct {
	Name  string  `json:"name"`
	Label *string `json:"label,omitempty"`
}

// SetRetentionRequest is the body for PUT /api/drops/{drop}/retention.
// Days are converted to milliseconds; 0 disables pruning for that stream.
type SetRetentionRequest struct {
	TracesDays *float64 `json:"traces_days,omitempty"`
	EventsDays *float64 `json:"events_days,omitempty"`
}

// SetLabelRequest is the body for PUT /api/drops/{drop}/label.
type SetLabelRequest struct {
	Label *string `json:"label"`
}

// UpdateUserRequest is the body for PATCH /api/admin/users/{id}.
type UpdateUserRequest struct {
	Role     *UserRole `json:"role,omitempty"`
	Disabled *bool     `json:"disabled,omitempty"`
}

// PermissionGrant is one drop grant in a permissions PUT or key mint request.
type PermissionGrant struct {
	Drop      string `json:"drop"`
	CanIngest bool   `json:"can_ingest"`
	CanQuery  bool   `json:"can_query"`
}

// CreateServiceAccountRequest is the body for POST /api/account/service-accounts.
type CreateServiceAccountRequest struct {
	Name string `json:"name"`
}

// CreateAPIKeyRequest is the body for POST /api/account/api-keys.
type CreateAPIKeyRequest struct {
	ServiceAccountID string            `json:"service_account_id"`
	Name             *string           `json:"name,omitempty"`
	Permissions      []PermissionGrant `json:"permissions"`
}

// CreateAPIKeyResponse returns the full secret exactly once.
type CreateAPIKeyResponse struct {
	Key    APIKey `json:"key"`
	Secret string `json:"secret"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	DB      string `json:"db"`
}
