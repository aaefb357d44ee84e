package model

// ServiceAccount is a long-lived identity whose API keys carry per-drop
// capabilities. Names are scoped per owner: (created_by_user_id, name) is
// unique.
type ServiceAccount struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	CreatedByUserID string `json:"created_by_user_id"`
	CreatedAt       int64  `json:"created_at"`
}

// APIKey is a bearer credential attached to a service account. Only KeyPrefix
// is ever displayed after creation; the full secret is returned exactly once
// and only its SHA-256 hash is persisted. Revocation is soft.
type APIKey struct {
	ID               string  `json:"id"`
	ServiceAccountID string  `json:"service_account_id"`
	Name             *string `json:"name,omitempty"`
	KeyPrefix        string  `json:"key_prefix"`
	KeyHash          string  `json:"-"`
	CreatedByUserID  string  `json:"created_by_user_id"`
	CreatedAt        int64   `json:"created_at"`
	RevokedAt        *int64  `json:"revoked_at,omitempty"`
}

// Revoked reports whether the key has been soft-revoked.
func (k APIKey) Revoked() bool { return k.RevokedAt != nil }

// APIKeyPermission grants an API key capabilities on one drop.
type APIKeyPermission struct {
	APIKeyID  string `json:"api_key_id"`
	DropID    int64  `json:"drop_id"`
	CanIngest bool   `json:"can_ingest"`
	CanQuery  bool   `json:"can_query"`
}

// Allows reports whether the permission row grants the requested action.
func (p APIKeyPermission) Allows(action Action) bool {
	switch action {
	case ActionIngest:
		return p.CanIngest
	case ActionQuery:
		return p.CanQuery
	}
	return false
}

// APIKeyUsage is one append-only usage log row, written once per API-key
// authenticated request on response completion. DropID is the drop the
// handler resolved, nil when resolution failed. Usage rows outlive their drop:
// a drop delete clears DropID instead of removing the row.
type APIKeyUsage struct {
	ID        int64  `json:"id"`
	APIKeyID  string `json:"api_key_id"`
	Method    string `json:"method"`
	Path      string `json:"path"`
	Status    int    `json:"status"`
	DropID    *int64 `json:"drop_id,omitempty"`
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
	CreatedAt int64  `json:"created_at"`
}
