package model

// UserRole is the role of an end-user profile.
type UserRole string

// User roles. The first profile ever created becomes admin; a profile whose
// email matches the configured admin email is always admin.
const (
	RoleAdmin  UserRole = "admin"
	RoleMember UserRole = "member"
)

// ValidRole reports whether r is a known role.
func ValidRole(r UserRole) bool {
	return r == RoleAdmin || r == RoleMember
}

// UserProfile is a session-authenticated end user. Email is lower-cased on
// write.
type UserProfile struct {
	UserID      string   `json:"user_id"`
	Email       string   `json:"email"`
	Role        UserRole `json:"role"`
	Disabled    bool     `json:"disabled"`
	CreatedAt   int64    `json:"created_at"`
	UpdatedAt   int64    `json:"updated_at"`
	LastLoginAt *int64   `json:"last_login_at,omitempty"`
}

// Action is a per-drop capability atom.
type Action string

// Capability actions.
const (
	ActionIngest Action = "ingest"
	ActionQuery  Action = "query"
)

// UserDropPermission grants a member capabilities on one drop. Rows with both
// flags false are deleted rather than stored.
type UserDropPermission struct {
	UserID    string `json:"user_id"`
	DropID    int64  `json:"drop_id"`
	CanIngest bool   `json:"can_ingest"`
	CanQuery  bool   `json:"can_query"`
}

// Allows reports whether the permission row grants the requested action.
func (p UserDropPermission) Allows(action Action) bool {
	switch action {
	case ActionIngest:
		return p.CanIngest
	case ActionQuery:
		return p.CanQuery
	}
	return false
}

// AuthPolicy is the allowlist and default-permission policy stored in
// app_settings. Enforced only when auth is enabled and password login is
// disabled; empty lists allow everyone.
type AuthPolicy struct {
	AllowedEmails      []string               `json:"allowed_emails"`
	AllowedDomains     []string               `json:"allowed_domains"`
	DefaultPermissions []DefaultDropPermission `json:"default_permissions,omitempty"`
}

// DefaultDropPermission seeds a first-login member's permissions.
type DefaultDropPermission struct {
	Drop      string `json:"drop"`
	CanIngest bool   `json:"can_ingest"`
	CanQuery  bool   `json:"can_query"`
}
