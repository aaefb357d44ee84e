// Package auth resolves every request to an AuthContext and implements the
// capability checks used by all protected routes.
//
// The authentication provider itself (OAuth or password identity) is an
// external collaborator consumed through the SessionResolver interface;
// Raphael only validates the session it presents.
package auth

import (
	"errors"

	"github.com/raphael-dev/raphael/internal/model"
)

// Kind discriminates the AuthContext union.
type Kind string

// AuthContext kinds.
const (
	KindDisabled  Kind = "disabled"  // auth is turned off; every request passes
	KindAnonymous Kind = "anonymous" // no valid session or API key presented
	KindSession   Kind = "session"   // cookie-authenticated end user
	KindAPIKey    Kind = "api_key"   // bearer token principal
)

// Typed failures returned by the policy predicates. The HTTP surface maps
// ErrUnauthenticated to 401 and ErrForbidden to 403.
var (
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	ErrForbidden       = errors.New("auth: forbidden")
)

// Context is the resolved principal of one request.
type Context struct {
	Kind Kind

	// Set when Kind == KindSession.
	User *model.UserProfile

	// Set when Kind == KindAPIKey.
	Key      *model.APIKey
	KeyPerms map[int64]model.APIKeyPermission
}

// Disabled returns the context used when auth is turned off.
func Disabled() Context { return Context{Kind: KindDisabled} }

// Anonymous returns the unauthenticated context.
func Anonymous() Context { return Context{Kind: KindAnonymous} }

// IsAdmin reports whether the principal passes admin checks. With auth
// disabled everyone is effectively admin.
func (c Context) IsAdmin() bool {
	switch c.Kind {
	case KindDisabled:
		return true
	case KindSession:
		return c.User != nil && c.User.Role == model.RoleAdmin
	}
	return false
}

// RequireAuth fails with ErrUnauthenticated for anonymous principals and
// ErrForbidden for disabled users.
func (c Context) RequireAuth() error {
	switch c.Kind {
	case KindDisabled:
		return nil
	case KindAnonymous:
		return ErrUnauthenticated
	case KindSession:
		if c.User == nil {
			return ErrUnauthenticated
		}
		if c.User.Disabled {
			return ErrForbidden
		}
		return nil
	case KindAPIKey:
		return nil
	}
	return ErrUnauthenticated
}

// RequireAdmin fails unless the principal is an admin session (or auth is
// disabled). API keys never pass admin checks.
func (c Context) RequireAdmin() error {
	if err := c.RequireAuth(); err != nil {
		return err
	}
	if !c.IsAdmin() {
		return ErrForbidden
	}
	return nil
}

// SessionUserID returns the session's user id, empty for other kinds.
func (c Context) SessionUserID() string {
	if c.Kind == KindSession && c.User != nil {
		return c.User.UserID
	}
	return ""
}
