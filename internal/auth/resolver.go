package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/raphael-dev/raphael/internal/model"
	"github.com/raphael-dev/raphael/internal/storage"
)

// apiKeyHeaders is the precedence order for bearer tokens. Authorization is
// checked first, then the aliases.
var apiKeyHeaders = []string{
	"x-api-key",
	"x-raphael-api-key",
	"x-raphael-key",
	"x-raphael-token",
}

// Resolver turns incoming requests into auth Contexts.
type Resolver struct {
	store         *storage.Store
	sessions      SessionResolver
	enabled       bool
	adminEmail    string
	passwordLogin bool
	logger        *slog.Logger
}

// NewResolver wires the resolver. sessions may be nil when auth is disabled.
// With passwordLogin set the OAuth allowlist is not enforced; the policy only
// gates identities arriving from an external provider.
func NewResolver(store *storage.Store, sessions SessionResolver, enabled bool, adminEmail string, passwordLogin bool, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:         store,
		sessions:      sessions,
		enabled:       enabled,
		adminEmail:    strings.ToLower(strings.TrimSpace(adminEmail)),
		passwordLogin: passwordLogin,
		logger:        logger,
	}
}

// Enabled reports whether auth enforcement is on.
func (r *Resolver) Enabled() bool { return r.enabled }

// AdminEmail returns the configured always-admin address, lower-cased.
func (r *Resolver) AdminEmail() string { return r.adminEmail }

// Resolve classifies the request. API keys win over session cookies; an
// invalid or revoked key degrades to anonymous rather than erroring, so the
// handler's own auth check produces the 401.
func (r *Resolver) Resolve(req *http.Request) Context {
	if !r.enabled {
		return Disabled()
	}

	if token := bearerToken(req); token != "" {
		ctx, err := r.resolveAPIKey(req.Context(), token)
		if err != nil {
			r.logger.Debug("api key rejected", "error", err)
			return Anonymous()
		}
		return ctx
	}

	claims, err := r.sessions.ResolveSession(req)
	if err != nil {
		return Anonymous()
	}
	ctx, err := r.resolveSessionUser(req.Context(), claims)
	if err != nil {
		r.logger.Warn("session rejected", "user_id", claims.UserID, "error", err)
		return Anonymous()
	}
	return ctx
}

// bearerToken extracts a raw API key token from the request headers.
func bearerToken(req *http.Request) string {
	if v := req.Header.Get("Authorization"); v != "" {
		if token, ok := strings.CutPrefix(v, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	for _, h := range apiKeyHeaders {
		if v := strings.TrimSpace(req.Header.Get(h)); v != "" {
			return v
		}
	}
	return ""
}

func (r *Resolver) resolveAPIKey(ctx context.Context, token string) (Context, error) {
	key, err := r.store.GetAPIKeyByHash(ctx, HashToken(token))
	if err != nil {
		return Context{}, fmt.Errorf("auth: lookup api key: %w", err)
	}
	perms, err := r.store.ListAPIKeyPermissions(ctx, key.ID)
	if err != nil {
		return Context{}, fmt.Errorf("auth: load api key permissions: %w", err)
	}
	byDrop := make(map[int64]model.APIKeyPermission, len(perms))
	for _, p := range perms {
		byDrop[p.DropID] = p
	}
	return Context{Kind: KindAPIKey, Key: &key, KeyPerms: byDrop}, nil
}

// resolveSessionUser upserts the profile on every authenticated request,
// applies the allowlist to first-time users (unless password login is
// enabled), and seeds default permissions on first login.
func (r *Resolver) resolveSessionUser(ctx context.Context, claims SessionClaims) (Context, error) {
	email := strings.ToLower(strings.TrimSpace(claims.Email))
	forceAdmin := r.adminEmail != "" && email == r.adminEmail

	_, err := r.store.GetProfile(ctx, claims.UserID)
	firstSeen := errors.Is(err, storage.ErrNotFound)
	if err != nil && !firstSeen {
		return Context{}, fmt.Errorf("auth: load profile: %w", err)
	}

	policy, err := LoadPolicy(ctx, r.store)
	if err != nil {
		return Context{}, err
	}
	if firstSeen && !forceAdmin && !r.passwordLogin && !EmailAllowed(policy, email) {
		return Context{}, fmt.Errorf("auth: email %s not on allowlist: %w", email, ErrForbidden)
	}

	profile, err := r.store.UpsertProfile(ctx, claims.UserID, email, forceAdmin)
	if err != nil {
		return Context{}, fmt.Errorf("auth: upsert profile: %w", err)
	}

	if firstSeen && profile.Role == model.RoleMember {
		if err := r.seedDefaultPermissions(ctx, profile.UserID, policy); err != nil {
			r.logger.Warn("seed default permissions", "user_id", profile.UserID, "error", err)
		}
	}

	return Context{Kind: KindSession, User: &profile}, nil
}

// seedDefaultPermissions grants the policy's default per-drop permissions to
// a first-login member. Unknown drop names are skipped.
func (r *Resolver) seedDefaultPermissions(ctx context.Context, userID string, policy model.AuthPolicy) error {
	if len(policy.DefaultPermissions) == 0 {
		return nil
	}
	n, err := r.store.CountUserDropPermissions(ctx, userID)
	if err != nil || n > 0 {
		return err
	}
	for _, def := range policy.DefaultPermissions {
		drop, err := r.store.GetDropByName(ctx, def.Drop)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		err = r.store.SetUserDropPermission(ctx, model.UserDropPermission{
			UserID:    userID,
			DropID:    drop.ID,
			CanIngest: def.CanIngest,
			CanQuery:  def.CanQuery,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
