package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphael-dev/raphael/internal/model"
	"github.com/raphael-dev/raphael/internal/storage"
	"github.com/raphael-dev/raphael/internal/testutil"
)

// fakeSessions maps cookie values straight to claims.
type fakeSessions struct {
	claims map[string]SessionClaims
}

func (f *fakeSessions) ResolveSession(r *http.Request) (SessionClaims, error) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		return SessionClaims{}, ErrUnauthenticated
	}
	claims, ok := f.claims[cookie.Value]
	if !ok {
		return SessionClaims{}, ErrUnauthenticated
	}
	return claims, nil
}

func newTestResolver(t *testing.T, adminEmail string) (*Resolver, *storage.Store, *fakeSessions) {
	t.Helper()
	store := testutil.MustOpenStore(t)
	sessions := &fakeSessions{claims: make(map[string]SessionClaims)}
	r := NewResolver(store, sessions, true, adminEmail, false, testutil.TestLogger())
	return r, store, sessions
}

func withSession(token string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
	return req
}

func mintKey(t *testing.T, store *storage.Store, perms []model.APIKeyPermission) (string, model.APIKey) {
	t.Helper()
	token, prefix, hash, err := GenerateAPIKey()
	require.NoError(t, err)
	sa, err := store.CreateServiceAccount(context.Background(), "ci", "owner-1")
	require.NoError(t, err)
	key, err := store.CreateAPIKey(context.Background(), model.APIKey{
		ServiceAccountID: sa.ID,
		KeyPrefix:        prefix,
		KeyHash:          hash,
		CreatedByUserID:  "owner-1",
	}, perms)
	require.NoError(t, err)
	return token, key
}

func TestResolver_Disabled(t *testing.T) {
	store := testutil.MustOpenStore(t)
	r := NewResolver(store, nil, false, "", false, testutil.TestLogger())

	ac := r.Resolve(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, KindDisabled, ac.Kind)
	assert.True(t, ac.IsAdmin())
}

func TestResolver_Anonymous(t *testing.T) {
	r, _, _ := newTestResolver(t, "")
	ac := r.Resolve(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, KindAnonymous, ac.Kind)
}

func TestResolver_Session_FirstUserIsAdmin(t *testing.T) {
	r, _, sessions := newTestResolver(t, "")
	sessions.claims["tok"] = SessionClaims{UserID: "u-1", Email: "First@Example.com"}

	ac := r.Resolve(withSession("tok"))
	require.Equal(t, KindSession, ac.Kind)
	require.NotNil(t, ac.User)
	assert.Equal(t, model.RoleAdmin, ac.User.Role)
	assert.Equal(t, "first@example.com", ac.User.Email, "email is lower-cased on write")
}

func TestResolver_Session_SecondUserIsMember(t *testing.T) {
	r, _, sessions := newTestResolver(t, "")
	sessions.claims["a"] = SessionClaims{UserID: "u-1", Email: "first@example.com"}
	sessions.claims["b"] = SessionClaims{UserID: "u-2", Email: "second@example.com"}

	_ = r.Resolve(withSession("a"))
	ac := r.Resolve(withSession("b"))
	require.Equal(t, KindSession, ac.Kind)
	assert.Equal(t, model.RoleMember, ac.User.Role)
}

func TestResolver_Session_AdminEmailPromotion(t *testing.T) {
	r, _, sessions := newTestResolver(t, "boss@example.com")
	sessions.claims["a"] = SessionClaims{UserID: "u-1", Email: "first@example.com"}
	sessions.claims["b"] = SessionClaims{UserID: "u-2", Email: "Boss@Example.com"}

	_ = r.Resolve(withSession("a"))
	ac := r.Resolve(withSession("b"))
	require.Equal(t, KindSession, ac.Kind)
	assert.Equal(t, model.RoleAdmin, ac.User.Role)
}

func TestResolver_Session_AllowlistBlocksFirstSeen(t *testing.T) {
	r, store, sessions := newTestResolver(t, "boss@example.com")
	ctx := context.Background()

	require.NoError(t, SavePolicy(ctx, store, model.AuthPolicy{
		AllowedDomains: []string{"corp.io"},
		AllowedEmails:  []string{"boss@example.com"},
	}, "boss@example.com"))

	sessions.claims["in"] = SessionClaims{UserID: "u-1", Email: "dev@corp.io"}
	sessions.claims["out"] = SessionClaims{UserID: "u-2", Email: "rando@gmail.com"}
	sessions.claims["boss"] = SessionClaims{UserID: "u-3", Email: "boss@example.com"}

	assert.Equal(t, KindSession, r.Resolve(withSession("in")).Kind)
	assert.Equal(t, KindAnonymous, r.Resolve(withSession("out")).Kind, "off-list first login degrades to anonymous")
	assert.Equal(t, KindSession, r.Resolve(withSession("boss")).Kind, "admin email bypasses the allowlist")

	// Known users are not re-checked when the policy tightens later.
	require.NoError(t, store.SetSetting(ctx, storage.SettingAuthPolicy, `{"allowed_emails":["boss@example.com"]}`))
	assert.Equal(t, KindSession, r.Resolve(withSession("in")).Kind)
}

func TestResolver_Session_PasswordLoginSkipsAllowlist(t *testing.T) {
	store := testutil.MustOpenStore(t)
	sessions := &fakeSessions{claims: make(map[string]SessionClaims)}
	r := NewResolver(store, sessions, true, "boss@example.com", true, testutil.TestLogger())
	ctx := context.Background()

	require.NoError(t, SavePolicy(ctx, store, model.AuthPolicy{
		AllowedEmails: []string{"boss@example.com"},
	}, "boss@example.com"))

	// Off-list first login is admitted: local credentials, not the OAuth
	// provider, vouch for the identity.
	sessions.claims["local"] = SessionClaims{UserID: "u-1", Email: "rando@gmail.com"}
	ac := r.Resolve(withSession("local"))
	require.Equal(t, KindSession, ac.Kind)
	assert.Equal(t, "rando@gmail.com", ac.User.Email)
}

func TestResolver_Session_SeedsDefaultPermissions(t *testing.T) {
	r, store, sessions := newTestResolver(t, "boss@example.com")
	ctx := context.Background()

	staging, err := store.CreateDrop(ctx, "staging", nil)
	require.NoError(t, err)
	require.NoError(t, SavePolicy(ctx, store, model.AuthPolicy{
		DefaultPermissions: []model.DefaultDropPermission{
			{Drop: "staging", CanIngest: true, CanQuery: true},
			{Drop: "no-such-drop", CanQuery: true},
		},
	}, "boss@example.com"))

	// Burn the first-user-is-admin slot so the next login is a member.
	sessions.claims["admin"] = SessionClaims{UserID: "u-0", Email: "boss@example.com"}
	_ = r.Resolve(withSession("admin"))

	sessions.claims["m"] = SessionClaims{UserID: "u-1", Email: "dev@example.com"}
	ac := r.Resolve(withSession("m"))
	require.Equal(t, KindSession, ac.Kind)
	require.Equal(t, model.RoleMember, ac.User.Role)

	perm, err := store.GetUserDropPermission(ctx, "u-1", staging.ID)
	require.NoError(t, err)
	assert.True(t, perm.CanIngest)
	assert.True(t, perm.CanQuery)
}

func TestResolver_APIKey(t *testing.T) {
	r, store, _ := newTestResolver(t, "")
	token, key := mintKey(t, store, []model.APIKeyPermission{
		{DropID: 1, CanIngest: true},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/traces", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	ac := r.Resolve(req)
	require.Equal(t, KindAPIKey, ac.Kind)
	assert.Equal(t, key.ID, ac.Key.ID)
	assert.True(t, ac.KeyPerms[1].CanIngest)
	assert.False(t, ac.KeyPerms[1].CanQuery)
}

func TestResolver_APIKey_HeaderAliases(t *testing.T) {
	r, store, _ := newTestResolver(t, "")
	token, _ := mintKey(t, store, nil)

	for _, header := range []string{"x-api-key", "x-raphael-api-key", "x-raphael-key", "x-raphael-token"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/traces", nil)
		req.Header.Set(header, token)
		ac := r.Resolve(req)
		assert.Equal(t, KindAPIKey, ac.Kind, "header %s", header)
	}
}

func TestResolver_APIKey_InvalidDegradesToAnonymous(t *testing.T) {
	r, _, _ := newTestResolver(t, "")

	req := httptest.NewRequest(http.MethodPost, "/v1/traces", nil)
	req.Header.Set("Authorization", "Bearer rph_not_a_real_key")
	assert.Equal(t, KindAnonymous, r.Resolve(req).Kind)
}

func TestResolver_APIKey_RevokedDegradesToAnonymous(t *testing.T) {
	r, store, _ := newTestResolver(t, "")
	token, key := mintKey(t, store, nil)
	require.NoError(t, store.RevokeAPIKey(context.Background(), key.ID))

	req := httptest.NewRequest(http.MethodPost, "/v1/traces", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	assert.Equal(t, KindAnonymous, r.Resolve(req).Kind)
}

func TestResolver_APIKeyWinsOverSession(t *testing.T) {
	r, store, sessions := newTestResolver(t, "")
	token, _ := mintKey(t, store, nil)
	sessions.claims["tok"] = SessionClaims{UserID: "u-1", Email: "a@example.com"}

	req := withSession("tok")
	req.Header.Set("Authorization", "Bearer "+token)
	assert.Equal(t, KindAPIKey, r.Resolve(req).Kind)
}

// ---- RequireDropAccess ---------------------------------------------------

func TestRequireDropAccess(t *testing.T) {
	r, store, sessions := newTestResolver(t, "")
	ctx := context.Background()

	// First login is the admin; second is a member with query-only on drop 1.
	sessions.claims["admin"] = SessionClaims{UserID: "u-admin", Email: "admin@example.com"}
	adminCtx := r.Resolve(withSession("admin"))
	sessions.claims["member"] = SessionClaims{UserID: "u-member", Email: "member@example.com"}
	memberCtx := r.Resolve(withSession("member"))
	require.NoError(t, store.SetUserDropPermission(ctx, model.UserDropPermission{
		UserID: "u-member", DropID: 1, CanQuery: true,
	}))

	token, _ := mintKey(t, store, []model.APIKeyPermission{{DropID: 1, CanIngest: true}})
	req := httptest.NewRequest(http.MethodPost, "/v1/traces", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	keyCtx := r.Resolve(req)

	cases := []struct {
		name   string
		ac     Context
		dropID int64
		action model.Action
		want   error
	}{
		{"disabled passes", Disabled(), 1, model.ActionIngest, nil},
		{"anonymous 401", Anonymous(), 1, model.ActionQuery, ErrUnauthenticated},
		{"admin passes", adminCtx, 1, model.ActionIngest, nil},
		{"member granted action", memberCtx, 1, model.ActionQuery, nil},
		{"member missing action", memberCtx, 1, model.ActionIngest, ErrForbidden},
		{"member unknown drop", memberCtx, 42, model.ActionQuery, ErrForbidden},
		{"key granted action", keyCtx, 1, model.ActionIngest, nil},
		{"key missing action", keyCtx, 1, model.ActionQuery, ErrForbidden},
		{"key unknown drop", keyCtx, 42, model.ActionIngest, ErrForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.RequireDropAccess(ctx, tc.ac, tc.dropID, tc.action)
			if tc.want == nil {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, tc.want), "got %v", err)
			}
		})
	}
}

func TestRequireDropAccess_DisabledUser(t *testing.T) {
	r, _, _ := newTestResolver(t, "")
	ac := Context{Kind: KindSession, User: &model.UserProfile{
		UserID: "u-x", Role: model.RoleAdmin, Disabled: true,
	}}
	err := r.RequireDropAccess(context.Background(), ac, 1, model.ActionQuery)
	assert.True(t, errors.Is(err, ErrForbidden))
}
