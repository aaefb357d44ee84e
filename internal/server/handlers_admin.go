package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/raphael-dev/raphael/internal/auth"
	"github.com/raphael-dev/raphael/internal/model"
	"github.com/raphael-dev/raphael/internal/storage"
)

// requireAdmin gates the /api/admin surface.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	ac := AuthFromContext(r.Context())
	if err := ac.RequireAdmin(); err != nil {
		writeMappedError(w, r, err)
		return false
	}
	return true
}

// handleListUsers lists all user profiles.
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	users, err := s.store.ListProfiles(r.Context())
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	if users == nil {
		users = []model.UserProfile{}
	}
	writeJSON(w, r, http.StatusOK, users)
}

// handleUpdateUser changes a user's role or disabled flag. Admins cannot
// disable or demote themselves.
func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	var req model.UpdateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if req.Role != nil && !model.ValidRole(*req.Role) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid role")
		return
	}

	targetID := r.PathValue("id")
	demote := req.Role != nil && *req.Role != model.RoleAdmin
	disable := req.Disabled != nil && *req.Disabled

	ac := AuthFromContext(r.Context())
	if ac.SessionUserID() == targetID && (demote || disable) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "cannot demote or disable your own account")
		return
	}

	// The configured admin email stays admin and enabled, whoever asks.
	if adminEmail := s.resolver.AdminEmail(); adminEmail != "" && (demote || disable) {
		target, err := s.store.GetProfile(r.Context(), targetID)
		if err != nil {
			writeMappedError(w, r, err)
			return
		}
		if target.Email == adminEmail {
			writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "the configured admin account cannot be demoted or disabled")
			return
		}
	}

	user, err := s.store.UpdateProfileAdmin(r.Context(), targetID, req.Role, req.Disabled)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, user)
}

// handleGetUserPermissions lists a user's per-drop grants.
func (s *Server) handleGetUserPermissions(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	userID := r.PathValue("id")
	if _, err := s.store.GetProfile(r.Context(), userID); err != nil {
		writeMappedError(w, r, err)
		return
	}
	perms, err := s.store.ListUserDropPermissions(r.Context(), userID)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	if perms == nil {
		perms = []model.UserDropPermission{}
	}
	writeJSON(w, r, http.StatusOK, perms)
}

// handleSetUserPermissions replaces a user's per-drop grants. Grants naming
// unknown drops are rejected.
func (s *Server) handleSetUserPermissions(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	userID := r.PathValue("id")
	if _, err := s.store.GetProfile(r.Context(), userID); err != nil {
		writeMappedError(w, r, err)
		return
	}

	var grants []model.PermissionGrant
	if err := decodeJSON(r, &grants); err != nil {
		writeDecodeError(w, r, err)
		return
	}

	perms := make([]model.UserDropPermission, 0, len(grants))
	for _, g := range grants {
		drop, err := s.registry.Resolve(r.Context(), g.Drop, false)
		if err != nil {
			writeMappedError(w, r, err)
			return
		}
		perms = append(perms, model.UserDropPermission{
			UserID:    userID,
			DropID:    drop.ID,
			CanIngest: g.CanIngest,
			CanQuery:  g.CanQuery,
		})
	}
	if err := s.store.ReplaceUserDropPermissions(r.Context(), userID, perms); err != nil {
		writeMappedError(w, r, err)
		return
	}

	saved, err := s.store.ListUserDropPermissions(r.Context(), userID)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	if saved == nil {
		saved = []model.UserDropPermission{}
	}
	writeJSON(w, r, http.StatusOK, saved)
}

// handleGetAuthPolicy returns the allowlist and default-permission policy.
func (s *Server) handleGetAuthPolicy(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	policy, err := auth.LoadPolicy(r.Context(), s.store)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, policy)
}

// handleSetAuthPolicy replaces the policy. Changes that would lock out the
// configured admin are refused.
func (s *Server) handleSetAuthPolicy(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	var policy model.AuthPolicy
	if err := decodeJSON(r, &policy); err != nil {
		writeDecodeError(w, r, err)
		return
	}

	// The lockout guard protects whichever admin identity is in play: the
	// configured admin email, or the caller's own email.
	guard := s.resolver.AdminEmail()
	ac := AuthFromContext(r.Context())
	if guard == "" && ac.User != nil {
		guard = ac.User.Email
	}

	if err := auth.SavePolicy(r.Context(), s.store, policy, guard); err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, policy)
}

type oauthSecretRequest struct {
	ClientSecret string `json:"client_secret"`
}

type oauthSecretResponse struct {
	Configured bool `json:"configured"`
}

// handleGetOAuthSecret reports whether a decryptable OAuth client secret is
// stored. The secret itself never leaves the server.
func (s *Server) handleGetOAuthSecret(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	sealed, err := s.store.GetSetting(r.Context(), storage.SettingOAuthClientSecret)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, r, http.StatusOK, oauthSecretResponse{})
		return
	}
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	if _, err := s.keeper.Decrypt(sealed); err != nil {
		// Stored under a previous key; treat as unconfigured.
		s.logger.Warn("stored oauth client secret is not decryptable", "error", err)
		writeJSON(w, r, http.StatusOK, oauthSecretResponse{})
		return
	}
	writeJSON(w, r, http.StatusOK, oauthSecretResponse{Configured: true})
}

// handleSetOAuthSecret seals the OAuth client secret with the process key and
// persists only the envelope.
func (s *Server) handleSetOAuthSecret(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	var req oauthSecretRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.ClientSecret) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "client_secret is required")
		return
	}
	sealed, err := s.keeper.Encrypt(req.ClientSecret)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	if err := s.store.SetSetting(r.Context(), storage.SettingOAuthClientSecret, sealed); err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, oauthSecretResponse{Configured: true})
}
