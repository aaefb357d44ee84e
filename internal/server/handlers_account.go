package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/raphael-dev/raphael/internal/auth"
	"github.com/raphael-dev/raphael/internal/model"
	"github.com/raphael-dev/raphael/internal/storage"
)

// sessionOnly gates the /api/account surface: API keys cannot manage
// credentials. With auth disabled the surface operates on a synthetic local
// identity.
func (s *Server) sessionOnly(w http.ResponseWriter, r *http.Request) (auth.Context, string, bool) {
	ac := AuthFromContext(r.Context())
	if ac.Kind == auth.KindAPIKey {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "api keys cannot manage credentials")
		return auth.Context{}, "", false
	}
	if err := ac.RequireAuth(); err != nil {
		writeMappedError(w, r, err)
		return auth.Context{}, "", false
	}
	userID := ac.SessionUserID()
	if userID == "" {
		userID = "local"
	}
	return ac, userID, true
}

// handleMe returns the caller's own profile.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	ac, userID, ok := s.sessionOnly(w, r)
	if !ok {
		return
	}
	if ac.Kind == auth.KindDisabled {
		writeJSON(w, r, http.StatusOK, model.UserProfile{UserID: userID, Role: model.RoleAdmin})
		return
	}
	writeJSON(w, r, http.StatusOK, *ac.User)
}

// handleListServiceAccounts lists the caller's service accounts.
func (s *Server) handleListServiceAccounts(w http.ResponseWriter, r *http.Request) {
	_, userID, ok := s.sessionOnly(w, r)
	if !ok {
		return
	}
	accounts, err := s.store.ListServiceAccounts(r.Context(), userID)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	if accounts == nil {
		accounts = []model.ServiceAccount{}
	}
	writeJSON(w, r, http.StatusOK, accounts)
}

// handleCreateServiceAccount creates a service account owned by the caller.
func (s *Server) handleCreateServiceAccount(w http.ResponseWriter, r *http.Request) {
	_, userID, ok := s.sessionOnly(w, r)
	if !ok {
		return
	}
	var req model.CreateServiceAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name is required")
		return
	}
	account, err := s.store.CreateServiceAccount(r.Context(), req.Name, userID)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, account)
}

// handleDeleteServiceAccount deletes a caller-owned service account and
// revokes its keys.
func (s *Server) handleDeleteServiceAccount(w http.ResponseWriter, r *http.Request) {
	ac, userID, ok := s.sessionOnly(w, r)
	if !ok {
		return
	}
	account, err := s.store.GetServiceAccount(r.Context(), r.PathValue("id"))
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	if account.CreatedByUserID != userID && !ac.IsAdmin() {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "not your service account")
		return
	}
	if err := s.store.DeleteServiceAccount(r.Context(), account.ID); err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]bool{"deleted": true})
}

// handleListAPIKeys lists the caller's API keys.
func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	_, userID, ok := s.sessionOnly(w, r)
	if !ok {
		return
	}
	keys, err := s.store.ListAPIKeys(r.Context(), userID)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	if keys == nil {
		keys = []model.APIKey{}
	}
	writeJSON(w, r, http.StatusOK, keys)
}

// handleCreateAPIKey mints a key under a caller-owned service account. The
// full secret appears in this response and nowhere else. Members may only
// grant capabilities they hold themselves.
func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	ac, userID, ok := s.sessionOnly(w, r)
	if !ok {
		return
	}
	var req model.CreateAPIKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}

	account, err := s.store.GetServiceAccount(r.Context(), req.ServiceAccountID)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	if account.CreatedByUserID != userID && !ac.IsAdmin() {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "not your service account")
		return
	}

	perms := make([]model.APIKeyPermission, 0, len(req.Permissions))
	for _, g := range req.Permissions {
		drop, err := s.registry.Resolve(r.Context(), g.Drop, false)
		if err != nil {
			writeMappedError(w, r, err)
			return
		}
		if !ac.IsAdmin() {
			if err := s.memberHolds(r, ac, drop.ID, g); err != nil {
				writeMappedError(w, r, err)
				return
			}
		}
		perms = append(perms, model.APIKeyPermission{
			DropID:    drop.ID,
			CanIngest: g.CanIngest,
			CanQuery:  g.CanQuery,
		})
	}

	token, prefix, hash, err := auth.GenerateAPIKey()
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	key, err := s.store.CreateAPIKey(r.Context(), model.APIKey{
		ServiceAccountID: account.ID,
		Name:             req.Name,
		KeyPrefix:        prefix,
		KeyHash:          hash,
		CreatedByUserID:  userID,
	}, perms)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, model.CreateAPIKeyResponse{Key: key, Secret: token})
}

// memberHolds checks that a member granting g on drop holds every requested
// capability themselves.
func (s *Server) memberHolds(r *http.Request, ac auth.Context, dropID int64, g model.PermissionGrant) error {
	perm, err := s.store.GetUserDropPermission(r.Context(), ac.SessionUserID(), dropID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return auth.ErrForbidden
		}
		return err
	}
	if (g.CanIngest && !perm.CanIngest) || (g.CanQuery && !perm.CanQuery) {
		return auth.ErrForbidden
	}
	return nil
}

// handleRevokeAPIKey soft-revokes a caller-owned key.
func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	ac, userID, ok := s.sessionOnly(w, r)
	if !ok {
		return
	}
	key, err := s.store.GetAPIKeyByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	if key.CreatedByUserID != userID && !ac.IsAdmin() {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "not your api key")
		return
	}
	if err := s.store.RevokeAPIKey(r.Context(), key.ID); err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]bool{"revoked": true})
}

// handleAPIKeyUsage returns recent usage rows for the caller's keys.
func (s *Server) handleAPIKeyUsage(w http.ResponseWriter, r *http.Request) {
	_, userID, ok := s.sessionOnly(w, r)
	if !ok {
		return
	}
	limit := 0
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		limit = v
	}
	usage, err := s.store.ListAPIKeyUsage(r.Context(), userID, limit)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	if usage == nil {
		usage = []model.APIKeyUsage{}
	}
	writeJSON(w, r, http.StatusOK, usage)
}
