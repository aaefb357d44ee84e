package server

import (
	"net/http"
	"strings"

	"github.com/raphael-dev/raphael/internal/model"
)

// handleListDrops lists drops visible to the caller. Admins see all drops;
// members only those they hold a permission on.
func (s *Server) handleListDrops(w http.ResponseWriter, r *http.Request) {
	ac := AuthFromContext(r.Context())
	if err := ac.RequireAuth(); err != nil {
		writeMappedError(w, r, err)
		return
	}
	list, err := s.registry.List(r.Context(), ac.SessionUserID(), ac.IsAdmin())
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	if list == nil {
		list = []model.Drop{}
	}
	writeJSON(w, r, http.StatusOK, list)
}

// handleCreateDrop creates a named drop. Admin-only when auth is on.
func (s *Server) handleCreateDrop(w http.ResponseWriter, r *http.Request) {
	ac := AuthFromContext(r.Context())
	if err := ac.RequireAdmin(); err != nil {
		writeMappedError(w, r, err)
		return
	}
	var req model.CreateDropRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name is required")
		return
	}
	drop, err := s.registry.Create(r.Context(), req.Name, req.Label)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, drop)
}

// adminDrop resolves the path's drop for an admin-only mutation.
func (s *Server) adminDrop(w http.ResponseWriter, r *http.Request) (model.Drop, bool) {
	ac := AuthFromContext(r.Context())
	if err := ac.RequireAdmin(); err != nil {
		writeMappedError(w, r, err)
		return model.Drop{}, false
	}
	drop, err := s.registry.Resolve(r.Context(), r.PathValue("drop"), false)
	if err != nil {
		writeMappedError(w, r, err)
		return model.Drop{}, false
	}
	SetUsageDrop(r.Context(), drop.ID)
	return drop, true
}

// handleDeleteDrop removes a drop and everything it owns.
func (s *Server) handleDeleteDrop(w http.ResponseWriter, r *http.Request) {
	drop, ok := s.adminDrop(w, r)
	if !ok {
		return
	}
	if err := s.registry.Delete(r.Context(), drop.ID); err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]bool{"deleted": true})
}

// handleGetRetention returns a drop's retention rule.
func (s *Server) handleGetRetention(w http.ResponseWriter, r *http.Request) {
	drop, ok := s.adminDrop(w, r)
	if !ok {
		return
	}
	ret, err := s.registry.GetRetention(r.Context(), drop.ID)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, ret)
}

// handleSetRetention updates a drop's retention in days. Zero disables a
// stream; the change is followed by an immediate prune of the drop.
func (s *Server) handleSetRetention(w http.ResponseWriter, r *http.Request) {
	drop, ok := s.adminDrop(w, r)
	if !ok {
		return
	}
	var req model.SetRetentionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if (req.TracesDays != nil && *req.TracesDays < 0) || (req.EventsDays != nil && *req.EventsDays < 0) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "retention days must not be negative")
		return
	}
	ret, err := s.registry.SetRetention(r.Context(), drop.ID, req.TracesDays, req.EventsDays)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, ret)
}

// handleSetLabel updates a drop's user-facing label.
func (s *Server) handleSetLabel(w http.ResponseWriter, r *http.Request) {
	drop, ok := s.adminDrop(w, r)
	if !ok {
		return
	}
	var req model.SetLabelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if err := s.registry.SetLabel(r.Context(), drop.ID, req.Label); err != nil {
		writeMappedError(w, r, err)
		return
	}
	updated, err := s.registry.Get(r.Context(), drop.ID)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, updated)
}

// dashboardDrop resolves the path's drop for dashboard routes, requiring the
// query capability.
func (s *Server) dashboardDrop(w http.ResponseWriter, r *http.Request) (model.Drop, bool) {
	drop, err := s.registry.Resolve(r.Context(), r.PathValue("drop"), false)
	if err != nil {
		writeMappedError(w, r, err)
		return model.Drop{}, false
	}
	SetUsageDrop(r.Context(), drop.ID)
	ac := AuthFromContext(r.Context())
	if err := s.resolver.RequireDropAccess(r.Context(), ac, drop.ID, model.ActionQuery); err != nil {
		writeMappedError(w, r, err)
		return model.Drop{}, false
	}
	return drop, true
}

type dashboardRequest struct {
	Name string `json:"name"`
	Spec string `json:"spec"`
}

// handleListDashboards lists a drop's dashboards.
func (s *Server) handleListDashboards(w http.ResponseWriter, r *http.Request) {
	drop, ok := s.dashboardDrop(w, r)
	if !ok {
		return
	}
	list, err := s.store.ListDashboards(r.Context(), drop.ID)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	if list == nil {
		list = []model.Dashboard{}
	}
	writeJSON(w, r, http.StatusOK, list)
}

// handleCreateDashboard stores a new dashboard spec.
func (s *Server) handleCreateDashboard(w http.ResponseWriter, r *http.Request) {
	drop, ok := s.dashboardDrop(w, r)
	if !ok {
		return
	}
	var req dashboardRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name is required")
		return
	}
	d, err := s.store.CreateDashboard(r.Context(), drop.ID, req.Name, req.Spec)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, d)
}

// handleGetDashboard returns one dashboard.
func (s *Server) handleGetDashboard(w http.ResponseWriter, r *http.Request) {
	drop, ok := s.dashboardDrop(w, r)
	if !ok {
		return
	}
	d, err := s.store.GetDashboard(r.Context(), drop.ID, r.PathValue("id"))
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

// handleUpdateDashboard replaces a dashboard's name and spec.
func (s *Server) handleUpdateDashboard(w http.ResponseWriter, r *http.Request) {
	drop, ok := s.dashboardDrop(w, r)
	if !ok {
		return
	}
	var req dashboardRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	d, err := s.store.UpdateDashboard(r.Context(), drop.ID, r.PathValue("id"), req.Name, req.Spec)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

// handleDeleteDashboard removes a dashboard.
func (s *Server) handleDeleteDashboard(w http.ResponseWriter, r *http.Request) {
	drop, ok := s.dashboardDrop(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteDashboard(r.Context(), drop.ID, r.PathValue("id")); err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]bool{"deleted": true})
}
