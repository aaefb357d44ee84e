package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/raphael-dev/raphael/internal/model"
	"github.com/raphael-dev/raphael/internal/query"
)

// queryTarget resolves the drop for a read path and checks the query
// capability. Writes the error response itself when access fails.
func (s *Server) queryTarget(w http.ResponseWriter, r *http.Request, selector string) (model.Drop, bool) {
	drop, err := s.resolveDrop(r, selector)
	if err != nil {
		writeMappedError(w, r, err)
		return model.Drop{}, false
	}
	ac := AuthFromContext(r.Context())
	if err := s.resolver.RequireDropAccess(r.Context(), ac, drop.ID, model.ActionQuery); err != nil {
		writeMappedError(w, r, err)
		return model.Drop{}, false
	}
	return drop, true
}

// handleQueryTraces runs a query envelope against a drop's spans.
func (s *Server) handleQueryTraces(w http.ResponseWriter, r *http.Request) {
	var q model.Query
	if err := decodeJSON(r, &q); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	selector := q.Drop
	if selector == "" {
		selector = dropSelector(r)
	}
	drop, ok := s.queryTarget(w, r, selector)
	if !ok {
		return
	}
	rows, err := s.engine.Traces(r.Context(), drop.ID, q)
	if err != nil {
		writeQueryError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rows)
}

// handleQueryEvents runs a query envelope against a drop's wide events.
func (s *Server) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	var q model.Query
	if err := decodeJSON(r, &q); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	selector := q.Drop
	if selector == "" {
		selector = dropSelector(r)
	}
	drop, ok := s.queryTarget(w, r, selector)
	if !ok {
		return
	}
	rows, err := s.engine.Events(r.Context(), drop.ID, q)
	if err != nil {
		writeQueryError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rows)
}

// writeQueryError distinguishes envelope validation errors (allow-list
// misses, bad operators) from storage failures.
func writeQueryError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, query.ErrInvalid) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeMappedError(w, r, err)
}

// handleTraceDetail returns a trace's spans and correlated wide events.
func (s *Server) handleTraceDetail(w http.ResponseWriter, r *http.Request) {
	drop, ok := s.queryTarget(w, r, dropSelector(r))
	if !ok {
		return
	}
	detail, err := s.engine.Trace(r.Context(), drop.ID, r.PathValue("traceId"))
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, detail)
}

// envelopeFromParams builds a query envelope from URL parameters for the UI
// convenience endpoints.
func envelopeFromParams(r *http.Request) model.Query {
	params := r.URL.Query()
	q := model.Query{
		Q:     params.Get("q"),
		Order: params.Get("order"),
	}
	if v, err := strconv.Atoi(params.Get("limit")); err == nil {
		q.Limit = v
	}
	if v, err := strconv.Atoi(params.Get("offset")); err == nil {
		q.Offset = v
	}
	if svc := params.Get("service"); svc != "" {
		q.Where = map[string]any{"service_name": svc}
	}
	return q
}

// handleListTraces lists a drop's recent spans.
func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	drop, ok := s.queryTarget(w, r, dropSelector(r))
	if !ok {
		return
	}
	rows, err := s.engine.Traces(r.Context(), drop.ID, envelopeFromParams(r))
	if err != nil {
		writeQueryError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rows)
}

// handleListEvents lists a drop's recent wide events.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	drop, ok := s.queryTarget(w, r, dropSelector(r))
	if !ok {
		return
	}
	rows, err := s.engine.Events(r.Context(), drop.ID, envelopeFromParams(r))
	if err != nil {
		writeQueryError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rows)
}

// handleSearchTraces is the UI free-text span search.
func (s *Server) handleSearchTraces(w http.ResponseWriter, r *http.Request) {
	s.handleListTraces(w, r)
}

// handleSearchEvents is the UI free-text event search.
func (s *Server) handleSearchEvents(w http.ResponseWriter, r *http.Request) {
	s.handleListEvents(w, r)
}

// handleStats returns row counts for a drop.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	drop, ok := s.queryTarget(w, r, dropSelector(r))
	if !ok {
		return
	}
	stats, err := s.registry.Stats(r.Context(), drop.ID)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

// handleClear wipes a drop's spans and events. Admin-only when auth is on.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	ac := AuthFromContext(r.Context())
	if err := ac.RequireAdmin(); err != nil {
		writeMappedError(w, r, err)
		return
	}
	drop, err := s.resolveDrop(r, dropSelector(r))
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	if err := s.registry.Clear(r.Context(), drop.ID); err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]bool{"cleared": true})
}
