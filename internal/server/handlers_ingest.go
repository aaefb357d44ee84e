package server

import (
	"io"
	"net/http"

	"github.com/raphael-dev/raphael/internal/model"
)

// handleOTLPTraces ingests an OTLP/HTTP-JSON trace export.
func (s *Server) handleOTLPTraces(w http.ResponseWriter, r *http.Request) {
	drop, ok := s.ingestTarget(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if _, err := s.pipeline.IngestOTLPTraces(r.Context(), drop.ID, body); err != nil {
		s.logger.Error("ingest otlp traces", "drop_id", drop.ID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "ingest failed")
		return
	}
	writeJSON(w, r, http.StatusOK, model.OTLPResponse{})
}

// handleIngestEvents ingests one wide event or an array of them.
func (s *Server) handleIngestEvents(w http.ResponseWriter, r *http.Request) {
	drop, ok := s.ingestTarget(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeDecodeError(w, r, err)
		return
	}
	n, err := s.pipeline.IngestEvents(r.Context(), drop.ID, body)
	if err != nil {
		s.logger.Error("ingest events", "drop_id", drop.ID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "ingest failed")
		return
	}
	writeJSON(w, r, http.StatusOK, model.IngestResponse{Received: n})
}

// handleOTLPLogs ingests an OTLP/HTTP-JSON logs export, keeping only records
// marked as wide events.
func (s *Server) handleOTLPLogs(w http.ResponseWriter, r *http.Request) {
	drop, ok := s.ingestTarget(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if _, err := s.pipeline.IngestOTLPLogs(r.Context(), drop.ID, body); err != nil {
		s.logger.Error("ingest otlp logs", "drop_id", drop.ID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "ingest failed")
		return
	}
	writeJSON(w, r, http.StatusOK, model.OTLPResponse{})
}

// ingestTarget resolves the drop and checks the ingest capability. Writes
// the error response itself when access fails.
func (s *Server) ingestTarget(w http.ResponseWriter, r *http.Request) (model.Drop, bool) {
	drop, err := s.resolveDrop(r, dropSelector(r))
	if err != nil {
		writeMappedError(w, r, err)
		return model.Drop{}, false
	}
	ac := AuthFromContext(r.Context())
	if err := s.resolver.RequireDropAccess(r.Context(), ac, drop.ID, model.ActionIngest); err != nil {
		writeMappedError(w, r, err)
		return model.Drop{}, false
	}
	return drop, true
}
