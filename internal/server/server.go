package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/raphael-dev/raphael/internal/auth"
	"github.com/raphael-dev/raphael/internal/drops"
	"github.com/raphael-dev/raphael/internal/hub"
	"github.com/raphael-dev/raphael/internal/ingest"
	"github.com/raphael-dev/raphael/internal/model"
	"github.com/raphael-dev/raphael/internal/query"
	"github.com/raphael-dev/raphael/internal/ratelimit"
	"github.com/raphael-dev/raphael/internal/secrets"
	"github.com/raphael-dev/raphael/internal/storage"
)

// Server is the Raphael HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler

	store    *storage.Store
	registry *drops.Registry
	pipeline *ingest.Pipeline
	engine   *query.Engine
	hub      *hub.Hub
	resolver *auth.Resolver
	keeper   *secrets.Keeper

	logger  *slog.Logger
	version string
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	Store    *storage.Store
	Registry *drops.Registry
	Pipeline *ingest.Pipeline
	Engine   *query.Engine
	Hub      *hub.Hub
	Resolver *auth.Resolver
	Keeper   *secrets.Keeper
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter ratelimit.Limiter

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	s := &Server{
		store:    cfg.Store,
		registry: cfg.Registry,
		pipeline: cfg.Pipeline,
		engine:   cfg.Engine,
		hub:      cfg.Hub,
		resolver: cfg.Resolver,
		keeper:   cfg.Keeper,
		logger:   cfg.Logger,
		version:  cfg.Version,
	}

	// Rate limit rules. Admin and auth-disabled principals are exempt.
	ingestRL := ratelimit.Middleware(cfg.Limiter, "ingest", principalKey)
	queryRL := ratelimit.Middleware(cfg.Limiter, "query", principalKey)

	mux := http.NewServeMux()

	// Health (no auth).
	mux.HandleFunc("GET /health", s.handleHealth)

	// Ingest (rate limited).
	mux.Handle("POST /v1/traces", ingestRL(http.HandlerFunc(s.handleOTLPTraces)))
	mux.Handle("POST /v1/events", ingestRL(http.HandlerFunc(s.handleIngestEvents)))
	mux.Handle("POST /v1/logs", ingestRL(http.HandlerFunc(s.handleOTLPLogs)))

	// Query (rate limited).
	mux.Handle("POST /v1/query/traces", queryRL(http.HandlerFunc(s.handleQueryTraces)))
	mux.Handle("POST /v1/query/events", queryRL(http.HandlerFunc(s.handleQueryEvents)))
	mux.Handle("GET /v1/query/traces/{traceId}", queryRL(http.HandlerFunc(s.handleTraceDetail)))

	// UI convenience endpoints.
	mux.HandleFunc("GET /api/traces", s.handleListTraces)
	mux.HandleFunc("GET /api/events", s.handleListEvents)
	mux.HandleFunc("GET /api/traces/{traceId}", s.handleTraceDetail)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/search/traces", s.handleSearchTraces)
	mux.HandleFunc("GET /api/search/events", s.handleSearchEvents)
	mux.HandleFunc("DELETE /api/clear", s.handleClear)

	// Drop administration.
	mux.HandleFunc("GET /api/drops", s.handleListDrops)
	mux.HandleFunc("POST /api/drops", s.handleCreateDrop)
	mux.HandleFunc("DELETE /api/drops/{drop}", s.handleDeleteDrop)
	mux.HandleFunc("GET /api/drops/{drop}/retention", s.handleGetRetention)
	mux.HandleFunc("PUT /api/drops/{drop}/retention", s.handleSetRetention)
	mux.HandleFunc("PUT /api/drops/{drop}/label", s.handleSetLabel)

	// Dashboards.
	mux.HandleFunc("GET /api/drops/{drop}/dashboards", s.handleListDashboards)
	mux.HandleFunc("POST /api/drops/{drop}/dashboards", s.handleCreateDashboard)
	mux.HandleFunc("GET /api/drops/{drop}/dashboards/{id}", s.handleGetDashboard)
	mux.HandleFunc("PUT /api/drops/{drop}/dashboards/{id}", s.handleUpdateDashboard)
	mux.HandleFunc("DELETE /api/drops/{drop}/dashboards/{id}", s.handleDeleteDashboard)

	// User administration.
	mux.HandleFunc("GET /api/admin/users", s.handleListUsers)
	mux.HandleFunc("PATCH /api/admin/users/{id}", s.handleUpdateUser)
	mux.HandleFunc("GET /api/admin/users/{id}/permissions", s.handleGetUserPermissions)
	mux.HandleFunc("PUT /api/admin/users/{id}/permissions", s.handleSetUserPermissions)
	mux.HandleFunc("GET /api/admin/auth-policy", s.handleGetAuthPolicy)
	mux.HandleFunc("PUT /api/admin/auth-policy", s.handleSetAuthPolicy)
	mux.HandleFunc("GET /api/admin/oauth-client-secret", s.handleGetOAuthSecret)
	mux.HandleFunc("PUT /api/admin/oauth-client-secret", s.handleSetOAuthSecret)

	// Account (session-only).
	mux.HandleFunc("GET /api/account/me", s.handleMe)
	mux.HandleFunc("GET /api/account/service-accounts", s.handleListServiceAccounts)
	mux.HandleFunc("POST /api/account/service-accounts", s.handleCreateServiceAccount)
	mux.HandleFunc("DELETE /api/account/service-accounts/{id}", s.handleDeleteServiceAccount)
	mux.HandleFunc("GET /api/account/api-keys", s.handleListAPIKeys)
	mux.HandleFunc("POST /api/account/api-keys", s.handleCreateAPIKey)
	mux.HandleFunc("DELETE /api/account/api-keys/{id}", s.handleRevokeAPIKey)
	mux.HandleFunc("GET /api/account/api-key-usage", s.handleAPIKeyUsage)

	// Live fan-out.
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	// Middleware chain, innermost first. Auth wraps logging so request logs
	// carry the resolved principal.
	var handler http.Handler = mux
	handler = bodyLimitMiddleware(cfg.MaxRequestBodyBytes, handler)
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = s.authMiddleware(handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	s.handler = handler
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start begins serving. Blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleHealth reports liveness and a database ping.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{Status: "ok", Version: s.version, DB: "ok"}
	status := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.DB = "unreachable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

// principalKey builds the rate-limit key for a request. Admins and
// auth-disabled deployments are exempt; API keys and members get their own
// buckets, anonymous traffic shares per-IP buckets.
func principalKey(r *http.Request) string {
	ac := AuthFromContext(r.Context())
	switch ac.Kind {
	case auth.KindDisabled:
		return ""
	case auth.KindAPIKey:
		return "key:" + ac.Key.ID
	case auth.KindSession:
		if ac.IsAdmin() {
			return ""
		}
		return "user:" + ac.User.UserID
	}
	return "ip:" + ratelimit.IPKeyFunc(r)
}

// dropSelector reads the drop selection from query parameters or the
// X-Raphael-Drop header.
func dropSelector(r *http.Request) string {
	if v := r.URL.Query().Get("drop"); v != "" {
		return v
	}
	if v := r.URL.Query().Get("dropId"); v != "" {
		return v
	}
	return r.Header.Get("X-Raphael-Drop")
}

// resolveDrop resolves the request's drop and annotates the usage context.
// Creation on first reference is an admin (or auth-disabled) privilege.
func (s *Server) resolveDrop(r *http.Request, selector string) (model.Drop, error) {
	ac := AuthFromContext(r.Context())
	drop, err := s.registry.Resolve(r.Context(), selector, ac.IsAdmin())
	if err != nil {
		return model.Drop{}, err
	}
	SetUsageDrop(r.Context(), drop.ID)
	return drop, nil
}
