// Package api exposes the management HTTP surface: graph queries, scans,
// alert listings, the response approval workflow, and the live alert feed.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pathwarden/pathwarden/internal/audit"
	"github.com/pathwarden/pathwarden/internal/auth"
	"github.com/pathwarden/pathwarden/internal/config"
	"github.com/pathwarden/pathwarden/internal/detect"
	"github.com/pathwarden/pathwarden/internal/graph"
	"github.com/pathwarden/pathwarden/internal/ingest"
	"github.com/pathwarden/pathwarden/internal/respond"
)

// Server is the management API server.
type Server struct {
	config     config.ServerConfig
	graph      *graph.Store
	engine     *detect.Engine
	executor   *respond.Executor
	plans      *respond.Store
	ingest     *ingest.Service
	auth       *auth.Manager
	limiter    *auth.RateLimiter
	auditL     *audit.Log
	wsHub      *WebSocketHub
	mux        *http.ServeMux
	httpServer *http.Server
	logger     *slog.Logger
	startedAt  time.Time
}

// NewServer creates the management API server.
func NewServer(
	cfg config.ServerConfig,
	g *graph.Store,
	engine *detect.Engine,
	executor *respond.Executor,
	plans *respond.Store,
	ingestSvc *ingest.Service,
	authManager *auth.Manager,
	limiter *auth.RateLimiter,
	auditLog *audit.Log,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:    cfg,
		graph:     g,
		engine:    engine,
		executor:  executor,
		plans:     plans,
		ingest:    ingestSvc,
		auth:      authManager,
		limiter:   limiter,
		auditL:    auditLog,
		wsHub:     NewWebSocketHub(logger, cfg.CORS),
		mux:       http.NewServeMux(),
		logger:    logger.With("component", "api.Server"),
		startedAt: time.Now(),
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	// System — health is always public.
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Auth — public, IP-rate-limited.
	s.mux.HandleFunc("POST /api/auth/register", s.rateLimited(s.handleRegister))
	s.mux.HandleFunc("POST /api/auth/login", s.rateLimited(s.handleLogin))

	// Graph
	s.mux.HandleFunc("GET /api/graph", s.authRequired(auth.RoleUser, s.handleGraph))
	s.mux.HandleFunc("GET /api/graph/stats", s.authRequired(auth.RoleUser, s.handleGraphStats))
	s.mux.HandleFunc("GET /api/identities", s.authRequired(auth.RoleUser, s.handleListIdentities))
	s.mux.HandleFunc("GET /api/identities/{id}", s.authRequired(auth.RoleUser, s.handleGetIdentity))

	// Ingest & detection
	s.mux.HandleFunc("POST /api/ingest/aws", s.authRequired(auth.RoleUser, s.handleIngest))
	s.mux.HandleFunc("POST /api/detect/scan", s.authRequired(auth.RoleUser, s.handleScan))
	s.mux.HandleFunc("GET /api/alerts", s.authRequired(auth.RoleUser, s.handleAlerts))
	s.mux.HandleFunc("GET /api/alerts/priority", s.authRequired(auth.RoleUser, s.handlePriorityAlerts))
	s.mux.HandleFunc("POST /api/alerts/purge", s.authRequired(auth.RoleAdmin, s.handlePurgeAlerts))

	// Response workflow — admin only.
	s.mux.HandleFunc("GET /api/response/pending", s.authRequired(auth.RoleAdmin, s.handlePendingPlans))
	s.mux.HandleFunc("GET /api/response/history", s.authRequired(auth.RoleAdmin, s.handlePlanHistory))
	s.mux.HandleFunc("POST /api/response/approve/{plan_id}", s.authRequired(auth.RoleAdmin, s.handleApprovePlan))
	s.mux.HandleFunc("POST /api/response/reject/{plan_id}", s.authRequired(auth.RoleAdmin, s.handleRejectPlan))
	s.mux.HandleFunc("POST /api/response/execute/{plan_id}", s.authRequired(auth.RoleAdmin, s.handleExecutePlan))
	s.mux.HandleFunc("POST /api/response/rollback/{action_id}", s.authRequired(auth.RoleAdmin, s.handleRollbackAction))

	// Audit — admin only.
	s.mux.HandleFunc("GET /api/audit/logs", s.authRequired(auth.RoleAdmin, s.handleAuditLogs))
	s.mux.HandleFunc("POST /api/audit/purge", s.authRequired(auth.RoleAdmin, s.handlePurgeAudit))

	// WebSocket alert feed.
	s.mux.HandleFunc("GET /api/ws/alerts", s.wsHub.HandleWebSocket)
}

type ctxKey int

const claimsKey ctxKey = 0

// claimsFrom returns the verified claims stored by authRequired.
func claimsFrom(r *http.Request) *auth.Claims {
	c, _ := r.Context().Value(claimsKey).(*auth.Claims)
	return c
}

// actor returns the authenticated username for audit attribution.
func actor(r *http.Request) string {
	if c := claimsFrom(r); c != nil {
		return c.Subject
	}
	return "anonymous"
}

// authRequired wraps a handler with bearer-token verification. role is the
// minimum role: admins pass user-level checks.
func (s *Server) authRequired(role auth.Role, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
			return
		}

		claims, err := s.auth.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		if role == auth.RoleAdmin && claims.Role != string(auth.RoleAdmin) {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	}
}

// rateLimited throttles the handler per client IP.
func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "too many attempts, slow down")
			return
		}
		next(w, r)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if s.config.CORS {
		return corsMiddleware(s.mux)
	}
	return s.mux
}

// Start starts the API server on the given address.
func (s *Server) Start(addr string) error {
	go s.wsHub.Run()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("management API listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsHub.Close()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// BroadcastAlert pushes an alert to all WebSocket clients.
func (s *Server) BroadcastAlert(a detect.Alert) {
	s.wsHub.Broadcast(a)
}

// corsMiddleware adds permissive CORS headers for development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// respondStoreError maps response-workflow errors onto HTTP statuses per the
// error taxonomy: not-found 404, conflict 409, everything else 500.
func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, respond.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, respond.ErrConflict), errors.Is(err, respond.ErrNotReversible):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// APIAddr makes a listen address from a port.
func APIAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}
