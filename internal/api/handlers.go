package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/pathwarden/pathwarden/internal/audit"
	"github.com/pathwarden/pathwarden/internal/auth"
	"github.com/pathwarden/pathwarden/internal/detect"
	"github.com/pathwarden/pathwarden/internal/graph"
)

// --- System ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

// --- Auth ---

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	defer func() { _ = r.Body.Close() }()

	u, err := s.auth.Register(req.Username, req.Password)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrUserExists):
		writeError(w, http.StatusConflict, err.Error())
		return
	default:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, map[string]string{
		"username": u.Username,
		"role":     string(u.Role),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}

	token, u, err := s.auth.Login(r.PostFormValue("username"), r.PostFormValue("password"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	writeJSON(w, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
		"role":         string(u.Role),
	})
}

// --- Graph ---

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.graph.Snapshot())
}

func (s *Server) handleGraphStats(w http.ResponseWriter, r *http.Request) {
	nodes, edges := s.graph.Stats()
	writeJSON(w, map[string]int{
		"nodes": nodes,
		"edges": edges,
	})
}

var identityKinds = map[graph.NodeKind]bool{
	graph.KindUser:    true,
	graph.KindGroup:   true,
	graph.KindRole:    true,
	graph.KindService: true,
}

func (s *Server) handleListIdentities(w http.ResponseWriter, r *http.Request) {
	var identities []graph.Node
	for _, n := range s.graph.Nodes() {
		if identityKinds[n.Kind] {
			identities = append(identities, n)
		}
	}
	writeJSON(w, map[string]interface{}{
		"identities": identities,
		"total":      len(identities),
	})
}

type neighborPayload struct {
	Edge graph.Edge `json:"edge"`
	Node graph.Node `json:"node"`
}

func neighborPayloads(neighbors []graph.Neighbor) []neighborPayload {
	out := make([]neighborPayload, 0, len(neighbors))
	for _, nb := range neighbors {
		out = append(out, neighborPayload{Edge: nb.Edge, Node: nb.Node})
	}
	return out
}

func (s *Server) handleGetIdentity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	node, ok := s.graph.GetNode(id)
	if !ok {
		writeError(w, http.StatusNotFound, "identity not found")
		return
	}

	writeJSON(w, map[string]interface{}{
		"node":     node,
		"outbound": neighborPayloads(s.graph.Neighbors(id, graph.Outgoing)),
		"inbound":  neighborPayloads(s.graph.Neighbors(id, graph.Incoming)),
	})
}

// --- Ingest & detection ---

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	nodes, edges, err := s.ingest.Run(r.Context(), actor(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]int{
		"nodes": nodes,
		"edges": edges,
	})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	params := detect.ScanParams{
		StartNode: r.URL.Query().Get("start_node"),
		Actor:     actor(r),
	}
	if v := r.URL.Query().Get("min_delta"); v != "" {
		d, err := strconv.Atoi(v)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "min_delta must be a non-negative integer")
			return
		}
		params.MinDelta = d
	}

	alerts, err := s.engine.Scan(params)
	switch {
	case err == nil:
	case errors.Is(err, detect.ErrScanBudget):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	default:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	for _, a := range alerts {
		s.wsHub.Broadcast(a)
	}

	writeJSON(w, map[string]interface{}{
		"alerts": alerts,
		"total":  len(alerts),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := s.engine.Alerts()
	writeJSON(w, map[string]interface{}{
		"alerts": alerts,
		"total":  len(alerts),
	})
}

func (s *Server) handlePriorityAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := s.engine.PriorityAlerts()
	writeJSON(w, map[string]interface{}{
		"alerts": alerts,
		"total":  len(alerts),
	})
}

func (s *Server) handlePurgeAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]int{"purged": s.engine.Purge(actor(r))})
}

// --- Response workflow ---

func (s *Server) handlePendingPlans(w http.ResponseWriter, r *http.Request) {
	plans := s.plans.Pending()
	writeJSON(w, map[string]interface{}{
		"plans": plans,
		"total": len(plans),
	})
}

func (s *Server) handlePlanHistory(w http.ResponseWriter, r *http.Request) {
	plans := s.plans.History()
	writeJSON(w, map[string]interface{}{
		"plans": plans,
		"total": len(plans),
	})
}

func (s *Server) handleApprovePlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.executor.Approve(r.PathValue("plan_id"), actor(r))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	writeJSON(w, plan)
}

func (s *Server) handleRejectPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.executor.Reject(r.PathValue("plan_id"), actor(r), r.URL.Query().Get("reason"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	writeJSON(w, plan)
}

func (s *Server) handleExecutePlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.executor.Execute(r.Context(), r.PathValue("plan_id"), actor(r))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	writeJSON(w, plan)
}

func (s *Server) handleRollbackAction(w http.ResponseWriter, r *http.Request) {
	plan, err := s.executor.Rollback(r.Context(), r.PathValue("action_id"), actor(r))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	writeJSON(w, plan)
}

// --- Audit ---

func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	filter := audit.Filter{
		Verb:   r.URL.Query().Get("verb"),
		Actor:  r.URL.Query().Get("actor"),
		Target: r.URL.Query().Get("target"),
		Limit:  queryInt(r, "limit", 0),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = t
	}

	entries := s.auditL.List(filter)
	writeJSON(w, map[string]interface{}{
		"entries": entries,
		"total":   len(entries),
	})
}

func (s *Server) handlePurgeAudit(w http.ResponseWriter, r *http.Request) {
	if err := s.auditL.Purge(actor(r)); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "purged"})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
