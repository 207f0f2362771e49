package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pathwarden/pathwarden/internal/audit"
	"github.com/pathwarden/pathwarden/internal/auth"
	"github.com/pathwarden/pathwarden/internal/config"
	"github.com/pathwarden/pathwarden/internal/detect"
	"github.com/pathwarden/pathwarden/internal/effector"
	"github.com/pathwarden/pathwarden/internal/graph"
	"github.com/pathwarden/pathwarden/internal/ingest"
	"github.com/pathwarden/pathwarden/internal/respond"
	"github.com/pathwarden/pathwarden/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	t       *testing.T
	ts      *httptest.Server
	server  *Server
	auditL  *audit.Log
	limiter *auth.RateLimiter
}

func newFixture(t *testing.T, ratePerMinute int) *fixture {
	t.Helper()
	logger := discardLogger()
	cfg := config.DefaultConfig()
	cfg.Response.RetryBaseDelay = time.Millisecond

	dir, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	auditLog, _ := audit.New(dir, logger)

	g := graph.NewStore()
	ingSvc := ingest.NewService(&ingest.Mock{UsersPerDepartment: 1}, g, dir, auditLog, logger)

	gate, err := detect.NewGate("", logger)
	require.NoError(t, err)
	engine := detect.New(g, cfg.Detection, gate, dir, auditLog, logger)

	planStore, _ := respond.NewStore(dir, logger)
	planner := respond.NewPlanner(g, planStore, auditLog, cfg.Detection.HighPrivilegeThreshold, logger)
	engine.SetRecommender(planner.RecommendKinds)
	engine.SetPlanHandler(func(a detect.Alert) { _, _ = planner.HandleAlert(a) })

	executor := respond.NewExecutor(planStore, effector.NewMock(logger), auditLog, cfg.Response, logger)

	userStore, err := auth.NewUserStore(filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	require.NoError(t, userStore.Initialize())
	t.Cleanup(func() { userStore.Close() })
	manager := auth.NewManager(userStore, "test-secret", time.Hour, logger)
	require.NoError(t, manager.Bootstrap("root", "B00tstrap!pw"))
	limiter := auth.NewRateLimiter(ratePerMinute)

	server := NewServer(cfg.Server, g, engine, executor, planStore, ingSvc, manager, limiter, auditLog, logger)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &fixture{t: t, ts: ts, server: server, auditL: auditLog, limiter: limiter}
}

func (f *fixture) do(method, path, token string, body io.Reader) *http.Response {
	f.t.Helper()
	req, err := http.NewRequest(method, f.ts.URL+path, body)
	require.NoError(f.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil && method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(f.t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func (f *fixture) login(username, password string) string {
	f.t.Helper()
	form := url.Values{"username": {username}, "password": {password}}
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/api/auth/login",
		strings.NewReader(form.Encode()))
	require.NoError(f.t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := f.ts.Client().Do(req)
	require.NoError(f.t, err)
	require.Equal(f.t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decodeBody(f.t, resp, &body)
	require.NotEmpty(f.t, body["access_token"])
	return body["access_token"]
}

func (f *fixture) register(username, password string) *http.Response {
	return f.do(http.MethodPost, "/api/auth/register", "",
		strings.NewReader(`{"username":"`+username+`","password":"`+password+`"}`))
}

func TestHealth_Public(t *testing.T) {
	f := newFixture(t, 100)
	resp := f.do(http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestAuthFlow(t *testing.T) {
	f := newFixture(t, 100)

	resp := f.register("alice", "Str0ng!pass")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var created map[string]string
	decodeBody(t, resp, &created)
	assert.Equal(t, "user", created["role"])

	resp = f.register("alice", "0ther!Pass9")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = f.register("bob", "weak")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	token := f.login("alice", "Str0ng!pass")

	// Authenticated read works; missing and forged tokens do not.
	resp = f.do(http.MethodGet, "/api/graph", token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(http.MethodGet, "/api/graph", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(http.MethodGet, "/api/graph", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Plain users cannot reach admin endpoints; the bootstrap admin can.
	resp = f.do(http.MethodGet, "/api/audit/logs", token, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	admin := f.login("root", "B00tstrap!pw")
	resp = f.do(http.MethodGet, "/api/audit/logs", admin, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestRegister_RateLimited(t *testing.T) {
	f := newFixture(t, 1)

	resp := f.register("alice", "Str0ng!pass")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.register("bob", "Str0ng!pass")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	resp.Body.Close()
}

func TestIngestScanAndAlerts(t *testing.T) {
	f := newFixture(t, 100)
	token := f.login("root", "B00tstrap!pw")

	resp := f.do(http.MethodPost, "/api/ingest/aws", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var counts map[string]int
	decodeBody(t, resp, &counts)
	assert.Greater(t, counts["nodes"], 0)
	assert.Greater(t, counts["edges"], 0)

	resp = f.do(http.MethodGet, "/api/graph/stats", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats map[string]int
	decodeBody(t, resp, &stats)
	assert.Equal(t, counts["nodes"], stats["nodes"])

	resp = f.do(http.MethodPost, "/api/detect/scan", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var scanBody struct {
		Alerts []detect.Alert `json:"alerts"`
		Total  int            `json:"total"`
	}
	decodeBody(t, resp, &scanBody)
	assert.GreaterOrEqual(t, scanBody.Total, 2)

	resp = f.do(http.MethodGet, "/api/alerts", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(http.MethodGet, "/api/alerts/priority", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var prio struct {
		Alerts []detect.Alert `json:"alerts"`
	}
	decodeBody(t, resp, &prio)
	for _, a := range prio.Alerts {
		assert.GreaterOrEqual(t, a.Severity.Rank(), detect.SeverityHigh.Rank())
	}

	// Scoped scan from an explicit start node.
	resp = f.do(http.MethodPost, "/api/detect/scan?start_node=user:intern_081", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var scoped struct {
		Alerts []detect.Alert `json:"alerts"`
	}
	decodeBody(t, resp, &scoped)
	require.NotEmpty(t, scoped.Alerts)
	for _, a := range scoped.Alerts {
		assert.Equal(t, "user:intern_081", a.SourceNode)
	}

	resp = f.do(http.MethodPost, "/api/detect/scan?min_delta=oops", token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(http.MethodPost, "/api/detect/scan?start_node=user:ghost", token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestIdentityEndpoints(t *testing.T) {
	f := newFixture(t, 100)
	token := f.login("root", "B00tstrap!pw")

	resp := f.do(http.MethodPost, "/api/ingest/aws", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(http.MethodGet, "/api/identities", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Identities []graph.Node `json:"identities"`
	}
	decodeBody(t, resp, &list)
	require.NotEmpty(t, list.Identities)
	for _, n := range list.Identities {
		assert.NotEqual(t, graph.KindPolicy, n.Kind)
		assert.NotEqual(t, graph.KindResource, n.Kind)
	}

	resp = f.do(http.MethodGet, "/api/identities/user:intern_081", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var detail struct {
		Node     graph.Node        `json:"node"`
		Outbound []neighborPayload `json:"outbound"`
		Inbound  []neighborPayload `json:"inbound"`
	}
	decodeBody(t, resp, &detail)
	assert.Equal(t, "user:intern_081", detail.Node.ID)
	assert.NotEmpty(t, detail.Outbound)

	resp = f.do(http.MethodGet, "/api/identities/user:ghost", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestResponseWorkflow(t *testing.T) {
	f := newFixture(t, 100)
	admin := f.login("root", "B00tstrap!pw")

	resp := f.do(http.MethodPost, "/api/ingest/aws", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	resp = f.do(http.MethodPost, "/api/detect/scan", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(http.MethodGet, "/api/response/pending", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pending struct {
		Plans []respond.Plan `json:"plans"`
	}
	decodeBody(t, resp, &pending)
	require.NotEmpty(t, pending.Plans)
	plan := pending.Plans[0]

	resp = f.do(http.MethodPost, "/api/response/approve/"+plan.ID, admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var approved respond.Plan
	decodeBody(t, resp, &approved)
	assert.Equal(t, respond.PlanApproved, approved.State)
	assert.True(t, approved.HumanApproved)

	// Double approval is a state conflict.
	resp = f.do(http.MethodPost, "/api/response/approve/"+plan.ID, admin, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(http.MethodPost, "/api/response/execute/"+plan.ID, admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var executed respond.Plan
	decodeBody(t, resp, &executed)
	assert.Equal(t, respond.PlanCompleted, executed.State)
	require.NotEmpty(t, executed.Actions)

	first := executed.Actions[0]
	require.True(t, first.Reversible)
	resp = f.do(http.MethodPost, "/api/response/rollback/"+first.ID, admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rolledBack respond.Plan
	decodeBody(t, resp, &rolledBack)
	assert.Equal(t, respond.ActionRolledBack, rolledBack.Actions[0].Status)

	resp = f.do(http.MethodPost, "/api/response/approve/plan_missing", admin, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(http.MethodPost, "/api/response/rollback/act_missing", admin, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(http.MethodGet, "/api/response/history", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history struct {
		Plans []respond.Plan `json:"plans"`
	}
	decodeBody(t, resp, &history)
	found := false
	for _, p := range history.Plans {
		if p.ID == plan.ID {
			found = true
		}
	}
	assert.True(t, found, "executed plan should appear in history")
}

func TestRejectPlan(t *testing.T) {
	f := newFixture(t, 100)
	admin := f.login("root", "B00tstrap!pw")

	resp := f.do(http.MethodPost, "/api/ingest/aws", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	resp = f.do(http.MethodPost, "/api/detect/scan", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(http.MethodGet, "/api/response/pending", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pending struct {
		Plans []respond.Plan `json:"plans"`
	}
	decodeBody(t, resp, &pending)
	require.NotEmpty(t, pending.Plans)

	planID := pending.Plans[0].ID
	resp = f.do(http.MethodPost, "/api/response/reject/"+planID+"?reason=false+positive", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rejected respond.Plan
	decodeBody(t, resp, &rejected)
	assert.Equal(t, respond.PlanRejected, rejected.State)

	// Rejected plans cannot be executed.
	resp = f.do(http.MethodPost, "/api/response/execute/"+planID, admin, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestPurgeEndpoints(t *testing.T) {
	f := newFixture(t, 100)
	admin := f.login("root", "B00tstrap!pw")

	resp := f.do(http.MethodPost, "/api/ingest/aws", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	resp = f.do(http.MethodPost, "/api/detect/scan", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(http.MethodPost, "/api/alerts/purge", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var purged map[string]int
	decodeBody(t, resp, &purged)
	assert.Greater(t, purged["purged"], 0)

	resp = f.do(http.MethodGet, "/api/alerts", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var alerts struct {
		Total int `json:"total"`
	}
	decodeBody(t, resp, &alerts)
	assert.Zero(t, alerts.Total)

	resp = f.do(http.MethodPost, "/api/audit/purge", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	// The purge entry itself is the first record of the fresh log.
	assert.Equal(t, 1, f.auditL.Len())
}

func TestWebSocketAlertFeed(t *testing.T) {
	f := newFixture(t, 100)
	admin := f.login("root", "B00tstrap!pw")

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/api/ws/alerts"
	conn, wsResp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if wsResp != nil {
		wsResp.Body.Close()
	}
	defer conn.Close()

	require.Eventually(t, func() bool { return f.server.wsHub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	resp := f.do(http.MethodPost, "/api/ingest/aws", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	resp = f.do(http.MethodPost, "/api/detect/scan", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var event struct {
		Type string       `json:"type"`
		Data detect.Alert `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msg, &event))
	assert.Equal(t, "alert", event.Type)
	assert.NotEmpty(t, event.Data.ID)
}
