// Package detect implements the attack-path detection engine: bounded
// depth-first enumeration of privilege escalation paths over the identity
// graph, composite risk scoring, and the alert store.
package detect

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/pathwarden/pathwarden/internal/audit"
	"github.com/pathwarden/pathwarden/internal/config"
	"github.com/pathwarden/pathwarden/internal/graph"
	"github.com/pathwarden/pathwarden/internal/storage"
)

// FileName is the alert store's file inside the data directory.
const FileName = "alerts.json"

// ErrScanBudget is returned when a scan exceeds its wall-clock budget.
// Partial results are discarded.
var ErrScanBudget = errors.New("scan budget exceeded")

// escalationKinds are the edge kinds that carry privilege upward. Purely
// lateral hops over the other kinds are pruned when they descend in
// privilege, and blast radius is measured over these kinds only.
var escalationKinds = []graph.EdgeKind{graph.EdgeCanAssume, graph.EdgeAllowsAction, graph.EdgeOwns}

// PlanHandler receives newly emitted alerts of medium or higher severity so
// the planner can synthesize a response. Low alerts never trigger a plan.
// This callback slot is the only coupling between detection and response.
type PlanHandler func(Alert)

// RecommendFunc maps an alert's path to an ordered list of recommended
// action kinds. Wired to the response planner's recipe at startup; nil
// leaves recommendations empty.
type RecommendFunc func(a *Alert) []string

// ScanParams narrows a scan. Zero values select the configured defaults.
type ScanParams struct {
	// StartNode restricts candidate sources to a single node, bypassing the
	// low-privilege threshold.
	StartNode string
	// MinDelta overrides the configured minimum privilege delta when > 0.
	MinDelta int
	// Actor is recorded in the scan's audit entry.
	Actor string
}

// Engine runs scans and owns the alert store. Scans take an exclusive lock;
// alert reads are concurrent.
type Engine struct {
	store  *graph.Store
	cfg    config.DetectionConfig
	gate   *Gate
	dir    *storage.Dir
	auditL *audit.Log
	logger *slog.Logger

	mu        sync.RWMutex
	alerts    map[string]Alert
	handler   PlanHandler
	recommend RecommendFunc

	now func() time.Time
}

// New creates the engine and loads any persisted alerts. A corrupt alerts
// file starts the store empty and records a persistence_load_failed audit
// entry.
func New(store *graph.Store, cfg config.DetectionConfig, gate *Gate, dir *storage.Dir, auditLog *audit.Log, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:  store,
		cfg:    cfg,
		gate:   gate,
		dir:    dir,
		auditL: auditLog,
		logger: logger.With("component", "detect.Engine"),
		alerts: make(map[string]Alert),
		now:    time.Now,
	}

	var persisted []Alert
	switch err := dir.LoadJSON(FileName, &persisted); {
	case err == nil:
		for _, a := range persisted {
			e.alerts[a.ID] = a
		}
	case errors.Is(err, storage.ErrNotExist):
		// first run
	default:
		e.logger.Warn("alert store unreadable, starting empty", "error", err)
		auditLog.Append("persistence_load_failed", "system", FileName, "failure", err.Error())
	}
	return e
}

// SetPlanHandler installs the callback invoked for each newly emitted alert
// of medium or higher severity.
func (e *Engine) SetPlanHandler(h PlanHandler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

// SetRecommender installs the recommended-action mapping.
func (e *Engine) SetRecommender(r RecommendFunc) {
	e.mu.Lock()
	e.recommend = r
	e.mu.Unlock()
}

// Scan enumerates simple escalation paths and emits alerts. An emitted alert
// replaces any earlier alert with the same identifier; alerts not re-emitted
// are retained until an explicit purge. Returns the alerts found by this
// scan in severity-sorted order.
//
// The walk is CPU-bound and uncancellable; if it outlives the configured
// wall-clock budget the partial results are discarded and ErrScanBudget is
// returned.
func (e *Engine) Scan(params ScanParams) ([]Alert, error) {
	emitted, planWorthy, handler, err := e.scan(params)
	if err != nil {
		return nil, err
	}
	// The handler runs outside the engine lock: plan creation must not block
	// concurrent alert reads.
	if handler != nil {
		for _, a := range planWorthy {
			handler(a)
		}
	}
	return emitted, nil
}

func (e *Engine) scan(params ScanParams) (emitted, planWorthy []Alert, handler PlanHandler, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	minDelta := e.cfg.MinPrivilegeDelta
	if params.MinDelta > 0 {
		minDelta = params.MinDelta
	}
	actor := params.Actor
	if actor == "" {
		actor = "system"
	}

	sources, err := e.candidateSources(params.StartNode)
	if err != nil {
		return nil, nil, nil, err
	}

	started := e.now()
	deadline := started.Add(e.cfg.ScanBudget)

	found := make(map[string]Alert)
	walker := &pathWalker{
		engine:   e,
		minDelta: minDelta,
		deadline: deadline,
		found:    found,
	}
	for _, src := range sources {
		if walkErr := walker.walk(src); walkErr != nil {
			e.auditL.Append("scan_aborted", actor, params.StartNode, "failure", walkErr.Error())
			return nil, nil, nil, walkErr
		}
	}

	// Merge into the store. New IDs of medium or higher severity fire the
	// plan handler; re-emitted alerts do not.
	for id, a := range found {
		_, existed := e.alerts[id]
		e.alerts[id] = a
		emitted = append(emitted, a)
		if !existed && a.Severity.Rank() >= SeverityMedium.Rank() {
			planWorthy = append(planWorthy, a)
		}
	}
	sortAlerts(emitted)
	sortAlerts(planWorthy)

	e.persistLocked()

	e.auditL.Append("scan_completed", actor, params.StartNode, "success",
		fmt.Sprintf("sources=%d alerts=%d elapsed=%s", len(sources), len(emitted), e.now().Sub(started).Round(time.Millisecond)))
	e.logger.Info("scan completed",
		"sources", len(sources),
		"alerts", len(emitted),
		"new_plan_worthy", len(planWorthy),
	)
	return emitted, planWorthy, e.handler, nil
}

// candidateSources resolves the source set: the explicit start node if given,
// otherwise every node at or below the low-privilege threshold.
func (e *Engine) candidateSources(startNode string) ([]graph.Node, error) {
	if startNode != "" {
		n, ok := e.store.GetNode(startNode)
		if !ok {
			return nil, fmt.Errorf("start node %q does not exist", startNode)
		}
		return []graph.Node{n}, nil
	}
	var sources []graph.Node
	for _, n := range e.store.Nodes() {
		if n.PrivilegeLevel <= e.cfg.LowPrivilegeThreshold {
			sources = append(sources, n)
		}
	}
	return sources, nil
}

// pathWalker carries the per-scan DFS state.
type pathWalker struct {
	engine   *Engine
	minDelta int
	deadline time.Time
	found    map[string]Alert

	source  graph.Node
	path    []string
	edges   []graph.Edge
	onPath  map[string]bool
	maxPriv int
}

func (w *pathWalker) walk(src graph.Node) error {
	w.source = src
	w.path = w.path[:0]
	w.edges = w.edges[:0]
	w.onPath = map[string]bool{src.ID: true}
	w.maxPriv = src.PrivilegeLevel
	w.path = append(w.path, src.ID)
	return w.dfs(src)
}

func (w *pathWalker) dfs(cur graph.Node) error {
	if w.engine.now().After(w.deadline) {
		return ErrScanBudget
	}
	if len(w.edges) >= w.engine.cfg.MaxPathDepth {
		return nil
	}

	for _, nb := range w.engine.store.Neighbors(cur.ID, graph.Outgoing) {
		next := nb.Node
		if w.onPath[next.ID] {
			continue
		}
		// Purely lateral hops that descend below both the source and the
		// path's running maximum cannot be escalation steps.
		if next.PrivilegeLevel < w.source.PrivilegeLevel &&
			next.PrivilegeLevel < w.maxPriv &&
			!isEscalationKind(nb.Edge.Kind) {
			continue
		}

		w.path = append(w.path, next.ID)
		w.edges = append(w.edges, nb.Edge)
		w.onPath[next.ID] = true
		prevMax := w.maxPriv
		if next.PrivilegeLevel > w.maxPriv {
			w.maxPriv = next.PrivilegeLevel
		}

		if next.PrivilegeLevel >= w.engine.cfg.HighPrivilegeThreshold {
			w.emit(next)
		}
		if err := w.dfs(next); err != nil {
			return err
		}

		w.maxPriv = prevMax
		delete(w.onPath, next.ID)
		w.edges = w.edges[:len(w.edges)-1]
		w.path = w.path[:len(w.path)-1]
	}
	return nil
}

// emit scores the current path ending at target and records the alert if it
// clears the privilege delta gate.
func (w *pathWalker) emit(target graph.Node) {
	e := w.engine

	delta := target.PrivilegeLevel - w.source.PrivilegeLevel
	if delta < w.minDelta {
		return
	}

	confidence := 1.0
	for _, edge := range w.edges {
		confidence *= e.edgeWeight(edge)
	}
	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}

	blast := len(e.store.Reachable(target.ID, e.cfg.BlastRadiusDepth, escalationKinds...))
	if blast > e.cfg.BlastRadiusCap {
		blast = e.cfg.BlastRadiusCap
	}

	score := confidence * float64(delta) * math.Log2(1+float64(blast))

	path := make([]string, len(w.path))
	copy(path, w.path)
	edges := make([]graph.Edge, len(w.edges))
	copy(edges, w.edges)

	a := Alert{
		ID:             alertID(path, edges, w.minDelta),
		Path:           path,
		Edges:          edges,
		SourceNode:     w.source.ID,
		TargetNode:     target.ID,
		PrivilegeDelta: delta,
		Confidence:     confidence,
		BlastRadius:    blast,
		Severity:       severityFor(score),
		DetectedAt:     e.now().UTC(),
	}

	if e.recommend != nil {
		recs := e.recommend(&a)
		if len(recs) > e.cfg.MaxRecommendations {
			recs = recs[:e.cfg.MaxRecommendations]
		}
		a.RecommendedActions = recs
	}

	eligible, err := e.gate.Eligible(&a)
	if err != nil {
		e.logger.Warn("auto-response gate evaluation failed", "alert", a.ID, "error", err)
		eligible = false
	}
	a.AutoResponseEligible = eligible

	w.found[a.ID] = a
}

// edgeWeight returns the per-edge confidence weight.
func (e *Engine) edgeWeight(edge graph.Edge) float64 {
	switch edge.Kind {
	case graph.EdgeCanAssume:
		if e.trustSatisfied(edge) {
			return 0.95
		}
		return 0.50
	case graph.EdgeMemberOf, graph.EdgeHasPolicy:
		return 0.99
	case graph.EdgeAllowsAction:
		switch edge.Action() {
		case "iam:PassRole":
			if target, ok := e.store.GetNode(edge.Target); ok &&
				target.Kind == graph.KindRole &&
				target.PrivilegeLevel >= e.cfg.HighPrivilegeThreshold {
				return 0.90
			}
			return 0.50
		case "iam:CreatePolicyVersion", "iam:SetDefaultPolicyVersion":
			return 0.85
		case "sts:AssumeRole":
			return 0.80
		}
		return 0.50
	default:
		return 0.50
	}
}

// trustSatisfied reports whether a can_assume edge is backed by the role's
// trust policy. A role with no modeled trusts edges is treated as trusting
// its declared assumers; once trusts edges exist, the assuming principal
// must be among them.
func (e *Engine) trustSatisfied(edge graph.Edge) bool {
	trusted := e.store.Neighbors(edge.Target, graph.Outgoing, graph.EdgeTrusts)
	if len(trusted) == 0 {
		return true
	}
	for _, nb := range trusted {
		if nb.Node.ID == edge.Source {
			return true
		}
	}
	return false
}

func isEscalationKind(k graph.EdgeKind) bool {
	for _, esc := range escalationKinds {
		if k == esc {
			return true
		}
	}
	return false
}

// severityFor bands the composite risk score.
func severityFor(score float64) Severity {
	switch {
	case score >= 80:
		return SeverityCritical
	case score >= 40:
		return SeverityHigh
	case score >= 15:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// sortAlerts orders by severity (critical first) then ID, the canonical
// listing order.
func sortAlerts(alerts []Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		a, b := alerts[i], alerts[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		return a.ID < b.ID
	})
}

// Alerts returns all retained alerts in severity-sorted order.
func (e *Engine) Alerts() []Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()
	result := make([]Alert, 0, len(e.alerts))
	for _, a := range e.alerts {
		result = append(result, a)
	}
	sortAlerts(result)
	return result
}

// PriorityAlerts returns high and critical alerts ordered by severity then
// descending confidence.
func (e *Engine) PriorityAlerts() []Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var result []Alert
	for _, a := range e.alerts {
		if a.Severity == SeverityHigh || a.Severity == SeverityCritical {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.ID < b.ID
	})
	return result
}

// GetAlert returns the alert by identifier.
func (e *Engine) GetAlert(id string) (Alert, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.alerts[id]
	return a, ok
}

// Purge removes all retained alerts.
func (e *Engine) Purge(actor string) int {
	e.mu.Lock()
	n := len(e.alerts)
	e.alerts = make(map[string]Alert)
	e.persistLocked()
	e.mu.Unlock()

	e.auditL.Append("alerts_purged", actor, "", "success", fmt.Sprintf("removed=%d", n))
	return n
}

// persistLocked mirrors the alert store to disk. Caller holds e.mu.
func (e *Engine) persistLocked() {
	alerts := make([]Alert, 0, len(e.alerts))
	for _, a := range e.alerts {
		alerts = append(alerts, a)
	}
	sortAlerts(alerts)
	if err := e.dir.WriteJSON(FileName, alerts); err != nil {
		e.logger.Error("failed to persist alerts", "error", err)
		e.auditL.Append("persistence_write_failed", "system", FileName, "failure", err.Error())
	}
}
