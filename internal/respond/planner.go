package respond

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/pathwarden/pathwarden/internal/audit"
	"github.com/pathwarden/pathwarden/internal/detect"
	"github.com/pathwarden/pathwarden/internal/effector"
	"github.com/pathwarden/pathwarden/internal/graph"
)

// Planner maps alerts to ordered containment plans using a fixed recipe per
// edge kind, then applies the approval gate.
type Planner struct {
	graph         *graph.Store
	store         *Store
	auditL        *audit.Log
	highThreshold int
	logger        *slog.Logger
}

// NewPlanner creates the planner. highThreshold is the privilege level at
// which a role counts as administrative.
func NewPlanner(g *graph.Store, store *Store, auditLog *audit.Log, highThreshold int, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		graph:         g,
		store:         store,
		auditL:        auditLog,
		highThreshold: highThreshold,
		logger:        logger.With("component", "respond.Planner"),
	}
}

// HandleAlert synthesizes and stores a plan for the alert. Auto-eligible
// alerts produce an approved plan ready for execution; everything else waits
// for a human. Wire this to the detection engine's plan handler.
func (p *Planner) HandleAlert(a detect.Alert) (Plan, error) {
	plan := Plan{
		ID:        "plan_" + strings.ToLower(ulid.Make().String()),
		AlertID:   a.ID,
		CreatedAt: time.Now().UTC(),
		State:     PlanPendingApproval,
	}
	for _, step := range p.synthesize(a) {
		plan.Actions = append(plan.Actions, Action{
			ID:         "act_" + strings.ToLower(ulid.Make().String()),
			Kind:       step.kind,
			Target:     step.target,
			Status:     ActionPlanned,
			Reversible: step.kind.Reversible(),
		})
	}
	if a.AutoResponseEligible {
		plan.AutoApproved = true
		plan.State = PlanApproved
	}

	if err := p.store.Put(plan); err != nil {
		return Plan{}, fmt.Errorf("failed to store plan: %w", err)
	}

	p.auditL.Append("plan_created", "system", plan.ID, string(plan.State),
		fmt.Sprintf("alert=%s actions=%d auto_approved=%v", a.ID, len(plan.Actions), plan.AutoApproved))
	p.logger.Info("plan created",
		"plan", plan.ID,
		"alert", a.ID,
		"actions", len(plan.Actions),
		"state", plan.State,
	)
	return plan, nil
}

// RecommendKinds returns the ordered action kinds the recipe would produce
// for the alert. Wire this to the detection engine's recommender slot.
func (p *Planner) RecommendKinds(a *detect.Alert) []string {
	steps := p.synthesize(*a)
	kinds := make([]string, 0, len(steps))
	seen := make(map[string]bool)
	for _, s := range steps {
		k := string(s.kind)
		if !seen[k] {
			seen[k] = true
			kinds = append(kinds, k)
		}
	}
	return kinds
}

type step struct {
	kind   effector.ActionKind
	target string
}

// synthesize applies the recipe: one candidate action per qualifying edge in
// path order, a quarantine for the last intermediate role when the path ends
// on an admin role, duplicates removed keeping first occurrence, and an
// operator notification appended last.
func (p *Planner) synthesize(a detect.Alert) []step {
	var steps []step

	for _, e := range a.Edges {
		switch e.Kind {
		case graph.EdgeCanAssume:
			if p.nodeKind(e.Source) == graph.KindUser {
				steps = append(steps, step{effector.KindDisableLoginProfile, e.Source})
			}
		case graph.EdgeHasPolicy:
			principal, policy, ok := p.principalAndPolicy(e)
			if !ok {
				break
			}
			switch p.nodeKind(principal) {
			case graph.KindUser:
				steps = append(steps, step{effector.KindDetachUserPolicy, principal + "|" + policy})
			case graph.KindRole:
				steps = append(steps, step{effector.KindDetachRolePolicy, principal + "|" + policy})
			}
		case graph.EdgeAllowsAction:
			switch e.Action() {
			case "iam:CreatePolicyVersion", "iam:SetDefaultPolicyVersion":
				if policy, ok := p.policyEndpoint(e); ok {
					steps = append(steps, step{effector.KindRevertPolicyVersion, policy + "|prior"})
				}
			}
		}
	}

	if role, ok := p.lastIntermediateRole(a); ok {
		steps = append(steps, step{effector.KindQuarantineRole, role})
	}

	// Dedup on (kind, target), first occurrence wins.
	seen := make(map[string]bool)
	out := steps[:0]
	for _, s := range steps {
		key := string(s.kind) + "|" + s.target
		if !seen[key] {
			seen[key] = true
			out = append(out, s)
		}
	}

	out = append(out, step{effector.KindNotifyOperator, a.ID})
	return out
}

func (p *Planner) nodeKind(id string) graph.NodeKind {
	n, ok := p.graph.GetNode(id)
	if !ok {
		return ""
	}
	return n.Kind
}

// principalAndPolicy resolves a has_policy edge regardless of which side the
// ingester modeled the policy on.
func (p *Planner) principalAndPolicy(e graph.Edge) (principal, policy string, ok bool) {
	switch {
	case p.nodeKind(e.Target) == graph.KindPolicy:
		return e.Source, e.Target, true
	case p.nodeKind(e.Source) == graph.KindPolicy:
		return e.Target, e.Source, true
	}
	return "", "", false
}

func (p *Planner) policyEndpoint(e graph.Edge) (string, bool) {
	if p.nodeKind(e.Target) == graph.KindPolicy {
		return e.Target, true
	}
	if p.nodeKind(e.Source) == graph.KindPolicy {
		return e.Source, true
	}
	return "", false
}

// lastIntermediateRole returns the last role strictly between source and
// target, which is the foothold to quarantine when the path terminates on an
// administrative role.
func (p *Planner) lastIntermediateRole(a detect.Alert) (string, bool) {
	if len(a.Path) < 2 {
		return "", false
	}
	terminal, ok := p.graph.GetNode(a.TargetNode)
	if !ok || terminal.Kind != graph.KindRole || terminal.PrivilegeLevel < p.highThreshold {
		return "", false
	}
	for i := len(a.Path) - 2; i >= 1; i-- {
		if p.nodeKind(a.Path[i]) == graph.KindRole {
			return a.Path[i], true
		}
	}
	return "", false
}
