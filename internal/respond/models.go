// Package respond synthesizes response plans from alerts and executes them
// against the effector, with approval gating, retries, and rollback.
package respond

import (
	"errors"
	"time"

	"github.com/pathwarden/pathwarden/internal/effector"
)

// ActionStatus tracks a single action's lifecycle.
type ActionStatus string

const (
	ActionPlanned    ActionStatus = "planned"
	ActionExecuting  ActionStatus = "executing"
	ActionCompleted  ActionStatus = "completed"
	ActionFailed     ActionStatus = "failed"
	ActionRolledBack ActionStatus = "rolled_back"
)

// PlanState is the per-plan state machine position.
type PlanState string

const (
	PlanPendingApproval PlanState = "pending_approval"
	PlanApproved        PlanState = "approved"
	PlanRejected        PlanState = "rejected"
	PlanExecuting       PlanState = "executing"
	PlanCompleted       PlanState = "completed"
	PlanFailed          PlanState = "failed"
)

// Transition errors surfaced to the API as conflict / not-found.
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict: transition not allowed in current state")
	ErrNotReversible = errors.New("action is not reversible")
)

// Action is one containment step within a plan.
type Action struct {
	ID         string               `json:"id"`
	Kind       effector.ActionKind  `json:"kind"`
	Target     string               `json:"target"`
	Status     ActionStatus         `json:"status"`
	ExecutedAt *time.Time           `json:"executed_at,omitempty"`
	Result     string               `json:"result,omitempty"`
	Reversible bool                 `json:"reversible"`
	Rollback   effector.Descriptor  `json:"rollback,omitempty"`
}

// Plan is an ordered, stateful bundle of actions synthesized from one alert.
type Plan struct {
	ID            string    `json:"id"`
	AlertID       string    `json:"alert_id"`
	Actions       []Action  `json:"actions"`
	AutoApproved  bool      `json:"auto_approved"`
	HumanApproved bool      `json:"human_approved"`
	CreatedAt     time.Time `json:"created_at"`
	State         PlanState `json:"state"`
}

// clone deep-copies a plan so store reads never alias internal state.
func (p *Plan) clone() Plan {
	out := *p
	out.Actions = make([]Action, len(p.Actions))
	copy(out.Actions, p.Actions)
	for i, a := range p.Actions {
		if a.ExecutedAt != nil {
			t := *a.ExecutedAt
			out.Actions[i].ExecutedAt = &t
		}
		if a.Rollback != nil {
			d := make(effector.Descriptor, len(a.Rollback))
			for k, v := range a.Rollback {
				d[k] = v
			}
			out.Actions[i].Rollback = d
		}
	}
	return out
}
