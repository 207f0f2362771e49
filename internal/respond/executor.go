package respond

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pathwarden/pathwarden/internal/audit"
	"github.com/pathwarden/pathwarden/internal/config"
	"github.com/pathwarden/pathwarden/internal/effector"
)

// Executor owns the per-plan state machine. All transitions for one plan are
// serialized; distinct plans may execute in parallel. Every transition is
// persisted through the store before the next action runs.
type Executor struct {
	store  *Store
	eff    effector.Effector
	auditL *audit.Log
	cfg    config.ResponseConfig
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewExecutor creates the executor. Plans a crash left in executing are
// demoted to failed so they can be restarted.
func NewExecutor(store *Store, eff effector.Effector, auditLog *audit.Log, cfg config.ResponseConfig, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	x := &Executor{
		store:  store,
		eff:    eff,
		auditL: auditLog,
		cfg:    cfg,
		logger: logger.With("component", "respond.Executor"),
		locks:  make(map[string]*sync.Mutex),
	}
	x.recoverInterrupted()
	return x
}

// recoverInterrupted fails over plans persisted mid-execute. Without this a
// plan reloaded in the executing state would reject every transition.
func (x *Executor) recoverInterrupted() {
	for _, plan := range x.store.All() {
		if plan.State != PlanExecuting {
			continue
		}
		for i := range plan.Actions {
			if plan.Actions[i].Status == ActionExecuting {
				plan.Actions[i].Status = ActionFailed
				plan.Actions[i].Result = "interrupted by restart"
			}
		}
		plan.State = PlanFailed
		if err := x.store.Put(plan); err != nil {
			x.logger.Error("failed to persist interrupted plan", "plan", plan.ID, "error", err)
			continue
		}
		x.auditL.Append("plan_interrupted", "system", plan.ID, "failure",
			"found executing at startup, marked failed for restart")
		x.logger.Warn("plan was executing at shutdown, marked failed", "plan", plan.ID)
	}
}

// planLock returns the mutex serializing one plan's transitions.
func (x *Executor) planLock(planID string) *sync.Mutex {
	x.mu.Lock()
	defer x.mu.Unlock()
	l, ok := x.locks[planID]
	if !ok {
		l = &sync.Mutex{}
		x.locks[planID] = l
	}
	return l
}

// Approve moves a pending plan to approved.
func (x *Executor) Approve(planID, actor string) (Plan, error) {
	lock := x.planLock(planID)
	lock.Lock()
	defer lock.Unlock()

	plan, ok := x.store.Get(planID)
	if !ok {
		return Plan{}, fmt.Errorf("plan %s: %w", planID, ErrNotFound)
	}
	if plan.State != PlanPendingApproval {
		return Plan{}, fmt.Errorf("plan %s is %s: %w", planID, plan.State, ErrConflict)
	}

	plan.HumanApproved = true
	plan.State = PlanApproved
	if err := x.store.Put(plan); err != nil {
		return Plan{}, err
	}
	x.auditL.Append("plan_approved", actor, planID, "success", "")
	return plan, nil
}

// Reject moves a pending plan to rejected.
func (x *Executor) Reject(planID, actor, reason string) (Plan, error) {
	lock := x.planLock(planID)
	lock.Lock()
	defer lock.Unlock()

	plan, ok := x.store.Get(planID)
	if !ok {
		return Plan{}, fmt.Errorf("plan %s: %w", planID, ErrNotFound)
	}
	if plan.State != PlanPendingApproval {
		return Plan{}, fmt.Errorf("plan %s is %s: %w", planID, plan.State, ErrConflict)
	}

	plan.State = PlanRejected
	if err := x.store.Put(plan); err != nil {
		return Plan{}, err
	}
	x.auditL.Append("plan_rejected", actor, planID, "success", reason)
	return plan, nil
}

// Execute runs the plan's actions in order against the effector. Approved
// plans execute; completed plans re-execute on request; failed plans restart
// from the first action, relying on effector idempotency. Execution carries
// the configured plan deadline.
func (x *Executor) Execute(ctx context.Context, planID, actor string) (Plan, error) {
	lock := x.planLock(planID)
	lock.Lock()
	defer lock.Unlock()

	plan, ok := x.store.Get(planID)
	if !ok {
		return Plan{}, fmt.Errorf("plan %s: %w", planID, ErrNotFound)
	}
	switch plan.State {
	case PlanApproved, PlanCompleted, PlanFailed:
		// executable
	default:
		return Plan{}, fmt.Errorf("plan %s is %s: %w", planID, plan.State, ErrConflict)
	}

	ctx, cancel := context.WithTimeout(ctx, x.cfg.PlanDeadline)
	defer cancel()

	plan.State = PlanExecuting
	if err := x.store.Put(plan); err != nil {
		return Plan{}, err
	}
	x.logger.Info("executing plan", "plan", planID, "actions", len(plan.Actions))

	for i := range plan.Actions {
		action := &plan.Actions[i]
		action.Status = ActionExecuting
		if err := x.store.Put(plan); err != nil {
			return Plan{}, err
		}

		result, rollback, retries, err := x.runWithRetries(ctx, action.Kind, action.Target)
		now := time.Now().UTC()
		action.ExecutedAt = &now

		if err != nil {
			action.Status = ActionFailed
			action.Result = err.Error()
			plan.State = PlanFailed
			if putErr := x.store.Put(plan); putErr != nil {
				return Plan{}, putErr
			}
			x.auditL.Append("action_failed", actor, action.ID, "failure", err.Error())
			x.auditL.Append("plan_failed", actor, planID, "failure",
				fmt.Sprintf("halted at action %d/%d", i+1, len(plan.Actions)))
			x.logger.Warn("plan halted", "plan", planID, "action", action.ID, "error", err)
			return plan, nil
		}

		if retries > 0 {
			result = fmt.Sprintf("%s (succeeded after %d retries)", result, retries)
		}
		action.Status = ActionCompleted
		action.Result = result
		action.Rollback = rollback
		if err := x.store.Put(plan); err != nil {
			return Plan{}, err
		}
		x.auditL.Append("action_executed", actor, action.ID, "success", result)
	}

	plan.State = PlanCompleted
	if err := x.store.Put(plan); err != nil {
		return Plan{}, err
	}
	x.auditL.Append("plan_executed", actor, planID, "success", "")
	return plan, nil
}

// Rollback reverses one completed, reversible action. The plan's state is
// unchanged; only the action moves to rolled_back.
func (x *Executor) Rollback(ctx context.Context, actionID, actor string) (Plan, error) {
	located, _, ok := x.store.ByAction(actionID)
	if !ok {
		return Plan{}, fmt.Errorf("action %s: %w", actionID, ErrNotFound)
	}

	lock := x.planLock(located.ID)
	lock.Lock()
	defer lock.Unlock()

	// Reload under the plan lock.
	plan, idx, ok := x.store.ByAction(actionID)
	if !ok {
		return Plan{}, fmt.Errorf("action %s: %w", actionID, ErrNotFound)
	}
	action := &plan.Actions[idx]
	if !action.Reversible {
		return Plan{}, fmt.Errorf("action %s: %w", actionID, ErrNotReversible)
	}
	if action.Status != ActionCompleted {
		return Plan{}, fmt.Errorf("action %s is %s: %w", actionID, action.Status, ErrConflict)
	}

	result, err := x.rollbackWithRetries(ctx, action.Kind, action.Target, action.Rollback)
	if err != nil {
		x.auditL.Append("action_rollback_failed", actor, actionID, "failure", err.Error())
		return Plan{}, fmt.Errorf("rollback of %s failed: %w", actionID, err)
	}

	action.Status = ActionRolledBack
	action.Result = result
	if err := x.store.Put(plan); err != nil {
		return Plan{}, err
	}
	x.auditL.Append("action_rolled_back", actor, actionID, "success", result)
	return plan, nil
}

// runWithRetries dispatches one action, retrying transient failures with
// exponential backoff. Returns the retry count consumed.
func (x *Executor) runWithRetries(ctx context.Context, kind effector.ActionKind, target string) (string, effector.Descriptor, int, error) {
	delay := x.cfg.RetryBaseDelay
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", nil, attempt, fmt.Errorf("plan deadline exceeded: %w", err)
		}

		result, rollback, err := x.eff.Execute(ctx, kind, target)
		if err == nil {
			return result, rollback, attempt, nil
		}
		if !effector.IsTransient(err) {
			return "", nil, attempt, err
		}
		if attempt >= x.cfg.MaxRetries {
			return "", nil, attempt, fmt.Errorf("transient failure persisted after %d retries: %w", attempt, err)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", nil, attempt, fmt.Errorf("plan deadline exceeded: %w", ctx.Err())
		}
		delay *= 4
	}
}

func (x *Executor) rollbackWithRetries(ctx context.Context, kind effector.ActionKind, target string, rollback effector.Descriptor) (string, error) {
	delay := x.cfg.RetryBaseDelay
	for attempt := 0; ; attempt++ {
		result, err := x.eff.Rollback(ctx, kind, target, rollback)
		if err == nil {
			return result, nil
		}
		if !effector.IsTransient(err) || attempt >= x.cfg.MaxRetries {
			return "", err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		delay *= 4
	}
}
