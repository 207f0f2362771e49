package effector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Call records one effector invocation for test and demo inspection.
type Call struct {
	Op     string // "execute" or "rollback"
	Kind   ActionKind
	Target string
}

// Mock is an in-memory effector for mock mode and tests. It tracks which
// (kind, target) pairs are currently contained so repeated executes are
// idempotent, and supports scripted failures.
type Mock struct {
	mu        sync.Mutex
	logger    *slog.Logger
	contained map[string]bool
	calls     []Call
	transient map[string]int
	permanent map[string]bool
}

// NewMock creates an idempotent in-memory effector.
func NewMock(logger *slog.Logger) *Mock {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mock{
		logger:    logger.With("component", "effector.Mock"),
		contained: make(map[string]bool),
		transient: make(map[string]int),
		permanent: make(map[string]bool),
	}
}

func callKey(kind ActionKind, target string) string {
	return string(kind) + "|" + target
}

// FailTransient scripts the next n Execute calls for (kind, target) to fail
// with a retriable error.
func (m *Mock) FailTransient(kind ActionKind, target string, n int) {
	m.mu.Lock()
	m.transient[callKey(kind, target)] = n
	m.mu.Unlock()
}

// FailPermanent scripts every Execute call for (kind, target) to fail with a
// non-retriable error.
func (m *Mock) FailPermanent(kind ActionKind, target string) {
	m.mu.Lock()
	m.permanent[callKey(kind, target)] = true
	m.mu.Unlock()
}

// Calls returns a copy of the recorded invocations.
func (m *Mock) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// Execute implements Effector.
func (m *Mock) Execute(ctx context.Context, kind ActionKind, target string) (string, Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	if !kind.Known() {
		return "", nil, fmt.Errorf("unknown action kind %q", kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Op: "execute", Kind: kind, Target: target})

	key := callKey(kind, target)
	if m.permanent[key] {
		return "", nil, fmt.Errorf("simulated permanent failure for %s", key)
	}
	if m.transient[key] > 0 {
		m.transient[key]--
		return "", nil, Transientf("simulated transient failure for %s", key)
	}

	already := m.contained[key]
	m.contained[key] = true
	m.logger.Info("mock execute", "kind", kind, "target", target, "already_contained", already)

	result := fmt.Sprintf("mock: %s applied to %s", kind, target)
	if already {
		result = fmt.Sprintf("mock: %s already applied to %s", kind, target)
	}
	if kind == KindNotifyOperator {
		return fmt.Sprintf("mock: operator notified about %s", target), nil, nil
	}
	return result, Descriptor{"kind": string(kind), "target": target}, nil
}

// Rollback implements Effector.
func (m *Mock) Rollback(ctx context.Context, kind ActionKind, target string, rollback Descriptor) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !kind.Reversible() {
		return "", fmt.Errorf("action kind %q is not reversible", kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Op: "rollback", Kind: kind, Target: target})

	key := callKey(kind, target)
	delete(m.contained, key)
	m.logger.Info("mock rollback", "kind", kind, "target", target)
	return fmt.Sprintf("mock: %s reversed on %s", kind, target), nil
}

// Contained reports whether (kind, target) is currently applied.
func (m *Mock) Contained(kind ActionKind, target string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contained[callKey(kind, target)]
}
