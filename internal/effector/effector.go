// Package effector defines the boundary adapter that performs and reverses
// cloud-mutating containment actions. The executor is kind-agnostic: it
// dispatches by action kind and stores whatever rollback descriptor the
// effector returns.
package effector

import (
	"context"
	"errors"
	"fmt"
)

// ActionKind enumerates the containment actions the system knows how to take.
type ActionKind string

const (
	KindDisableLoginProfile ActionKind = "disable_login_profile"
	KindDetachUserPolicy    ActionKind = "detach_user_policy"
	KindDetachRolePolicy    ActionKind = "detach_role_policy"
	KindRevokeAccessKey     ActionKind = "revoke_access_key"
	KindQuarantineRole      ActionKind = "quarantine_role"
	KindRevertPolicyVersion ActionKind = "revert_policy_version"
	KindNotifyOperator      ActionKind = "notify_operator"
)

// Known reports whether k is a recognized action kind.
func (k ActionKind) Known() bool {
	switch k {
	case KindDisableLoginProfile, KindDetachUserPolicy, KindDetachRolePolicy,
		KindRevokeAccessKey, KindQuarantineRole, KindRevertPolicyVersion,
		KindNotifyOperator:
		return true
	}
	return false
}

// Reversible reports whether actions of this kind can be rolled back.
// Operator notifications cannot be unsent.
func (k ActionKind) Reversible() bool {
	return k != KindNotifyOperator
}

// Descriptor is the kind-specific structured payload capturing the state
// required to undo an action.
type Descriptor map[string]string

// Effector performs and reverses cloud-mutating actions. Implementations
// promise idempotency per kind: repeating an identical Execute call must
// converge on the same cloud state. The effector is the only component
// permitted to make cloud-mutating calls.
type Effector interface {
	// Execute performs the action against target and returns a human-readable
	// result plus the rollback descriptor needed to reverse it.
	Execute(ctx context.Context, kind ActionKind, target string) (result string, rollback Descriptor, err error)

	// Rollback reverses a previously executed action using its stored
	// descriptor.
	Rollback(ctx context.Context, kind ActionKind, target string, rollback Descriptor) (result string, err error)
}

// transientError marks a failure worth retrying.
type transientError struct {
	err error
}

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }

// Transient wraps err as retriable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Transientf is Transient over a formatted error.
func Transientf(format string, args ...any) error {
	return &transientError{err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}
