package driver

import (
	"errors"
	"fmt"
)

// ErrorKind classifies attempt failures. The scheduler keys its retry and
// account-health decisions off the kind, never the message.
type ErrorKind string

const (
	// KindInfra covers browser or proxy launch failures. Retried once on a
	// different proxy, then fatal for the attempt.
	KindInfra ErrorKind = "infra"

	// KindAuth covers login challenges and lockouts. Never retried; the
	// account is suspended.
	KindAuth ErrorKind = "auth"

	// KindTargetUnavailable marks an unreachable or removed profile.
	// Permanently skipped without an account health penalty.
	KindTargetUnavailable ErrorKind = "target-unavailable"

	// KindUnsupportedTarget marks a profile with no messaging capability.
	// Permanently skipped without an account health penalty.
	KindUnsupportedTarget ErrorKind = "unsupported-target"

	// KindTransient covers timeouts and navigation errors. Retried up to
	// the configured ceiling.
	KindTransient ErrorKind = "transient"

	// KindPersistence covers status write-back failures. Logged, never
	// propagated into dispatch.
	KindPersistence ErrorKind = "persistence"
)

// AttemptError is a classified failure of a dispatch attempt
type AttemptError struct {
	Kind ErrorKind
	Msg  string
	Err  error

	// Locked distinguishes a hard lockout from a solvable challenge for
	// KindAuth errors
	Locked bool
}

func (e *AttemptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *AttemptError) Unwrap() error {
	return e.Err
}

// NewError creates a classified attempt error
func NewError(kind ErrorKind, msg string, err error) *AttemptError {
	return &AttemptError{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the error kind. Unclassified errors are assumed
// transient, matching the retry-by-default posture for unknown failures.
func KindOf(err error) ErrorKind {
	var ae *AttemptError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindTransient
}

// IsRetryable reports whether the failure may be retried on the same target
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// IsStructural reports whether the failure is a property of the target
// rather than the account or infrastructure
func IsStructural(err error) bool {
	k := KindOf(err)
	return k == KindTargetUnavailable || k == KindUnsupportedTarget
}
