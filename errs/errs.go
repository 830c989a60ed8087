// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package errs defines the tagged error variant shared by every core
// component (storage, snapshot, isolation, quota, sandbox runtime,
// preview proxy). Callers branch on Kind, never on message text, and
// the HTTP façade maps Kind to a status code through a fixed table
// instead of inferring it from an error string.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories from the error taxonomy.
type Kind string

const (
	// NotFound means a sandbox, snapshot, or path does not exist or
	// does not belong to the caller.
	NotFound Kind = "not_found"

	// InvalidArgument means a malformed id, an out-of-range port, or a
	// disallowed path (traversal), or an unsupported driver operation.
	InvalidArgument Kind = "invalid_argument"

	// PreconditionFailed means the sandbox is in the wrong state for
	// the requested operation.
	PreconditionFailed Kind = "precondition_failed"

	// QuotaExceeded means admission was rejected by the quota manager.
	// ViolationKind on the Error identifies which cap was hit.
	QuotaExceeded Kind = "quota_exceeded"

	// TimedOut means exec, a proxy dial, or other external I/O
	// exceeded its configured budget.
	TimedOut Kind = "timed_out"

	// Transient means a network hiccup against storage or a driver
	// that is eligible for internal retry.
	Transient Kind = "transient"

	// Fatal means an invariant was violated; the caller should abandon
	// the sandbox.
	Fatal Kind = "fatal"

	// Upstream means the preview proxy could not reach the sandbox's
	// in-sandbox server.
	Upstream Kind = "upstream"
)

// QuotaViolationKind names which quota dimension was exceeded. Used as
// the "kind" label on quota_violations_total and embedded in the
// QuotaExceeded error.
type QuotaViolationKind string

const (
	ViolationExecRate     QuotaViolationKind = "exec_rate"
	ViolationConcurrent   QuotaViolationKind = "concurrent_exec"
	ViolationMemory       QuotaViolationKind = "memory"
	ViolationStorage      QuotaViolationKind = "storage"
	ViolationEgress       QuotaViolationKind = "egress"
	ViolationCPU          QuotaViolationKind = "cpu"

	// ViolationFleetConcurrency fires when the daemon-wide count of live
	// sandboxes has reached the configured cap, independent of any
	// single user's per-sandbox limits.
	ViolationFleetConcurrency QuotaViolationKind = "fleet_concurrency"
)

// Error is the concrete error type every core component returns for
// conditions a caller must branch on. The zero value is not valid;
// construct with the New* helpers below.
type Error struct {
	Kind      Kind
	Violation QuotaViolationKind // set only when Kind == QuotaExceeded
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, errs.NotFound) by comparing Kind against
// a sentinel wrapped as a bare Kind-tagged Error.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// New constructs an *Error with no wrapped cause.
func New(kind Kind, format string, args ...any) *Error {
	return newf(kind, format, args...)
}

// Wrap constructs an *Error that wraps cause, preserving it for
// errors.Unwrap while attaching a taxonomy Kind for branching.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	e := newf(kind, format, args...)
	e.Cause = cause
	return e
}

// NewQuotaExceeded constructs a QuotaExceeded error tagged with the
// specific dimension that was exceeded.
func NewQuotaExceeded(violation QuotaViolationKind, format string, args ...any) *Error {
	e := newf(QuotaExceeded, format, args...)
	e.Violation = violation
	return e
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error,
// and the boolean ok reports whether extraction succeeded.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err is (or wraps) an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
