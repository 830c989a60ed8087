// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesKind(t *testing.T) {
	err := New(NotFound, "snapshot %q not found", "snap_1")
	if !Is(err, NotFound) {
		t.Fatalf("expected Is(err, NotFound) to be true")
	}
	if Is(err, InvalidArgument) {
		t.Fatalf("expected Is(err, InvalidArgument) to be false")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(Transient, cause, "dial upstream")

	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find wrapped cause")
	}
	if kind, ok := KindOf(err); !ok || kind != Transient {
		t.Fatalf("KindOf() = %v, %v, want Transient, true", kind, ok)
	}
}

func TestWrapThroughFmtErrorf(t *testing.T) {
	base := New(QuotaExceeded, "concurrent exec limit reached")
	base.Violation = ViolationConcurrent

	wrapped := fmt.Errorf("admit_exec: %w", base)

	kind, ok := KindOf(wrapped)
	if !ok || kind != QuotaExceeded {
		t.Fatalf("KindOf(wrapped) = %v, %v, want QuotaExceeded, true", kind, ok)
	}

	var e *Error
	if !errors.As(wrapped, &e) {
		t.Fatalf("errors.As failed to extract *Error")
	}
	if e.Violation != ViolationConcurrent {
		t.Fatalf("Violation = %v, want concurrent_exec", e.Violation)
	}
}

func TestNewQuotaExceededSetsViolation(t *testing.T) {
	err := NewQuotaExceeded(ViolationMemory, "memory cap exceeded: %d > %d", 200, 100)
	if err.Kind != QuotaExceeded {
		t.Fatalf("Kind = %v, want QuotaExceeded", err.Kind)
	}
	if err.Violation != ViolationMemory {
		t.Fatalf("Violation = %v, want memory", err.Violation)
	}
}
