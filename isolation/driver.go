// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package isolation implements the C3 isolation backend: an abstract
// sandbox-lifecycle driver with three concrete implementations
// (microVM, container, process-with-filesystem-scope) behind a single
// Driver interface, plus auto-selection among them.
package isolation

import (
	"context"
	"io"
	"time"

	"github.com/sandboxd/sandboxd/errs"
)

// Kind names a concrete driver implementation.
type Kind string

const (
	KindMicroVM   Kind = "microvm"
	KindContainer Kind = "container"
	KindProcess   Kind = "process"
)

// State is a position in the driver handle's lifecycle state machine:
//
//	uninitialized -> provisioned -> running <-> paused -> stopped -> destroyed
//
// validTransitions also allows stopped -> running, and destroyed from
// provisioned, running and paused. Transitions not listed in
// validTransitions are rejected by checkTransition with
// errs.PreconditionFailed.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateProvisioned   State = "provisioned"
	StateRunning       State = "running"
	StatePaused        State = "paused"
	StateStopped       State = "stopped"
	StateDestroyed     State = "destroyed"
)

var validTransitions = map[State]map[State]bool{
	StateUninitialized: {StateProvisioned: true},
	StateProvisioned:   {StateRunning: true, StateDestroyed: true},
	StateRunning:       {StatePaused: true, StateStopped: true, StateDestroyed: true},
	StatePaused:        {StateRunning: true, StateStopped: true, StateDestroyed: true},
	StateStopped:       {StateRunning: true, StateDestroyed: true},
	StateDestroyed:     {},
}

// checkTransition reports a PreconditionFailed error if moving from
// "from" to "to" is not a legal state machine edge.
func checkTransition(from, to State) error {
	if validTransitions[from][to] {
		return nil
	}
	return errs.New(errs.PreconditionFailed, "isolation: illegal state transition %s -> %s", from, to)
}

// checkRunning reports a PreconditionFailed error unless the handle is
// currently running; exec and open_stream are only valid in that state.
func checkRunning(s State) error {
	if s != StateRunning {
		return errs.New(errs.PreconditionFailed, "isolation: operation requires running state, got %s", s)
	}
	return nil
}

// ResourceCaps are the resource limits a driver applies at
// provisioning time, supplied by the caller through
// sandbox.CreateOptions.Caps.
type ResourceCaps struct {
	VCPUCount         int
	MemSizeMiB        int
	CPULimitPercent   int
	MemoryLimitBytes  int64
}

// ExecResult is the outcome of one Driver.Exec call. CPUSeconds and
// MemoryBytes are best-effort resource accounting fed to the quota
// manager's CPU and memory dimensions; a driver that cannot observe
// them leaves both zero.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int

	CPUSeconds  float64
	MemoryBytes int64
}

// Handle identifies one provisioned driver instance and reports its
// current lifecycle state.
type Handle interface {
	ID() string
	Kind() Kind
	State() State
}

// Driver is the abstract sandbox-lifecycle backend implemented by the
// microVM, container, and process drivers. Every method is safe for
// concurrent use across distinct handles; callers serialize calls
// against the same handle themselves (the sandbox runtime's
// per-sandbox mutex does this).
type Driver interface {
	// Provision allocates (but does not start) an isolation unit
	// rooted at workspaceRoot. The returned handle is in state
	// StateProvisioned.
	Provision(ctx context.Context, sandboxID, userID, workspaceRoot string, caps ResourceCaps) (Handle, error)

	Start(ctx context.Context, h Handle) error
	Pause(ctx context.Context, h Handle) error
	Resume(ctx context.Context, h Handle) error
	Stop(ctx context.Context, h Handle) error

	// Exec runs argv inside the isolation unit, feeding stdin and
	// enforcing timeout. A timeout terminates the child and returns
	// an errs.TimedOut error.
	Exec(ctx context.Context, h Handle, argv []string, stdin []byte, timeout time.Duration) (ExecResult, error)

	// OpenStream returns a bidirectional byte stream for an
	// interactive session inside the isolation unit.
	OpenStream(ctx context.Context, h Handle) (io.ReadWriteCloser, error)

	Mount(ctx context.Context, h Handle, hostPath, guestPath string, readOnly bool) error

	// Destroy tears the isolation unit down. workspaceRoot is left on
	// disk unless removeWorkspace is true.
	Destroy(ctx context.Context, h Handle, removeWorkspace bool) error
}
