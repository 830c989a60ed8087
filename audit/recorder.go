// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit implements a fleet-wide append-only audit log: every
// sandbox lifecycle event (create, exec, keepalive, mount, preview
// registration, background job start/stop, destroy) is appended as a
// JSON line to a single log file, mirroring a prior implementation's
// EventRecorder. Unlike that implementation's async-offloaded write,
// Record here is a plain synchronous, mutex-guarded append — this
// package has no event loop to keep unblocked, and callers that want
// to not wait on disk I/O can invoke Record from a goroutine
// themselves.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sandboxd/sandboxd/lib/clock"
)

// Event is one line of the audit log.
type Event struct {
	Timestamp int64          `json:"timestamp"`
	Kind      string         `json:"event"`
	SandboxID string         `json:"sandbox_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Recorder appends Events to a single log file, the way
// lib/artifact.CacheIndex appends fixed-size records to its own log:
// one open *os.File, one mutex serializing writes, opened for
// O_APPEND so concurrent appenders (there are none here, but future
// daemons sharing a log would be) never interleave partial lines.
type Recorder struct {
	clock clock.Clock

	mu   sync.Mutex
	file *os.File
}

// NewRecorder opens (creating if necessary) the audit log at path,
// appending to any existing content rather than truncating it — audit
// history must survive a daemon restart.
func NewRecorder(path string, clk clock.Clock) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit: creating log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: opening log %s: %w", path, err)
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Recorder{clock: clk, file: file}, nil
}

// Record appends one audit event. A write failure is logged by the
// caller (Record returns the error rather than panicking or silently
// dropping it) but never blocks the operation it's auditing — callers
// treat audit failures as non-fatal.
func (r *Recorder) Record(kind, sandboxID string, metadata map[string]any) error {
	event := Event{
		Timestamp: r.clock.Now().Unix(),
		Kind:      kind,
		SandboxID: sandboxID,
		Metadata:  metadata,
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: encoding event: %w", err)
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.file.Write(line); err != nil {
		return fmt.Errorf("audit: appending event: %w", err)
	}
	return nil
}

// Close closes the underlying log file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}
