// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sandboxd/sandboxd/lib/clock"
)

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening log: %v", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("unmarshaling line %q: %v", scanner.Text(), err)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scanning log: %v", err)
	}
	return events
}

func TestRecordAppendsJSONLine(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	path := filepath.Join(t.TempDir(), "events.log")

	r, err := NewRecorder(path, fc)
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}
	defer r.Close()

	if err := r.Record("sandbox.created", "sbx_1", nil); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	events := readEvents(t, path)
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	got := events[0]
	if got.Kind != "sandbox.created" || got.SandboxID != "sbx_1" {
		t.Fatalf("event = %+v, want kind=sandbox.created sandbox_id=sbx_1", got)
	}
	if got.Timestamp != fc.Now().Unix() {
		t.Fatalf("event.Timestamp = %d, want %d", got.Timestamp, fc.Now().Unix())
	}
}

func TestRecordCreatesLogDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "events.log")

	r, err := NewRecorder(path, clock.Real())
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}
	defer r.Close()

	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Fatalf("log directory not created: %v", err)
	}
}

func TestRecordIncludesMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	r, err := NewRecorder(path, clock.Real())
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}
	defer r.Close()

	meta := map[string]any{"port": float64(8080), "address": "sandboxd-sbx_1:8080"}
	if err := r.Record("sandbox.preview.register", "sbx_1", meta); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	events := readEvents(t, path)
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if events[0].Metadata["port"] != meta["port"] {
		t.Fatalf("metadata[port] = %v, want %v", events[0].Metadata["port"], meta["port"])
	}
}

func TestRecordAppendsAcrossMultipleCalls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	r, err := NewRecorder(path, clock.Real())
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := r.Record("sandbox.keepalive", "sbx_1", nil); err != nil {
			t.Fatalf("Record() #%d error = %v", i, err)
		}
	}
	r.Close()

	// Reopening must append, not truncate: prior events survive a
	// daemon restart that opens the same log path again.
	r2, err := NewRecorder(path, clock.Real())
	if err != nil {
		t.Fatalf("second NewRecorder() error = %v", err)
	}
	defer r2.Close()
	if err := r2.Record("sandbox.keepalive", "sbx_1", nil); err != nil {
		t.Fatalf("Record() after reopen error = %v", err)
	}

	events := readEvents(t, path)
	if len(events) != 4 {
		t.Fatalf("len(events) = %d, want 4", len(events))
	}
}
