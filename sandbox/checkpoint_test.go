// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"path/filepath"
	"testing"
)

func TestWriteCheckpointRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	v1, err := m.Create(ctx, "u_1", CreateOptions{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	v2, err := m.Create(ctx, "u_2", CreateOptions{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	path := filepath.Join(t.TempDir(), "checkpoint.cbor")
	if err := m.WriteCheckpoint(path); err != nil {
		t.Fatalf("WriteCheckpoint() error = %v", err)
	}

	records, err := ReadCheckpoint(path)
	if err != nil {
		t.Fatalf("ReadCheckpoint() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	ids := map[string]bool{records[0].ID: true, records[1].ID: true}
	if !ids[v1.ID] || !ids[v2.ID] {
		t.Fatalf("records = %+v, want entries for %s and %s", records, v1.ID, v2.ID)
	}
}

func TestReadCheckpointMissingFileReturnsNil(t *testing.T) {
	records, err := ReadCheckpoint(filepath.Join(t.TempDir(), "missing.cbor"))
	if err != nil {
		t.Fatalf("ReadCheckpoint() error = %v", err)
	}
	if records != nil {
		t.Fatalf("records = %v, want nil", records)
	}
}

func TestWriteCheckpointOverwritesPriorContent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "checkpoint.cbor")

	if _, err := m.Create(ctx, "u_1", CreateOptions{}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := m.WriteCheckpoint(path); err != nil {
		t.Fatalf("first WriteCheckpoint() error = %v", err)
	}

	v2, err := m.Create(ctx, "u_2", CreateOptions{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := m.Destroy(ctx, v2.ID, false); err == nil {
		// destroying immediately after create is allowed; ignore result.
	}

	if err := m.WriteCheckpoint(path); err != nil {
		t.Fatalf("second WriteCheckpoint() error = %v", err)
	}
	records, err := ReadCheckpoint(path)
	if err != nil {
		t.Fatalf("ReadCheckpoint() error = %v", err)
	}
	if len(records) != m.Count() {
		t.Fatalf("len(records) = %d, want %d", len(records), m.Count())
	}
}
