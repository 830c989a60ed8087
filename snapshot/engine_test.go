// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sandboxd/sandboxd/errs"
	"github.com/sandboxd/sandboxd/lib/retry"
	"github.com/sandboxd/sandboxd/storage"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	backend, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return NewEngine(EngineConfig{
		Backend:       backend,
		CompressionLevel: 3,
		RetentionKeep: 3,
		PreserveMTime: true,
		RetryPolicy:   retry.Policy{MaxAttempts: 1},
	})
}

func writeWorkspaceFile(t *testing.T, workspace, relPath, content string) {
	t.Helper()
	full := filepath.Join(workspace, relPath)
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestCreateAndRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	workspace := filepath.Join(t.TempDir(), "work")
	os.MkdirAll(workspace, 0o700)
	writeWorkspaceFile(t, workspace, "a.txt", "one")

	snap, err := e.Create(ctx, "u_a", workspace)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	writeWorkspaceFile(t, workspace, "a.txt", "two")

	if err := e.Restore(ctx, "u_a", snap.ID, workspace); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	got, err := os.ReadFile(filepath.Join(workspace, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "one" {
		t.Fatalf("a.txt = %q, want %q", got, "one")
	}

	snaps, err := e.List(ctx, "u_a")
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 1 {
		t.Fatalf("List() returned %d snapshots, want 1", len(snaps))
	}
}

func TestRetentionKeepsOnlyMostRecent(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	workspace := filepath.Join(t.TempDir(), "work")
	os.MkdirAll(workspace, 0o700)

	var ids []string
	for i := 0; i < 5; i++ {
		writeWorkspaceFile(t, workspace, "n.txt", string(rune('0'+i)))
		snap, err := e.Create(ctx, "u_b", workspace)
		if err != nil {
			t.Fatalf("Create() #%d error = %v", i, err)
		}
		ids = append(ids, snap.ID)
	}

	snaps, err := e.List(ctx, "u_b")
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 3 {
		t.Fatalf("List() returned %d snapshots after retention, want 3", len(snaps))
	}
	if snaps[0].ID != ids[4] {
		t.Fatalf("List()[0] = %s, want most recent %s", snaps[0].ID, ids[4])
	}

	if err := e.Restore(ctx, "u_b", ids[0], workspace); !errs.Is(err, errs.NotFound) {
		t.Fatalf("Restore(oldest evicted) error = %v, want NotFound", err)
	}
}

func TestRestoreMissingSnapshotIsNotFound(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	workspace := filepath.Join(t.TempDir(), "work")
	os.MkdirAll(workspace, 0o700)

	err := e.Restore(ctx, "u_c", "snap_does_not_exist", workspace)
	if !errs.Is(err, errs.NotFound) {
		t.Fatalf("Restore() error = %v, want NotFound", err)
	}
}

func TestRestorePreservesSymlinksInsideWorkspace(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	workspace := filepath.Join(t.TempDir(), "work")
	os.MkdirAll(workspace, 0o700)
	writeWorkspaceFile(t, workspace, "real.txt", "payload")
	if err := os.Symlink("real.txt", filepath.Join(workspace, "link.txt")); err != nil {
		t.Fatal(err)
	}

	snap, err := e.Create(ctx, "u_d", workspace)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	target := filepath.Join(t.TempDir(), "restored")
	os.MkdirAll(target, 0o700)
	if err := e.Restore(ctx, "u_d", snap.ID, target); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	linkTarget, err := os.Readlink(filepath.Join(target, "link.txt"))
	if err != nil {
		t.Fatalf("Readlink() error = %v", err)
	}
	if linkTarget != "real.txt" {
		t.Fatalf("Readlink() = %q, want %q", linkTarget, "real.txt")
	}
}
