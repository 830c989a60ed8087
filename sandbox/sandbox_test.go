// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sandboxd/sandboxd/errs"
	"github.com/sandboxd/sandboxd/isolation"
	"github.com/sandboxd/sandboxd/lib/clock"
	"github.com/sandboxd/sandboxd/quota"
	"github.com/sandboxd/sandboxd/snapshot"
	"github.com/sandboxd/sandboxd/storage"
)

func newTestManager(t *testing.T) (*Manager, *clock.FakeClock) {
	t.Helper()
	workspaces := t.TempDir()
	storeRoot := t.TempDir()

	backend, err := storage.NewLocal(storeRoot)
	if err != nil {
		t.Fatalf("storage.NewLocal() error = %v", err)
	}

	fc := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	process := isolation.NewProcessDriver([]string{"/bin/echo", "/bin/sleep", "/bin/cat"}, false, nil)
	qm := quota.NewManager(quota.ManagerConfig{Clock: fc})
	snaps := snapshot.NewEngine(snapshot.EngineConfig{Backend: backend, Clock: fc})

	m := NewManager(ManagerConfig{
		WorkspacesRoot:      workspaces,
		Process:             process,
		Quota:               qm,
		Snapshots:           snaps,
		Clock:               fc,
		DefaultKeepaliveTTL: time.Hour,
	})
	return m, fc
}

func TestCreateProvisionsWorkspaceAndRegistersQuota(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	v, err := m.Create(ctx, "u_1", CreateOptions{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if v.State != "running" {
		t.Fatalf("Create() state = %q, want running", v.State)
	}
	if v.Kind != isolation.KindProcess {
		t.Fatalf("Create() kind = %q, want process", v.Kind)
	}

	root := filepath.Join(m.workspacesRoot, v.ID)
	info, err := os.Stat(root)
	if err != nil {
		t.Fatalf("workspace root missing: %v", err)
	}
	if info.Mode().Perm() != 0o700 {
		t.Fatalf("workspace root mode = %o, want 0700", info.Mode().Perm())
	}
}

func TestExecRunsAllowedCommandAndReleasesAdmission(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	v, err := m.Create(ctx, "u_1", CreateOptions{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	res, err := m.Exec(ctx, v.ID, []string{"/bin/echo", "hi"}, nil, time.Second)
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if string(res.Stdout) != "hi\n" {
		t.Fatalf("Exec() stdout = %q, want %q", res.Stdout, "hi\n")
	}

	// A second exec must succeed too, proving ReleaseExec ran after the first.
	if _, err := m.Exec(ctx, v.ID, []string{"/bin/echo", "again"}, nil, time.Second); err != nil {
		t.Fatalf("second Exec() error = %v", err)
	}
}

func TestExecRejectsUnknownSandbox(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Exec(context.Background(), "sbx_missing", []string{"/bin/echo"}, nil, time.Second)
	if !errs.Is(err, errs.NotFound) {
		t.Fatalf("Exec(missing) error = %v, want NotFound", err)
	}
}

func TestDestroyIsIdempotentAndRemovesWorkspace(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	v, err := m.Create(ctx, "u_1", CreateOptions{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	root := filepath.Join(m.workspacesRoot, v.ID)

	if err := m.Destroy(ctx, v.ID, false); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Fatalf("expected workspace %s removed after destroy", root)
	}
	if _, err := m.get(v.ID); !errs.Is(err, errs.NotFound) {
		t.Fatalf("expected sandbox removed from registry")
	}

	if err := m.Destroy(ctx, v.ID, false); !errs.Is(err, errs.NotFound) {
		t.Fatalf("Destroy(already gone) error = %v, want NotFound", err)
	}
}

func TestKeepaliveExtendsDeadlineAndReaperSparesFreshSandbox(t *testing.T) {
	m, fc := newTestManager(t)
	ctx := context.Background()

	v, err := m.Create(ctx, "u_1", CreateOptions{KeepaliveTTL: time.Minute})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := m.Keepalive(v.ID, 3600); err != nil {
		t.Fatalf("Keepalive() error = %v", err)
	}

	fc.Advance(2 * time.Minute)
	m.reapExpired(ctx)

	if _, err := m.get(v.ID); err != nil {
		t.Fatalf("expected sandbox to survive reap after keepalive extension, got %v", err)
	}
}

func TestReaperDestroysPastDeadlineSandboxWithNoRunningJobs(t *testing.T) {
	m, fc := newTestManager(t)
	ctx := context.Background()

	v, err := m.Create(ctx, "u_1", CreateOptions{KeepaliveTTL: time.Minute})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	fc.Advance(2 * time.Minute)
	m.reapExpired(ctx)

	if _, err := m.get(v.ID); !errs.Is(err, errs.NotFound) {
		t.Fatalf("expected sandbox to be reaped, get() error = %v", err)
	}
}

func TestReaperSparesSandboxWithRunningBackgroundJob(t *testing.T) {
	m, fc := newTestManager(t)
	ctx := context.Background()

	v, err := m.Create(ctx, "u_1", CreateOptions{KeepaliveTTL: time.Minute})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	jobID, err := m.StartBackground(ctx, v.ID, []string{"/bin/sleep", "5"})
	if err != nil {
		t.Fatalf("StartBackground() error = %v", err)
	}

	fc.Advance(2 * time.Minute)
	m.reapExpired(ctx)

	if _, err := m.get(v.ID); err != nil {
		t.Fatalf("expected sandbox with running job to survive reap, got %v", err)
	}

	if _, err := m.StopBackground(v.ID, jobID); err != nil {
		t.Fatalf("StopBackground() error = %v", err)
	}
}
