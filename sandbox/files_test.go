// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sandboxd/sandboxd/errs"
)

func TestWriteReadRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	v, err := m.Create(ctx, "u_1", CreateOptions{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := m.WriteFile(ctx, v.ID, "notes/todo.txt", []byte("buy milk")); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	got, err := m.ReadFile(ctx, v.ID, "notes/todo.txt")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != "buy milk" {
		t.Fatalf("ReadFile() = %q, want %q", got, "buy milk")
	}
}

func TestWriteFileIsAtomic(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	v, err := m.Create(ctx, "u_1", CreateOptions{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := m.WriteFile(ctx, v.ID, "f.txt", []byte("one")); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	root := filepath.Join(m.workspacesRoot, v.ID)
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	for _, e := range entries {
		if e.Name() != "f.txt" {
			t.Fatalf("unexpected leftover entry %q after WriteFile", e.Name())
		}
	}
}

func TestReadFileRejectsPathTraversal(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	v, err := m.Create(ctx, "u_1", CreateOptions{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	cases := []string{"../outside.txt", "/etc/passwd", "a/../../escape.txt"}
	for _, path := range cases {
		if _, err := m.ReadFile(ctx, v.ID, path); !errs.Is(err, errs.InvalidArgument) {
			t.Fatalf("ReadFile(%q) error = %v, want InvalidArgument", path, err)
		}
	}
}

func TestReadFileRejectsSymlinkEscape(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	v, err := m.Create(ctx, "u_1", CreateOptions{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	outside := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(outside, []byte("shh"), 0o600); err != nil {
		t.Fatal(err)
	}
	root := filepath.Join(m.workspacesRoot, v.ID)
	link := filepath.Join(root, "escape-link")
	if err := os.Symlink(outside, link); err != nil {
		t.Fatal(err)
	}

	if _, err := m.ReadFile(ctx, v.ID, "escape-link"); !errs.Is(err, errs.InvalidArgument) {
		t.Fatalf("ReadFile(symlink escape) error = %v, want InvalidArgument", err)
	}
}

func TestListDirAndDeleteFile(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	v, err := m.Create(ctx, "u_1", CreateOptions{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := m.WriteFile(ctx, v.ID, "a.txt", []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteFile(ctx, v.ID, "b.txt", []byte("bb")); err != nil {
		t.Fatal(err)
	}

	entries, err := m.ListDir(ctx, v.ID, ".")
	if err != nil {
		t.Fatalf("ListDir() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ListDir() = %d entries, want 2", len(entries))
	}

	if err := m.DeleteFile(ctx, v.ID, "a.txt"); err != nil {
		t.Fatalf("DeleteFile() error = %v", err)
	}
	if _, err := m.ReadFile(ctx, v.ID, "a.txt"); !errs.Is(err, errs.NotFound) {
		t.Fatalf("ReadFile(deleted) error = %v, want NotFound", err)
	}
}

func TestDeleteFileMissingReturnsNotFound(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	v, err := m.Create(ctx, "u_1", CreateOptions{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := m.DeleteFile(ctx, v.ID, "missing.txt"); !errs.Is(err, errs.NotFound) {
		t.Fatalf("DeleteFile(missing) error = %v, want NotFound", err)
	}
}
