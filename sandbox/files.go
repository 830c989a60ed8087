// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/sandboxd/sandboxd/errs"
)

// DirEntry is one entry returned by ListDir.
type DirEntry struct {
	Name  string
	IsDir bool
	Size  int64
}

// resolveWorkspacePath maps a caller-supplied relative path onto a
// location inside root, rejecting anything whose canonical form
// escapes it: absolute paths, ".." segments, and symlinks that
// resolve outside root. A candidate that does not exist yet (the
// write_file case) is checked by resolving its parent directory
// instead, since the path itself has nothing to resolve.
func resolveWorkspacePath(root, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", errs.New(errs.InvalidArgument, "sandbox: path %q is absolute", rel)
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errs.New(errs.InvalidArgument, "sandbox: path %q escapes workspace", rel)
	}

	rootClean := filepath.Clean(root)
	candidate := filepath.Join(rootClean, clean)
	if candidate != rootClean && !strings.HasPrefix(candidate, rootClean+string(filepath.Separator)) {
		return "", errs.New(errs.InvalidArgument, "sandbox: path %q escapes workspace", rel)
	}

	resolvedRoot, err := filepath.EvalSymlinks(rootClean)
	if err != nil {
		return "", errs.Wrap(errs.Fatal, err, "sandbox: resolving workspace root")
	}

	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", errs.Wrap(errs.Fatal, err, "sandbox: resolving path %q", rel)
		}
		parent, perr := filepath.EvalSymlinks(filepath.Dir(candidate))
		if perr != nil {
			if os.IsNotExist(perr) {
				return "", errs.New(errs.NotFound, "sandbox: parent directory of %q does not exist", rel)
			}
			return "", errs.Wrap(errs.Fatal, perr, "sandbox: resolving parent of %q", rel)
		}
		if parent != resolvedRoot && !strings.HasPrefix(parent, resolvedRoot+string(filepath.Separator)) {
			return "", errs.New(errs.InvalidArgument, "sandbox: path %q escapes workspace", rel)
		}
		return candidate, nil
	}

	if resolved != resolvedRoot && !strings.HasPrefix(resolved, resolvedRoot+string(filepath.Separator)) {
		return "", errs.New(errs.InvalidArgument, "sandbox: path %q escapes workspace", rel)
	}
	return candidate, nil
}

func (m *Manager) resolve(sandboxID, path string) (string, error) {
	sbx, err := m.get(sandboxID)
	if err != nil {
		return "", err
	}
	sbx.mu.Lock()
	st, root := sbx.state, sbx.workspaceRoot
	sbx.mu.Unlock()
	if st != stateRunning {
		return "", errs.New(errs.PreconditionFailed, "sandbox: %s is not running", sandboxID)
	}
	return resolveWorkspacePath(root, path)
}

// workspaceRootFor returns sandboxID's workspace root for a storage
// recompute, without the running-state check resolve applies (a
// destroy in flight should still get one last accurate reading).
func (m *Manager) workspaceRootFor(sandboxID string) (string, error) {
	sbx, err := m.get(sandboxID)
	if err != nil {
		return "", err
	}
	sbx.mu.Lock()
	defer sbx.mu.Unlock()
	return sbx.workspaceRoot, nil
}

// workspaceSize sums the apparent size of every regular file under
// root, the same filepath.WalkDir shape writeArchive uses to build a
// snapshot, but totaling bytes instead of writing a tar entry.
func workspaceSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// recordStorageUsage recomputes sandboxID's workspace size and reports
// it to the quota manager. Walk failures are logged and otherwise
// ignored: a stale storage reading is preferable to failing the write
// or delete that triggered the recompute.
func (m *Manager) recordStorageUsage(sandboxID, root string) {
	size, err := workspaceSize(root)
	if err != nil {
		m.log.Warn("sandbox: computing workspace size failed", "sandbox_id", sandboxID, "error", err)
		return
	}
	m.quota.RecordStorage(sandboxID, size)
}

// WriteFile writes data to path inside sandboxID's workspace by
// writing a sibling temp file and renaming it over the target, the
// same atomic-replace idiom the storage backend uses for Put.
func (m *Manager) WriteFile(ctx context.Context, sandboxID, path string, data []byte) error {
	target, err := m.resolve(sandboxID, path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errs.Wrap(errs.Fatal, err, "sandbox: creating parent directory for %s", path)
	}

	tmp, err := os.CreateTemp(dir, ".write-*.tmp")
	if err != nil {
		return errs.Wrap(errs.Fatal, err, "sandbox: creating temp file for %s", path)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.Wrap(errs.Fatal, err, "sandbox: writing %s", path)
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.Fatal, err, "sandbox: closing temp file for %s", path)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return errs.Wrap(errs.Fatal, err, "sandbox: setting mode for %s", path)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return errs.Wrap(errs.Fatal, err, "sandbox: renaming into place for %s", path)
	}
	cleanup = false

	if root, rerr := m.workspaceRootFor(sandboxID); rerr == nil {
		m.recordStorageUsage(sandboxID, root)
	}
	return nil
}

// ReadFile returns the contents of path inside sandboxID's workspace.
func (m *Manager) ReadFile(ctx context.Context, sandboxID, path string) ([]byte, error) {
	target, err := m.resolve(sandboxID, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.NotFound, "sandbox: %s not found", path)
		}
		return nil, errs.Wrap(errs.Fatal, err, "sandbox: reading %s", path)
	}
	return data, nil
}

// ListDir lists path's immediate children inside sandboxID's
// workspace.
func (m *Manager) ListDir(ctx context.Context, sandboxID, path string) ([]DirEntry, error) {
	target, err := m.resolve(sandboxID, path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.NotFound, "sandbox: %s not found", path)
		}
		return nil, errs.Wrap(errs.Fatal, err, "sandbox: listing %s", path)
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, DirEntry{Name: e.Name(), IsDir: e.IsDir(), Size: info.Size()})
	}
	return out, nil
}

// DeleteFile removes path inside sandboxID's workspace.
func (m *Manager) DeleteFile(ctx context.Context, sandboxID, path string) error {
	target, err := m.resolve(sandboxID, path)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil {
		if os.IsNotExist(err) {
			return errs.New(errs.NotFound, "sandbox: %s not found", path)
		}
		return errs.Wrap(errs.Fatal, err, "sandbox: deleting %s", path)
	}
	if root, rerr := m.workspaceRootFor(sandboxID); rerr == nil {
		m.recordStorageUsage(sandboxID, root)
	}
	return nil
}
