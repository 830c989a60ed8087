// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sandboxd/sandboxd/errs"
)

// Local is a Backend rooted at a directory on the local filesystem.
// Keys are interpreted as slash-separated paths under Root; Put
// writes to a temporary file in the same directory as the final path
// and renames it into place, so a concurrent Get or List never
// observes a partially written object.
type Local struct {
	Root string
}

// NewLocal returns a Local backend rooted at root. The root directory
// is created if it does not exist.
func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, errs.Wrap(errs.Fatal, err, "storage: creating root %s", root)
	}
	return &Local{Root: root}, nil
}

func (l *Local) resolve(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return "", errs.New(errs.InvalidArgument, "storage: invalid key %q", key)
	}
	return filepath.Join(l.Root, filepath.FromSlash(key)), nil
}

func (l *Local) Put(ctx context.Context, key string, r io.Reader) error {
	path, err := l.resolve(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errs.Wrap(errs.Transient, err, "storage: creating directory %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".put-*.tmp")
	if err != nil {
		return errs.Wrap(errs.Transient, err, "storage: creating temp file in %s", dir)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return errs.Wrap(errs.Transient, err, "storage: writing %s", key)
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.Transient, err, "storage: closing temp file for %s", key)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errs.Wrap(errs.Transient, err, "storage: renaming into place for %s", key)
	}

	success = true
	return nil
}

func (l *Local) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := l.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.NotFound, "storage: key %q not found", key)
		}
		return nil, errs.Wrap(errs.Transient, err, "storage: opening %s", key)
	}
	return f, nil
}

func (l *Local) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(l.Root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.Root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasSuffix(key, ".tmp") && strings.Contains(filepath.Base(key), ".put-") {
			return nil
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.Transient, err, "storage: listing prefix %q", prefix)
	}
	sort.Strings(keys)
	return keys, nil
}

func (l *Local) Delete(ctx context.Context, key string) error {
	path, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.Transient, err, "storage: deleting %s", key)
	}
	return nil
}

func (l *Local) Exists(ctx context.Context, key string) (bool, error) {
	path, err := l.resolve(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errs.Wrap(errs.Transient, err, "storage: stat %s", key)
}
