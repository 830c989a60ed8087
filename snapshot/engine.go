// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"

	"github.com/sandboxd/sandboxd/errs"
	"github.com/sandboxd/sandboxd/lib/clock"
	"github.com/sandboxd/sandboxd/lib/ids"
	"github.com/sandboxd/sandboxd/lib/retry"
	"github.com/sandboxd/sandboxd/storage"
)

// MetricsRecorder is the narrow interface the metrics package
// implements to receive the snapshot_* series, kept separate so this
// package does not need to import metrics.
type MetricsRecorder interface {
	IncSnapshotCreated()
	IncSnapshotRestored()
	ObserveSnapshotSize(bytes int64)
}

type noopMetrics struct{}

func (noopMetrics) IncSnapshotCreated()       {}
func (noopMetrics) IncSnapshotRestored()      {}
func (noopMetrics) ObserveSnapshotSize(int64) {}

// EngineConfig configures an Engine.
type EngineConfig struct {
	Backend storage.Backend
	Metrics MetricsRecorder

	// CompressionLevel is a libzstd-style level (1-22); the default,
	// per spec.md §4.2, is 10.
	CompressionLevel int

	// RetentionKeep is the default N passed to EnforceRetention after
	// every Create.
	RetentionKeep int

	// PreserveMTime controls whether archive entries carry their
	// original modification time or a fixed epoch stamp. The zero
	// value (false) writes the epoch stamp; cmd/sandboxd sets it to
	// true — see DESIGN.md's Open Question resolutions.
	PreserveMTime bool

	RetryPolicy retry.Policy
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Engine is the C2 snapshot engine.
type Engine struct {
	backend       storage.Backend
	level         zstd.EncoderLevel
	retentionKeep int
	preserveMTime bool
	retryPolicy   retry.Policy
	clock         clock.Clock
	log           *slog.Logger
	metrics       MetricsRecorder
}

// NewEngine constructs an Engine from cfg, applying defaults for any
// zero-valued field. PreserveMTime is not defaulted here since false
// is its own meaningful zero value; callers that want the spec's
// recommended default construct EngineConfig{PreserveMTime: true, ...}.
func NewEngine(cfg EngineConfig) *Engine {
	level := cfg.CompressionLevel
	if level == 0 {
		level = 10
	}
	keep := cfg.RetentionKeep
	if keep == 0 {
		keep = 5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Engine{
		backend:       cfg.Backend,
		level:         zstd.EncoderLevelFromZstd(level),
		retentionKeep: keep,
		preserveMTime: cfg.PreserveMTime,
		retryPolicy:   cfg.RetryPolicy,
		clock:         clk,
		log:           logger,
		metrics:       metrics,
	}
}

// Create walks workspacePath, streams a tar archive through a zstd
// compressor into the backend, records a metadata sidecar, and
// enforces retention. The caller is responsible for ensuring no
// writer is admitted against the workspace for the duration of the
// call (see sandbox.Sandbox's per-sandbox lock).
func (e *Engine) Create(ctx context.Context, userID, workspacePath string) (*Snapshot, error) {
	id := ids.Snapshot(e.clock.Now())
	key := archiveKey(userID, id)

	pr, pw := io.Pipe()
	hasher := newHasher()
	counter := &countingWriter{}
	mw := io.MultiWriter(pw, hasher, counter)

	zw, err := zstd.NewWriter(mw, zstd.WithEncoderLevel(e.level))
	if err != nil {
		pr.Close()
		return nil, errs.Wrap(errs.Fatal, err, "snapshot: creating zstd writer")
	}

	archiveErrCh := make(chan error, 1)
	go func() {
		err := func() error {
			tw := tar.NewWriter(zw)
			if err := writeArchive(workspacePath, tw, e.preserveMTime); err != nil {
				return err
			}
			if err := tw.Close(); err != nil {
				return err
			}
			return zw.Close()
		}()
		if err != nil {
			pw.CloseWithError(err)
			archiveErrCh <- err
			return
		}
		pw.Close()
		archiveErrCh <- nil
	}()

	// The archive is streamed through a pipe exactly once; retrying
	// this call would require replaying an already-consumed reader,
	// so transient-error retry for the archive bytes themselves is
	// the backend's own responsibility (the S3 driver retries each
	// part upload internally; see storage/s3.go).
	putErr := e.backend.Put(ctx, key, pr)
	archiveErr := <-archiveErrCh
	if archiveErr != nil {
		return nil, errs.Wrap(errs.Fatal, archiveErr, "snapshot: archiving %s", workspacePath)
	}
	if putErr != nil {
		return nil, errs.Wrap(errs.Fatal, putErr, "snapshot: storing archive for %s", id)
	}

	snap := &Snapshot{
		ID:        id,
		UserID:    userID,
		CreatedAt: e.clock.Now(),
		SizeBytes: counter.n,
		Digest:    sumDigest(hasher).String(),
	}

	metaBytes, err := json.Marshal(snap)
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, err, "snapshot: marshaling metadata for %s", id)
	}
	if err := retry.Do(ctx, e.retryPolicy, func(ctx context.Context) error {
		return e.backend.Put(ctx, metadataKey(userID, id), bytes.NewReader(metaBytes))
	}); err != nil {
		return nil, errs.Wrap(errs.Fatal, err, "snapshot: storing metadata for %s", id)
	}

	if err := e.EnforceRetention(ctx, userID, e.retentionKeep); err != nil {
		e.log.Warn("snapshot retention enforcement failed", "user_id", userID, "error", err)
	}

	e.metrics.IncSnapshotCreated()
	e.metrics.ObserveSnapshotSize(snap.SizeBytes)
	return snap, nil
}

// Restore extracts snapshotID's archive into a sibling temporary
// directory, then atomically replaces targetWorkspacePath with it.
// If anything fails, targetWorkspacePath is left untouched.
func (e *Engine) Restore(ctx context.Context, userID, snapshotID, targetWorkspacePath string) error {
	r, err := e.getArchive(ctx, userID, snapshotID)
	if err != nil {
		return err
	}
	defer r.Close()

	zr, err := zstd.NewReader(r)
	if err != nil {
		return errs.Wrap(errs.Fatal, err, "snapshot: creating zstd reader for %s", snapshotID)
	}
	defer zr.Close()

	tmpDir, err := os.MkdirTemp(filepath.Dir(targetWorkspacePath), ".restore-*")
	if err != nil {
		return errs.Wrap(errs.Fatal, err, "snapshot: creating restore temp dir")
	}
	cleanTmp := true
	defer func() {
		if cleanTmp {
			os.RemoveAll(tmpDir)
		}
	}()

	tr := tar.NewReader(zr)
	if err := extractArchive(tr, tmpDir); err != nil {
		return err
	}

	oldPath := targetWorkspacePath + ".replaced-" + snapshotID
	if _, err := os.Stat(targetWorkspacePath); err == nil {
		if err := os.Rename(targetWorkspacePath, oldPath); err != nil {
			return errs.Wrap(errs.Fatal, err, "snapshot: moving live workspace aside")
		}
	} else {
		oldPath = ""
	}

	if err := os.Rename(tmpDir, targetWorkspacePath); err != nil {
		if oldPath != "" {
			os.Rename(oldPath, targetWorkspacePath)
		}
		return errs.Wrap(errs.Fatal, err, "snapshot: promoting restored workspace")
	}
	cleanTmp = false

	if oldPath != "" {
		os.RemoveAll(oldPath)
	}
	e.metrics.IncSnapshotRestored()
	return nil
}

func (e *Engine) getArchive(ctx context.Context, userID, snapshotID string) (io.ReadCloser, error) {
	var r io.ReadCloser
	err := retry.Do(ctx, e.retryPolicy, func(ctx context.Context) error {
		got, err := e.backend.Get(ctx, archiveKey(userID, snapshotID))
		if err != nil {
			return err
		}
		r = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// List returns userID's snapshots ordered by CreatedAt descending.
func (e *Engine) List(ctx context.Context, userID string) ([]Snapshot, error) {
	keys, err := e.backend.List(ctx, "snapshots/"+userID+"/")
	if err != nil {
		return nil, err
	}

	var snaps []Snapshot
	for _, k := range keys {
		if filepath.Ext(k) != ".json" {
			continue
		}
		r, err := e.backend.Get(ctx, k)
		if err != nil {
			continue
		}
		var snap Snapshot
		decodeErr := json.NewDecoder(r).Decode(&snap)
		r.Close()
		if decodeErr != nil {
			continue
		}
		snaps = append(snaps, snap)
	}

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.After(snaps[j].CreatedAt) })
	return snaps, nil
}

// Delete removes snapshotID, verifying ownership implicitly through
// the user-scoped key prefix. Deleting an already-deleted or
// nonexistent snapshot is not an error.
func (e *Engine) Delete(ctx context.Context, userID, snapshotID string) error {
	if err := e.backend.Delete(ctx, archiveKey(userID, snapshotID)); err != nil {
		return err
	}
	return e.backend.Delete(ctx, metadataKey(userID, snapshotID))
}

// EnforceRetention deletes every snapshot beyond the keep most recent
// for userID.
func (e *Engine) EnforceRetention(ctx context.Context, userID string, keep int) error {
	snaps, err := e.List(ctx, userID)
	if err != nil {
		return err
	}
	if len(snaps) <= keep {
		return nil
	}
	var lastErr error
	for _, s := range snaps[keep:] {
		if err := e.Delete(ctx, userID, s.ID); err != nil {
			lastErr = err
			e.log.Warn("failed to delete snapshot past retention", "snapshot_id", s.ID, "error", err)
		}
	}
	return lastErr
}

// countingWriter counts bytes written through it; used to record
// SizeBytes alongside the digest without buffering the archive.
type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
