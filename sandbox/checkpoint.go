// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// CheckpointRecord is one sandbox's durable identity as of the last
// checkpoint: enough for a restarted daemon to recognize which
// isolation driver handles might still be alive, not enough to
// reconstruct exec/quota state (that is rebuilt fresh on first use).
type CheckpointRecord struct {
	ID        string
	UserID    string
	Kind      string
	Deadline  int64
	CreatedAt int64
}

// WriteCheckpoint CBOR-encodes every live sandbox's CheckpointRecord
// to path, via temp file + rename so a crash mid-write never leaves a
// truncated checkpoint behind — the same durability shape as a prior
// implementation's cache pin files.
func (m *Manager) WriteCheckpoint(path string) error {
	views := m.ListAll()
	records := make([]CheckpointRecord, len(views))
	for i, v := range views {
		records[i] = CheckpointRecord{
			ID:        v.ID,
			UserID:    v.UserID,
			Kind:      string(v.Kind),
			Deadline:  v.Deadline.Unix(),
			CreatedAt: v.CreatedAt.Unix(),
		}
	}

	data, err := cbor.Marshal(records)
	if err != nil {
		return fmt.Errorf("sandbox: encoding checkpoint: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("sandbox: creating checkpoint directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("sandbox: creating temp checkpoint file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("sandbox: writing checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("sandbox: closing temp checkpoint file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("sandbox: renaming checkpoint file: %w", err)
	}
	success = true
	return nil
}

// ReadCheckpoint decodes a previously written checkpoint file. A
// missing file is reported as a nil, nil result rather than an error:
// a daemon's first-ever start has nothing to recover.
func ReadCheckpoint(path string) ([]CheckpointRecord, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sandbox: reading checkpoint: %w", err)
	}
	var records []CheckpointRecord
	if err := cbor.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("sandbox: decoding checkpoint: %w", err)
	}
	return records, nil
}

// RunCheckpointer blocks, writing a checkpoint of the live registry to
// path every interval until ctx is cancelled. A write failure is
// logged and otherwise ignored: a stale checkpoint is a recoverability
// regression, not a reason to stop serving traffic.
func (m *Manager) RunCheckpointer(ctx context.Context, path string, interval time.Duration) {
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.WriteCheckpoint(path); err != nil {
				m.log.Warn("sandbox: checkpoint write failed", "path", path, "error", err)
			}
		}
	}
}
