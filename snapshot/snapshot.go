// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package snapshot implements the C2 snapshot engine: tar+zstd
// compressed workspace archives with retention, stored through a
// storage.Backend.
package snapshot

import "time"

// Snapshot describes one immutable workspace archive owned by a
// user.
type Snapshot struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	SizeBytes int64     `json:"size_bytes"`
	Digest    string    `json:"digest"`
}

func archiveKey(userID, id string) string {
	return "snapshots/" + userID + "/" + id + ".tar.zst"
}

func metadataKey(userID, id string) string {
	return "snapshots/" + userID + "/" + id + ".json"
}
