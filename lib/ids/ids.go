// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ids generates the opaque identifiers used across sandboxd:
// sandbox IDs, background job IDs, and timestamped snapshot IDs.
package ids

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sandbox generates a globally unique sandbox_id.
func Sandbox() string {
	return "sbx_" + uuid.NewString()
}

// Job generates a background job_id, unique within its owning
// sandbox (global uniqueness is a superset, so plain UUIDs suffice).
func Job() string {
	return "job_" + uuid.NewString()
}

// Snapshot generates a snapshot_id of the form
// snap_YYYY_MM_DD_HHMMSS_<rand>, where <rand> is the first eight
// characters of a UUID, per spec.md's filename template.
func Snapshot(at time.Time) string {
	rand := uuid.NewString()[:8]
	return fmt.Sprintf("snap_%s_%s", at.UTC().Format("2006_01_02_150405"), rand)
}
