// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox implements the C5 sandbox runtime: per-sandbox
// workspace file operations, exec, background jobs, the preview-port
// registry, and lifecycle supervision (create, keepalive, destroy,
// promotion to the container fallback driver) on top of the C1
// storage backend, C2 snapshot engine, C3 isolation drivers, and C4
// quota manager.
package sandbox
