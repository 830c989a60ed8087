// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads sandboxd's configuration from the environment
// variables of the control-plane contract (STORAGE_BACKEND,
// ISOLATION_BACKEND, WORKSPACES_ROOT, and friends), plus two optional
// on-disk files for policy too structured for a flat env var: a JSONC
// quota-policy file and a YAML isolation driver-profile file.
//
// There is no automatic discovery of either file; a path must be given
// explicitly via QUOTA_POLICY_FILE / DRIVER_PROFILE_FILE, and a missing
// path falls back to the conservative built-in defaults rather than
// searching well-known locations. This keeps the effective
// configuration auditable from the environment alone.
package config
