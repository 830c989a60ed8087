// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package api implements the C8 HTTP façades: thin JSON (and one
// WebSocket, one raw-bytes) endpoints that unmarshal a request,
// delegate to sandbox.Manager or snapshot.Engine, and marshal the
// result. No business logic lives here — every invariant is enforced
// by the core components this package calls into.
//
// Every request carries the caller's identity in the X-User-Id
// header (identity verification itself is out of scope, per
// spec.md's Non-goals — a reverse proxy or gateway in front of this
// service is expected to have already authenticated the caller and
// set this header). [Handler] rejects a missing header with 400 and
// enforces sandbox ownership by comparing it against the sandbox's
// recorded user_id, returning 404 rather than 403 on mismatch so a
// sandbox's existence is not leaked to a non-owner — matching
// spec.md §7's "does not exist or does not belong to caller" wording
// for NotFound.
//
// [Handler] also mounts the preview proxy (under /preview/) and the
// metrics registry (under /metrics) so a single listener serves every
// control-plane and data-plane route spec.md §6 names.
package api
