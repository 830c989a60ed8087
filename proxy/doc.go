// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package proxy implements the C6 preview proxy: a public HTTP surface
// that forwards requests (and WebSocket upgrades) to the in-sandbox
// server listening on a registered preview port.
//
// Requests arrive shaped as "<method> /preview/<sandbox_id>/<port>/<path>".
// [Handler] resolves (sandbox_id, port) against a [Resolver] (satisfied by
// *sandbox.Manager), strips the prefix, and forwards the remainder
// verbatim — query string, headers minus hop-by-hop, and body — to the
// upstream descriptor the resolver returns. Response headers and status
// code are forwarded back unmodified; successful response bodies are
// streamed without buffering the whole body (see Handler.streamResponse).
//
// A failed upstream dial or a 502/503 answer counts as one consecutive
// failure for the (sandbox_id, port) target and is answered with a 502.
// When a failure brings the count to errorBudget (3), the handler
// instead asks the resolver to promote the sandbox to its container
// fallback and retries exactly once against the new upstream before
// giving up with a 502. Any success resets the count.
//
// WebSocket upgrades are relayed by [Handler.serveWebSocket]: the
// handler first dials the upstream's WebSocket endpoint, and only
// upgrades the client connection once that dial succeeds, so a failed
// dial can still be retried against a promoted fallback.
//
// [Server] wraps a Handler in a net/http server with graceful shutdown
// and systemd readiness notification.
package proxy
