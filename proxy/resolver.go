// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"strconv"
	"strings"

	"github.com/sandboxd/sandboxd/sandbox"
)

// Resolver looks up the upstream descriptor registered for a sandbox's
// preview port and promotes a sandbox to its container fallback when
// the current upstream stops answering. *sandbox.Manager satisfies
// this interface; tests substitute a fake.
type Resolver interface {
	PreviewUpstream(sandboxID string, port int) (sandbox.UpstreamDescriptor, bool, error)
	PromoteToFallback(ctx context.Context, sandboxID string, port int) (sandbox.UpstreamDescriptor, error)
}

// parsePreviewPath splits "/preview/<sandbox_id>/<port>/<rest...>" into
// its components. rest is returned with a leading slash, defaulting to
// "/" when the request targets the upstream's root.
func parsePreviewPath(urlPath string) (sandboxID string, port int, rest string, ok bool) {
	const prefix = "/preview/"
	if !strings.HasPrefix(urlPath, prefix) {
		return "", 0, "", false
	}
	trimmed := strings.TrimPrefix(urlPath, prefix)
	parts := strings.SplitN(trimmed, "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", 0, "", false
	}
	p, err := strconv.Atoi(parts[1])
	if err != nil || p <= 0 || p > 65535 {
		return "", 0, "", false
	}
	rest = "/"
	if len(parts) == 3 && parts[2] != "" {
		rest = "/" + parts[2]
	}
	return parts[0], p, rest, true
}
