// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sandboxd/sandboxd/errs"
	"github.com/sandboxd/sandboxd/isolation"
)

// UpstreamDescriptor locates the in-sandbox server a preview port
// forwards to, as seen by the preview proxy (C6).
type UpstreamDescriptor struct {
	Network string // "tcp" or "unix"
	Address string
}

func containerUpstreamDescriptor(sandboxID string, port int) UpstreamDescriptor {
	return UpstreamDescriptor{Network: "tcp", Address: fmt.Sprintf("sandboxd-%s:%d", sandboxID, port)}
}

// healthProbe dials desc and reports whether the connection succeeds
// within timeout. A real deployment would consult the fallback
// container's published port directly; this package only needs to
// know the dial succeeds before retiring the old driver.
func healthProbe(ctx context.Context, desc UpstreamDescriptor, timeout time.Duration) error {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, desc.Network, desc.Address)
	if err != nil {
		return err
	}
	return conn.Close()
}

// RegisterPreview installs or overwrites the port -> upstream entry
// for sandboxID. Reads (PreviewUpstream) are lock-free; writes are
// serialized by the sandbox mutex and published via an atomic pointer
// swap, per spec.md §5's port-registry concurrency note.
func (m *Manager) RegisterPreview(sandboxID string, port int, upstream UpstreamDescriptor) error {
	if port < 1 || port > 65535 {
		return errs.New(errs.InvalidArgument, "sandbox: port %d out of range [1,65535]", port)
	}
	sbx, err := m.get(sandboxID)
	if err != nil {
		return err
	}
	sbx.mu.Lock()
	defer sbx.mu.Unlock()
	if sbx.state != stateRunning {
		return errs.New(errs.PreconditionFailed, "sandbox: %s is not running", sandboxID)
	}

	current := sbx.previews.Load()
	next := make(map[int]UpstreamDescriptor, len(*current)+1)
	for p, u := range *current {
		next[p] = u
	}
	next[port] = upstream
	sbx.previews.Store(&next)
	m.recordAudit("sandbox.preview.register", sandboxID, map[string]any{"port": port, "address": upstream.Address})
	return nil
}

// PreviewUpstream resolves sandboxID's registered upstream for port,
// reading the registry without acquiring the sandbox mutex.
func (m *Manager) PreviewUpstream(sandboxID string, port int) (UpstreamDescriptor, bool, error) {
	sbx, err := m.get(sandboxID)
	if err != nil {
		return UpstreamDescriptor{}, false, err
	}
	snapshot := sbx.previews.Load()
	if snapshot == nil {
		return UpstreamDescriptor{}, false, nil
	}
	u, ok := (*snapshot)[port]
	return u, ok, nil
}

// PromoteToFallback provisions a container-backed replica of
// sandboxID's workspace, health-checks it, and on success swaps it in
// as the sandbox's driver, updating the preview registry entry for
// port to the new upstream. The pre-promotion driver is stopped only
// after the swap commits.
func (m *Manager) PromoteToFallback(ctx context.Context, sandboxID string, port int) (UpstreamDescriptor, error) {
	if m.container == nil {
		return UpstreamDescriptor{}, errs.New(errs.Fatal, "sandbox: no container driver configured for fallback promotion")
	}

	sbx, err := m.get(sandboxID)
	if err != nil {
		return UpstreamDescriptor{}, err
	}

	sbx.mu.Lock()
	if sbx.state != stateRunning {
		sbx.mu.Unlock()
		return UpstreamDescriptor{}, errs.New(errs.PreconditionFailed, "sandbox: %s is not running", sandboxID)
	}
	if sbx.kind == isolation.KindContainer {
		sbx.mu.Unlock()
		return UpstreamDescriptor{}, errs.New(errs.PreconditionFailed, "sandbox: %s is already container-backed", sandboxID)
	}
	oldDriver, oldHandle := sbx.driver, sbx.handle
	workspaceRoot, userID, caps := sbx.workspaceRoot, sbx.userID, sbx.caps
	sbx.mu.Unlock()

	newHandle, err := m.container.Provision(ctx, sandboxID, userID, workspaceRoot, caps)
	if err != nil {
		return UpstreamDescriptor{}, errs.Wrap(errs.Fatal, err, "sandbox: provisioning fallback container for %s", sandboxID)
	}
	if err := m.container.Start(ctx, newHandle); err != nil {
		m.container.Destroy(ctx, newHandle, false)
		return UpstreamDescriptor{}, errs.Wrap(errs.Fatal, err, "sandbox: starting fallback container for %s", sandboxID)
	}

	newDescriptor := m.describeFallback(sandboxID, port)
	if err := healthProbe(ctx, newDescriptor, m.dialTimeout); err != nil {
		m.container.Destroy(ctx, newHandle, false)
		return UpstreamDescriptor{}, errs.Wrap(errs.Upstream, err, "sandbox: fallback container for %s did not become healthy", sandboxID)
	}

	sbx.mu.Lock()
	sbx.driver = m.container
	sbx.handle = newHandle
	sbx.kind = isolation.KindContainer
	current := sbx.previews.Load()
	next := make(map[int]UpstreamDescriptor, len(*current)+1)
	for p, u := range *current {
		next[p] = u
	}
	next[port] = newDescriptor
	sbx.previews.Store(&next)
	sbx.mu.Unlock()

	if err := oldDriver.Destroy(ctx, oldHandle, false); err != nil {
		m.log.Warn("sandbox: destroying pre-promotion driver handle failed", "sandbox_id", sandboxID, "error", err)
	}

	m.recordAudit("sandbox.exec.fallback", sandboxID, map[string]any{"port": port, "address": newDescriptor.Address})

	return newDescriptor, nil
}
