// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sandboxd/sandboxd/errs"
	"github.com/sandboxd/sandboxd/isolation"
)

// fakeContainerHandle and fakeContainerDriver stand in for a real
// docker-backed isolation.ContainerDriver, letting a promotion test
// exercise the full provision/start/health-probe/swap sequence without
// a container runtime.
type fakeContainerHandle struct {
	id    string
	state isolation.State
}

func (h *fakeContainerHandle) ID() string {
	return h.id
}

func (h *fakeContainerHandle) Kind() isolation.Kind {
	return isolation.KindContainer
}

func (h *fakeContainerHandle) State() isolation.State {
	return h.state
}

type fakeContainerDriver struct {
	mu        sync.Mutex
	destroyed []string
}

func (d *fakeContainerDriver) Provision(ctx context.Context, sandboxID, userID, workspaceRoot string, caps isolation.ResourceCaps) (isolation.Handle, error) {
	return &fakeContainerHandle{id: sandboxID, state: isolation.StateProvisioned}, nil
}

func (d *fakeContainerDriver) Start(ctx context.Context, h isolation.Handle) error {
	h.(*fakeContainerHandle).state = isolation.StateRunning
	return nil
}

func (d *fakeContainerDriver) Pause(ctx context.Context, h isolation.Handle) error  { return nil }
func (d *fakeContainerDriver) Resume(ctx context.Context, h isolation.Handle) error { return nil }
func (d *fakeContainerDriver) Stop(ctx context.Context, h isolation.Handle) error   { return nil }

func (d *fakeContainerDriver) Exec(ctx context.Context, h isolation.Handle, argv []string, stdin []byte, timeout time.Duration) (isolation.ExecResult, error) {
	return isolation.ExecResult{}, nil
}

func (d *fakeContainerDriver) OpenStream(ctx context.Context, h isolation.Handle) (io.ReadWriteCloser, error) {
	return nil, nil
}

func (d *fakeContainerDriver) Mount(ctx context.Context, h isolation.Handle, hostPath, guestPath string, readOnly bool) error {
	return nil
}

func (d *fakeContainerDriver) Destroy(ctx context.Context, h isolation.Handle, removeWorkspace bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	h.(*fakeContainerHandle).state = isolation.StateDestroyed
	d.destroyed = append(d.destroyed, h.ID())
	return nil
}

func (d *fakeContainerDriver) DaemonReachable(ctx context.Context) bool { return true }

func TestRegisterAndResolvePreview(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	v, err := m.Create(ctx, "u_1", CreateOptions{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	desc := UpstreamDescriptor{Network: "tcp", Address: "127.0.0.1:9000"}
	if err := m.RegisterPreview(v.ID, 8080, desc); err != nil {
		t.Fatalf("RegisterPreview() error = %v", err)
	}

	got, ok, err := m.PreviewUpstream(v.ID, 8080)
	if err != nil {
		t.Fatalf("PreviewUpstream() error = %v", err)
	}
	if !ok {
		t.Fatal("PreviewUpstream() reported not found for a registered port")
	}
	if got != desc {
		t.Fatalf("PreviewUpstream() = %+v, want %+v", got, desc)
	}

	if _, ok, err := m.PreviewUpstream(v.ID, 9999); err != nil || ok {
		t.Fatalf("PreviewUpstream(unregistered) = (%+v, %v), want (_, false)", ok, err)
	}
}

func TestRegisterPreviewOverwritesExistingPort(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	v, err := m.Create(ctx, "u_1", CreateOptions{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	first := UpstreamDescriptor{Network: "tcp", Address: "127.0.0.1:9000"}
	second := UpstreamDescriptor{Network: "tcp", Address: "127.0.0.1:9001"}
	if err := m.RegisterPreview(v.ID, 8080, first); err != nil {
		t.Fatal(err)
	}
	if err := m.RegisterPreview(v.ID, 8080, second); err != nil {
		t.Fatal(err)
	}

	got, ok, err := m.PreviewUpstream(v.ID, 8080)
	if err != nil || !ok {
		t.Fatalf("PreviewUpstream() = (%+v, %v, %v)", got, ok, err)
	}
	if got != second {
		t.Fatalf("PreviewUpstream() = %+v, want overwritten %+v", got, second)
	}
}

func TestPromoteToFallbackWithoutContainerDriverFails(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	v, err := m.Create(ctx, "u_1", CreateOptions{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := m.PromoteToFallback(ctx, v.ID, 8080); !errs.Is(err, errs.Fatal) {
		t.Fatalf("PromoteToFallback() error = %v, want Fatal (no container driver configured)", err)
	}
}

func TestPromoteToFallbackRejectsAlreadyContainerBacked(t *testing.T) {
	m, _ := newTestManager(t)
	var err error
	m.container, err = isolation.NewContainerDriver("scratch", "", "", nil)
	if err != nil {
		t.Fatalf("NewContainerDriver() error = %v", err)
	}
	ctx := context.Background()

	v, err := m.Create(ctx, "u_1", CreateOptions{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	sbx, err := m.get(v.ID)
	if err != nil {
		t.Fatal(err)
	}
	sbx.mu.Lock()
	sbx.kind = isolation.KindContainer
	sbx.mu.Unlock()

	if _, err := m.PromoteToFallback(ctx, v.ID, 8080); !errs.Is(err, errs.PreconditionFailed) {
		t.Fatalf("PromoteToFallback() error = %v, want PreconditionFailed", err)
	}
}

func TestPromoteToFallbackSwapsDriverOnHealthySuccess(t *testing.T) {
	m, _ := newTestManager(t)
	fake := &fakeContainerDriver{}
	m.container = fake
	ctx := context.Background()

	v, err := m.Create(ctx, "u_1", CreateOptions{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	sbx, err := m.get(v.ID)
	if err != nil {
		t.Fatal(err)
	}
	sbx.mu.Lock()
	oldDriver, oldHandle := sbx.driver, sbx.handle
	sbx.mu.Unlock()
	if _, ok := oldDriver.(*isolation.ProcessDriver); !ok {
		t.Fatalf("pre-promotion driver = %T, want *isolation.ProcessDriver", oldDriver)
	}

	// Stand in for the promoted container's health-check endpoint: a
	// real listener the fake driver has no way to wire up itself, since
	// it never actually binds a port.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	m.describeFallback = func(sandboxID string, port int) UpstreamDescriptor {
		return UpstreamDescriptor{Network: "tcp", Address: ln.Addr().String()}
	}

	desc, err := m.PromoteToFallback(ctx, v.ID, 8080)
	if err != nil {
		t.Fatalf("PromoteToFallback() error = %v", err)
	}
	if desc.Address != ln.Addr().String() {
		t.Fatalf("PromoteToFallback() address = %q, want %q", desc.Address, ln.Addr().String())
	}

	sbx.mu.Lock()
	newDriver, newKind := sbx.driver, sbx.kind
	sbx.mu.Unlock()
	if newKind != isolation.KindContainer {
		t.Fatalf("sandbox kind = %q, want container", newKind)
	}
	if newDriver != fake {
		t.Fatalf("sandbox driver = %T, want the promoted fake container driver", newDriver)
	}

	if oldHandle.State() != isolation.StateDestroyed {
		t.Fatalf("pre-promotion handle state = %q, want destroyed", oldHandle.State())
	}
	if len(fake.destroyed) != 0 {
		t.Fatalf("fake container driver destroyed = %v, want none: only the old driver is torn down on success", fake.destroyed)
	}

	got, ok, err := m.PreviewUpstream(v.ID, 8080)
	if err != nil || !ok {
		t.Fatalf("PreviewUpstream() = (%+v, %v, %v)", got, ok, err)
	}
	if got != desc {
		t.Fatalf("PreviewUpstream() = %+v, want %+v", got, desc)
	}
}
