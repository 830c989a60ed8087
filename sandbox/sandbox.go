// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sandboxd/sandboxd/errs"
	"github.com/sandboxd/sandboxd/isolation"
	"github.com/sandboxd/sandboxd/lib/clock"
	"github.com/sandboxd/sandboxd/lib/ids"
	"github.com/sandboxd/sandboxd/quota"
	"github.com/sandboxd/sandboxd/snapshot"
)

// MetricsRecorder is the narrow interface the metrics package
// implements to receive the sandbox_* series, kept separate so this
// package does not need to import metrics.
type MetricsRecorder interface {
	IncSandboxCreated()
	IncSandboxActive(delta int)
	ObserveExec(sandboxID, command string, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) IncSandboxCreated()                        {}
func (noopMetrics) IncSandboxActive(int)                      {}
func (noopMetrics) ObserveExec(string, string, time.Duration) {}

// AuditRecorder is the narrow interface the audit package satisfies,
// kept separate so this package does not need to import audit. A
// Record failure is logged and otherwise ignored: audit trail gaps
// are a reliability concern for operators to notice, not a reason to
// fail the operation being audited.
type AuditRecorder interface {
	Record(kind, sandboxID string, metadata map[string]any) error
}

type noopAudit struct{}

func (noopAudit) Record(string, string, map[string]any) error { return nil }

// state is the sandbox's own lifecycle position, distinct from the
// isolation driver handle's state machine: a sandbox stays "running"
// while promotion swaps in a new container driver handle and destroys
// the old one.
type state string

const (
	stateCreating  state = "creating"
	stateRunning   state = "running"
	stateDestroyed state = "destroyed"
)

// Sandbox is one user's provisioned development environment. Every
// mutable field is guarded by mu except previews, which is read
// lock-free via an atomic pointer swap per spec.md §5's port-registry
// concurrency note.
type Sandbox struct {
	mu sync.Mutex

	id            string
	userID        string
	workspaceRoot string
	createdAt     time.Time

	driver isolation.Driver
	handle isolation.Handle
	kind   isolation.Kind
	caps   isolation.ResourceCaps

	state    state
	deadline time.Time

	jobs map[string]*backgroundJob

	previews atomic.Pointer[map[int]UpstreamDescriptor]
}

// View is the read-only snapshot of a Sandbox returned across the
// package boundary; callers never see the mutex or driver handle.
type View struct {
	ID        string
	UserID    string
	Kind      isolation.Kind
	State     string
	CreatedAt time.Time
	Deadline  time.Time
}

func (s *Sandbox) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return View{
		ID:        s.id,
		UserID:    s.userID,
		Kind:      s.kind,
		State:     string(s.state),
		CreatedAt: s.createdAt,
		Deadline:  s.deadline,
	}
}

// Manager owns every live Sandbox and the shared C1-C4 dependencies
// operations are built from.
type Manager struct {
	mu        sync.RWMutex
	sandboxes map[string]*Sandbox

	workspacesRoot string

	microvm   *isolation.MicroVMDriver
	container isolation.DaemonChecker
	process   *isolation.ProcessDriver

	// describeFallback resolves the upstream address a promoted
	// fallback container answers on. Defaults to
	// containerUpstreamDescriptor's docker-DNS hostname convention;
	// tests override it to point at a fake listener instead of relying
	// on a real docker network.
	describeFallback func(sandboxID string, port int) UpstreamDescriptor

	quota     *quota.Manager
	snapshots *snapshot.Engine
	clock     clock.Clock
	log       *slog.Logger
	metrics   MetricsRecorder
	audit     AuditRecorder

	execTimeout         time.Duration
	dialTimeout         time.Duration
	defaultKeepaliveTTL time.Duration
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	WorkspacesRoot string

	MicroVM   *isolation.MicroVMDriver
	Container *isolation.ContainerDriver
	Process   *isolation.ProcessDriver

	Quota     *quota.Manager
	Snapshots *snapshot.Engine
	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   MetricsRecorder
	Audit     AuditRecorder

	ExecTimeout         time.Duration
	DialTimeout         time.Duration
	DefaultKeepaliveTTL time.Duration
}

func NewManager(cfg ManagerConfig) *Manager {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	audit := cfg.Audit
	if audit == nil {
		audit = noopAudit{}
	}
	execTimeout := cfg.ExecTimeout
	if execTimeout <= 0 {
		execTimeout = 30 * time.Second
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	keepalive := cfg.DefaultKeepaliveTTL
	if keepalive <= 0 {
		keepalive = 15 * time.Minute
	}
	// container is left as a genuinely nil isolation.DaemonChecker when
	// unconfigured, never a nil *isolation.ContainerDriver boxed into
	// the interface — the same typed-nil trap the audit wiring avoids.
	var container isolation.DaemonChecker
	if cfg.Container != nil {
		container = cfg.Container
	}
	return &Manager{
		sandboxes:           make(map[string]*Sandbox),
		workspacesRoot:      cfg.WorkspacesRoot,
		microvm:             cfg.MicroVM,
		container:           container,
		describeFallback:    containerUpstreamDescriptor,
		process:             cfg.Process,
		quota:               cfg.Quota,
		snapshots:           cfg.Snapshots,
		clock:               clk,
		log:                 logger,
		metrics:             metrics,
		audit:               audit,
		execTimeout:         execTimeout,
		dialTimeout:         dialTimeout,
		defaultKeepaliveTTL: keepalive,
	}
}

// View returns sandboxID's externally visible state, used by the HTTP
// façade to verify caller ownership before delegating an operation.
func (m *Manager) View(sandboxID string) (View, error) {
	sbx, err := m.get(sandboxID)
	if err != nil {
		return View{}, err
	}
	return sbx.View(), nil
}

// ListByUser returns a View of every sandbox owned by userID, used by
// the HTTP façade's listing endpoint and by sandboxctl's dashboard.
func (m *Manager) ListByUser(userID string) []View {
	m.mu.RLock()
	defer m.mu.RUnlock()
	views := make([]View, 0)
	for _, sbx := range m.sandboxes {
		v := sbx.View()
		if v.UserID == userID {
			views = append(views, v)
		}
	}
	return views
}

// ListAll returns a View of every live sandbox across every user,
// used by the operator status page.
func (m *Manager) ListAll() []View {
	m.mu.RLock()
	defer m.mu.RUnlock()
	views := make([]View, 0, len(m.sandboxes))
	for _, sbx := range m.sandboxes {
		views = append(views, sbx.View())
	}
	return views
}

// Count reports the number of currently live sandboxes.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sandboxes)
}

// DriverReachable reports whether the isolation driver Create would
// select right now is actually usable, mirroring isolation.Select's
// own precedence without provisioning anything. Backs the api
// package's readiness check.
func (m *Manager) DriverReachable(ctx context.Context) bool {
	if m.microvm != nil && m.microvm.Available() {
		return true
	}
	if m.container != nil && m.container.DaemonReachable(ctx) {
		return true
	}
	return m.process != nil
}

// recordAudit appends one audit event, logging a warning on failure
// per AuditRecorder's documented contract rather than discarding the
// error silently.
func (m *Manager) recordAudit(kind, sandboxID string, metadata map[string]any) {
	if err := m.audit.Record(kind, sandboxID, metadata); err != nil {
		m.log.Warn("sandbox: audit record failed", "kind", kind, "sandbox_id", sandboxID, "error", err)
	}
}

func (m *Manager) get(sandboxID string) (*Sandbox, error) {
	m.mu.RLock()
	sbx, ok := m.sandboxes[sandboxID]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.NotFound, "sandbox: %s not found", sandboxID)
	}
	return sbx, nil
}

// CreateOptions parameterizes Create.
type CreateOptions struct {
	Caps         isolation.ResourceCaps
	KeepaliveTTL time.Duration
}

// Create allocates a sandbox_id, provisions a workspace root and an
// isolation driver handle, registers a quota bucket, and transitions
// the sandbox to running. Per spec.md §4.5.
func (m *Manager) Create(ctx context.Context, userID string, opts CreateOptions) (View, error) {
	id := ids.Sandbox()

	// The fleet-wide cap is checked before any workspace or driver
	// resources are touched, so a daemon already at capacity fails
	// fast instead of doing wasted provisioning work.
	if err := m.quota.AdmitCreate(id, userID); err != nil {
		return View{}, err
	}

	workspaceRoot := filepath.Join(m.workspacesRoot, id)

	if err := os.MkdirAll(workspaceRoot, 0o700); err != nil {
		m.quota.Forget(id)
		return View{}, errs.Wrap(errs.Fatal, err, "sandbox: creating workspace root for %s", id)
	}
	if err := os.Chmod(workspaceRoot, 0o700); err != nil {
		m.quota.Forget(id)
		return View{}, errs.Wrap(errs.Fatal, err, "sandbox: setting workspace root mode for %s", id)
	}

	driver, kind := isolation.Select(ctx, m.microvm, m.container, m.process)
	handle, err := driver.Provision(ctx, id, userID, workspaceRoot, opts.Caps)
	if err != nil {
		os.RemoveAll(workspaceRoot)
		m.quota.Forget(id)
		return View{}, errs.Wrap(errs.Fatal, err, "sandbox: provisioning %s", id)
	}
	if err := driver.Start(ctx, handle); err != nil {
		driver.Destroy(ctx, handle, true)
		m.quota.Forget(id)
		return View{}, errs.Wrap(errs.Fatal, err, "sandbox: starting %s", id)
	}

	ttl := opts.KeepaliveTTL
	if ttl <= 0 {
		ttl = m.defaultKeepaliveTTL
	}

	now := m.clock.Now()
	sbx := &Sandbox{
		id:            id,
		userID:        userID,
		workspaceRoot: workspaceRoot,
		createdAt:     now,
		driver:        driver,
		handle:        handle,
		kind:          kind,
		caps:          opts.Caps,
		state:         stateRunning,
		deadline:      now.Add(ttl),
		jobs:          make(map[string]*backgroundJob),
	}
	empty := map[int]UpstreamDescriptor{}
	sbx.previews.Store(&empty)

	m.mu.Lock()
	m.sandboxes[id] = sbx
	m.mu.Unlock()

	m.metrics.IncSandboxCreated()
	m.metrics.IncSandboxActive(1)
	m.recordAudit("sandbox.created", id, nil)

	return sbx.View(), nil
}

// Exec validates running state, admits against the quota manager,
// delegates to the driver, and releases admission, recording the exec
// histogram/counter regardless of outcome.
func (m *Manager) Exec(ctx context.Context, sandboxID string, argv []string, stdin []byte, timeout time.Duration) (isolation.ExecResult, error) {
	sbx, err := m.get(sandboxID)
	if err != nil {
		return isolation.ExecResult{}, err
	}

	sbx.mu.Lock()
	st := sbx.state
	driver, handle, userID := sbx.driver, sbx.handle, sbx.userID
	sbx.mu.Unlock()
	if st != stateRunning {
		return isolation.ExecResult{}, errs.New(errs.PreconditionFailed, "sandbox: %s is not running", sandboxID)
	}

	if err := m.quota.AdmitExec(ctx, sandboxID, userID); err != nil {
		m.recordAudit("sandbox.exec.denied", sandboxID, map[string]any{"reason": "quota"})
		return isolation.ExecResult{}, err
	}
	defer m.quota.ReleaseExec(sandboxID)

	if timeout <= 0 {
		timeout = m.execTimeout
	}

	command := ""
	if len(argv) > 0 {
		command = argv[0]
	}

	start := m.clock.Now()
	res, err := driver.Exec(ctx, handle, argv, stdin, timeout)
	m.metrics.ObserveExec(sandboxID, command, m.clock.Now().Sub(start))
	m.quota.RecordCPU(sandboxID, res.CPUSeconds)
	if res.MemoryBytes > 0 {
		m.quota.RecordMemoryEstimate(sandboxID, res.MemoryBytes)
	}
	if err != nil {
		m.recordAudit("sandbox.exec.failed", sandboxID, map[string]any{"command": command, "error": err.Error()})
	} else {
		m.recordAudit("sandbox.exec.success", sandboxID, map[string]any{"command": command, "exit_code": res.ExitCode})
	}
	return res, err
}

// Keepalive extends sandboxID's reap deadline by ttlSeconds from now.
func (m *Manager) Keepalive(sandboxID string, ttlSeconds int) error {
	sbx, err := m.get(sandboxID)
	if err != nil {
		return err
	}
	sbx.mu.Lock()
	defer sbx.mu.Unlock()
	if sbx.state != stateRunning {
		return errs.New(errs.PreconditionFailed, "sandbox: %s is not running", sandboxID)
	}
	sbx.deadline = m.clock.Now().Add(time.Duration(ttlSeconds) * time.Second)
	m.recordAudit("sandbox.keepalive", sandboxID, map[string]any{"ttl_seconds": ttlSeconds})
	return nil
}

// Mount requests a host bind inside sandboxID's isolation unit.
func (m *Manager) Mount(ctx context.Context, sandboxID, hostPath, guestPath string, readOnly bool) error {
	sbx, err := m.get(sandboxID)
	if err != nil {
		return err
	}
	sbx.mu.Lock()
	driver, handle := sbx.driver, sbx.handle
	sbx.mu.Unlock()
	if err := driver.Mount(ctx, handle, hostPath, guestPath, readOnly); err != nil {
		return err
	}
	m.recordAudit("sandbox.mount", sandboxID, map[string]any{"host_path": hostPath, "guest_path": guestPath, "read_only": readOnly})
	return nil
}

// OpenTerminal returns a bidirectional byte stream into sandboxID's
// isolation unit for an interactive session.
func (m *Manager) OpenTerminal(ctx context.Context, sandboxID string) (io.ReadWriteCloser, error) {
	sbx, err := m.get(sandboxID)
	if err != nil {
		return nil, err
	}
	sbx.mu.Lock()
	st := sbx.state
	driver, handle := sbx.driver, sbx.handle
	sbx.mu.Unlock()
	if st != stateRunning {
		return nil, errs.New(errs.PreconditionFailed, "sandbox: %s is not running", sandboxID)
	}
	return driver.OpenStream(ctx, handle)
}

// CreateSnapshot archives sandboxID's workspace through the configured
// snapshot engine. Holding sbx.mu for the archive's duration is the
// per-sandbox lock spec.md §4.2's create operation pauses writers
// against: no WriteFile or Exec admission can proceed concurrently.
func (m *Manager) CreateSnapshot(ctx context.Context, sandboxID string) (*snapshot.Snapshot, error) {
	sbx, err := m.get(sandboxID)
	if err != nil {
		return nil, err
	}
	sbx.mu.Lock()
	defer sbx.mu.Unlock()
	if sbx.state != stateRunning {
		return nil, errs.New(errs.PreconditionFailed, "sandbox: %s is not running", sandboxID)
	}
	if m.snapshots == nil {
		return nil, errs.New(errs.Fatal, "sandbox: no snapshot engine configured")
	}
	return m.snapshots.Create(ctx, sbx.userID, sbx.workspaceRoot)
}

// RestoreSnapshot replaces sandboxID's workspace with snapshotID's
// contents, under the same per-sandbox lock CreateSnapshot uses.
func (m *Manager) RestoreSnapshot(ctx context.Context, sandboxID, snapshotID string) error {
	sbx, err := m.get(sandboxID)
	if err != nil {
		return err
	}
	sbx.mu.Lock()
	defer sbx.mu.Unlock()
	if sbx.state != stateRunning {
		return errs.New(errs.PreconditionFailed, "sandbox: %s is not running", sandboxID)
	}
	if m.snapshots == nil {
		return errs.New(errs.Fatal, "sandbox: no snapshot engine configured")
	}
	if err := m.snapshots.Restore(ctx, sbx.userID, snapshotID, sbx.workspaceRoot); err != nil {
		return err
	}
	m.recordStorageUsage(sandboxID, sbx.workspaceRoot)
	return nil
}

// Destroy stops every background job, tears down the driver handle,
// drops the quota bucket, and removes sandboxID from the registry.
// When snapshotFirst is true, a snapshot of the workspace is taken
// before teardown; a failure there is logged but does not block
// destruction. A Destroy that finds the sandbox already marked
// destroyed by a concurrent Destroy returns nil; once the sandbox has
// been removed from the registry, Destroy returns NotFound.
func (m *Manager) Destroy(ctx context.Context, sandboxID string, snapshotFirst bool) error {
	sbx, err := m.get(sandboxID)
	if err != nil {
		return err
	}

	sbx.mu.Lock()
	if sbx.state == stateDestroyed {
		sbx.mu.Unlock()
		return nil
	}
	sbx.stopAllJobsLocked()
	sbx.state = stateDestroyed
	driver, handle := sbx.driver, sbx.handle
	workspaceRoot, userID := sbx.workspaceRoot, sbx.userID
	sbx.mu.Unlock()

	if snapshotFirst && m.snapshots != nil {
		if _, err := m.snapshots.Create(ctx, userID, workspaceRoot); err != nil {
			m.log.Warn("sandbox: pre-destroy snapshot failed", "sandbox_id", sandboxID, "error", err)
		}
	}

	if err := driver.Destroy(ctx, handle, true); err != nil {
		m.log.Warn("sandbox: driver teardown failed", "sandbox_id", sandboxID, "error", err)
	}

	m.quota.Forget(sandboxID)

	m.mu.Lock()
	delete(m.sandboxes, sandboxID)
	m.mu.Unlock()

	m.metrics.IncSandboxActive(-1)
	m.recordAudit("sandbox.destroyed", sandboxID, map[string]any{"snapshot_first": snapshotFirst})
	return nil
}

// RunReaper blocks, reaping past-deadline sandboxes with no running
// background jobs every interval, until ctx is cancelled. Callers run
// it in its own goroutine.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapExpired(ctx)
		}
	}
}

func (m *Manager) reapExpired(ctx context.Context) {
	now := m.clock.Now()

	m.mu.RLock()
	candidates := make([]string, 0, len(m.sandboxes))
	for id, sbx := range m.sandboxes {
		sbx.mu.Lock()
		expired := sbx.state == stateRunning && now.After(sbx.deadline) && sbx.runningJobCountLocked() == 0
		sbx.mu.Unlock()
		if expired {
			candidates = append(candidates, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range candidates {
		m.log.Info("sandbox: reaping past-deadline sandbox", "sandbox_id", id)
		if err := m.Destroy(ctx, id, false); err != nil {
			m.log.Warn("sandbox: reap failed", "sandbox_id", id, "error", err)
		}
	}
}
