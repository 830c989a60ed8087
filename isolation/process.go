// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package isolation

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/sandboxd/sandboxd/errs"
)

// ProcessDriver is the fallback isolation driver: it runs commands as
// plain child processes with their working directory set to the
// sandbox workspace. It claims no kernel-level isolation, so every
// Exec argv[0] is checked against AllowList and rejected otherwise —
// this is the one mandatory safeguard spec.md §4.3 requires of this
// driver.
//
// When ConfineWithFUSE is set, Provision additionally mounts the
// workspace through a go-fuse loopback filesystem at a private
// mountpoint and runs children with that mountpoint as their working
// directory, so a child that resolves ".." past its cwd still lands
// inside the FUSE-served view of the workspace rather than the host
// filesystem (it does not stop a child that opens absolute host paths
// directly — this driver does not claim that).
//
// When bubblewrap is available on the host (UseBwrap, defaulted from
// DetectCapabilities), Exec and OpenStream additionally run the child
// inside a bwrap sandbox that unshares the pid/net/ipc/uts namespaces
// and binds only the workspace and the base system libraries — real
// kernel isolation layered on top of the allow-list, not a replacement
// for it. Falls back to a plain child process when bwrap is absent.
type ProcessDriver struct {
	AllowList       []string
	ConfineWithFUSE bool
	UseBwrap        bool
	Logger          *slog.Logger

	mu      sync.Mutex
	handles map[string]*processHandle
}

// NewProcessDriver constructs a ProcessDriver. allowList must be
// non-empty for any Exec call to ever succeed; an empty list rejects
// everything, which is the safe default for an unconfigured
// deployment.
func NewProcessDriver(allowList []string, confineWithFUSE bool, logger *slog.Logger) *ProcessDriver {
	if logger == nil {
		logger = slog.Default()
	}
	caps := DetectCapabilities()
	return &ProcessDriver{
		AllowList:       allowList,
		ConfineWithFUSE: confineWithFUSE,
		UseBwrap:        caps.BwrapAvailable && caps.UserNamespacesEnabled,
		Logger:          logger,
		handles:         make(map[string]*processHandle),
	}
}

type processHandle struct {
	mu            sync.Mutex
	id            string
	workspaceRoot string
	state         State

	// execRoot is where children actually run: either workspaceRoot,
	// or the FUSE mountpoint confining it.
	execRoot string

	fuseServer *fuse.Server
	mountpoint string

	// pgid is the process group of the most recently started command
	// (from Exec or OpenStream), used by Pause/Resume/Stop. Zero if
	// nothing has run yet.
	pgid int

	caps ResourceCaps
}

func (h *processHandle) ID() string  { return h.id }
func (h *processHandle) Kind() Kind  { return KindProcess }
func (h *processHandle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func asProcessHandle(h Handle) (*processHandle, error) {
	ph, ok := h.(*processHandle)
	if !ok {
		return nil, errs.New(errs.InvalidArgument, "isolation: handle is not a process driver handle")
	}
	return ph, nil
}

func (d *ProcessDriver) Provision(ctx context.Context, sandboxID, userID, workspaceRoot string, caps ResourceCaps) (Handle, error) {
	if err := os.MkdirAll(workspaceRoot, 0o700); err != nil {
		return nil, errs.Wrap(errs.Fatal, err, "isolation: creating workspace root %s", workspaceRoot)
	}

	h := &processHandle{
		id:            sandboxID,
		workspaceRoot: workspaceRoot,
		state:         StateProvisioned,
		execRoot:      workspaceRoot,
		caps:          caps,
	}

	if d.ConfineWithFUSE {
		mountpoint := filepath.Join(filepath.Dir(workspaceRoot), ".fuse-"+sandboxID)
		if err := os.MkdirAll(mountpoint, 0o700); err != nil {
			return nil, errs.Wrap(errs.Fatal, err, "isolation: creating FUSE mountpoint %s", mountpoint)
		}
		loopback, err := gofuse.NewLoopbackRoot(workspaceRoot)
		if err != nil {
			return nil, errs.Wrap(errs.Fatal, err, "isolation: constructing loopback root for %s", workspaceRoot)
		}
		server, err := gofuse.Mount(mountpoint, loopback, &gofuse.Options{})
		if err != nil {
			return nil, errs.Wrap(errs.Transient, err, "isolation: mounting FUSE confinement at %s", mountpoint)
		}
		h.fuseServer = server
		h.mountpoint = mountpoint
		h.execRoot = mountpoint
	}

	d.mu.Lock()
	d.handles[h.id] = h
	d.mu.Unlock()

	return h, nil
}

func (d *ProcessDriver) Start(ctx context.Context, handle Handle) error {
	h, err := asProcessHandle(handle)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateRunning {
		return nil // idempotent
	}
	if err := checkTransition(h.state, StateRunning); err != nil {
		return err
	}
	h.state = StateRunning
	return nil
}

func (d *ProcessDriver) Stop(ctx context.Context, handle Handle) error {
	h, err := asProcessHandle(handle)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateStopped {
		return nil // idempotent
	}
	if err := checkTransition(h.state, StateStopped); err != nil {
		return err
	}
	if h.pgid != 0 {
		syscall.Kill(-h.pgid, syscall.SIGTERM)
	}
	h.state = StateStopped
	return nil
}

func (d *ProcessDriver) Pause(ctx context.Context, handle Handle) error {
	h, err := asProcessHandle(handle)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StatePaused {
		return nil // idempotent
	}
	if err := checkTransition(h.state, StatePaused); err != nil {
		return err
	}
	if h.pgid != 0 {
		if err := syscall.Kill(-h.pgid, syscall.SIGSTOP); err != nil {
			return errs.Wrap(errs.Fatal, err, "isolation: pausing process group %d", h.pgid)
		}
	}
	h.state = StatePaused
	return nil
}

func (d *ProcessDriver) Resume(ctx context.Context, handle Handle) error {
	h, err := asProcessHandle(handle)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateRunning {
		return nil // idempotent
	}
	if err := checkTransition(h.state, StateRunning); err != nil {
		return err
	}
	if h.pgid != 0 {
		if err := syscall.Kill(-h.pgid, syscall.SIGCONT); err != nil {
			return errs.Wrap(errs.Fatal, err, "isolation: resuming process group %d", h.pgid)
		}
	}
	h.state = StateRunning
	return nil
}

func (d *ProcessDriver) allowed(argv []string) bool {
	if len(argv) == 0 {
		return false
	}
	for _, allowed := range d.AllowList {
		if allowed == argv[0] {
			return true
		}
	}
	return false
}

// buildExecCommand constructs the exec.Cmd for argv, running it through
// bwrap when the driver has bwrap available, or as a plain child process
// with execRoot as its working directory otherwise.
func (d *ProcessDriver) buildExecCommand(ctx context.Context, execRoot string, caps ResourceCaps, argv []string) (*exec.Cmd, error) {
	if !d.UseBwrap {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = execRoot
		return cmd, nil
	}

	path, err := bwrapPath()
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, err, "isolation: bwrap reported available but is now missing")
	}
	args, err := buildBwrapArgs(bwrapOptions{
		Namespaces: defaultBwrapNamespaces,
		WorkDir:    execRoot,
		Env: map[string]string{
			"PATH": "/usr/local/bin:/usr/bin:/bin",
			"HOME": "/workspace",
		},
		Command: argv,
	})
	if err != nil {
		return nil, err
	}
	full := wrapWithSystemdScope("", caps, append([]string{path}, args...))
	return exec.CommandContext(ctx, full[0], full[1:]...), nil
}

func (d *ProcessDriver) Exec(ctx context.Context, handle Handle, argv []string, stdin []byte, timeout time.Duration) (ExecResult, error) {
	h, err := asProcessHandle(handle)
	if err != nil {
		return ExecResult{}, err
	}
	h.mu.Lock()
	state := h.state
	execRoot := h.execRoot
	caps := h.caps
	h.mu.Unlock()
	if err := checkRunning(state); err != nil {
		return ExecResult{}, err
	}
	if !d.allowed(argv) {
		return ExecResult{}, errs.New(errs.InvalidArgument, "isolation: command %q is not in the process driver allow-list", argv[0])
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd, err := d.buildExecCommand(runCtx, execRoot, caps, argv)
	if err != nil {
		return ExecResult{}, err
	}
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if cmd.Process != nil {
		h.mu.Lock()
		h.pgid = cmd.Process.Pid
		h.mu.Unlock()
	}

	cpuSeconds, memoryBytes := processUsage(cmd.ProcessState)

	if runCtx.Err() == context.DeadlineExceeded {
		return ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), CPUSeconds: cpuSeconds, MemoryBytes: memoryBytes},
			errs.New(errs.TimedOut, "isolation: exec of %q exceeded %s", argv[0], timeout)
	}

	exitCode := 0
	if runErr != nil {
		exitErr, ok := runErr.(*exec.ExitError)
		if !ok {
			return ExecResult{}, errs.Wrap(errs.Fatal, runErr, "isolation: starting %q", argv[0])
		}
		exitCode = exitErr.ExitCode()
	}

	return ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: exitCode, CPUSeconds: cpuSeconds, MemoryBytes: memoryBytes}, nil
}

// processUsage reads the child's rusage off state: UserTime+SystemTime
// for CPU seconds, and peak resident set size for memory bytes. Linux
// reports Maxrss in KiB; state is nil when the process never started.
func processUsage(state *os.ProcessState) (cpuSeconds float64, memoryBytes int64) {
	if state == nil {
		return 0, 0
	}
	cpuSeconds = state.UserTime().Seconds() + state.SystemTime().Seconds()
	if rusage, ok := state.SysUsage().(*syscall.Rusage); ok {
		memoryBytes = rusage.Maxrss * 1024
	}
	return cpuSeconds, memoryBytes
}

// processStream adapts an exec.Cmd's stdin/stdout pipes into a single
// io.ReadWriteCloser for an interactive session.
type processStream struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (s *processStream) Read(p []byte) (int, error)  { return s.stdout.Read(p) }
func (s *processStream) Write(p []byte) (int, error) { return s.stdin.Write(p) }
func (s *processStream) Close() error {
	s.stdin.Close()
	s.stdout.Close()
	return s.cmd.Process.Kill()
}

func (d *ProcessDriver) OpenStream(ctx context.Context, handle Handle) (io.ReadWriteCloser, error) {
	h, err := asProcessHandle(handle)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	state := h.state
	execRoot := h.execRoot
	caps := h.caps
	h.mu.Unlock()
	if err := checkRunning(state); err != nil {
		return nil, err
	}
	if !d.allowed([]string{"/bin/sh"}) {
		return nil, errs.New(errs.InvalidArgument, "isolation: /bin/sh is not in the process driver allow-list")
	}

	cmd, err := d.buildExecCommand(ctx, execRoot, caps, []string{"/bin/sh"})
	if err != nil {
		return nil, err
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, err, "isolation: opening stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, err, "isolation: opening stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, errs.Wrap(errs.Fatal, err, "isolation: starting interactive shell")
	}

	h.mu.Lock()
	h.pgid = cmd.Process.Pid
	h.mu.Unlock()

	return &processStream{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// Mount for the process driver has no kernel mount-namespace to lean
// on; it approximates a bind mount with a symlink from guestPath
// (resolved under the handle's execRoot) to hostPath. readOnly is
// recorded but not enforced — callers relying on real write
// protection should use the container or microVM driver instead.
func (d *ProcessDriver) Mount(ctx context.Context, handle Handle, hostPath, guestPath string, readOnly bool) error {
	h, err := asProcessHandle(handle)
	if err != nil {
		return err
	}
	h.mu.Lock()
	execRoot := h.execRoot
	h.mu.Unlock()

	if filepath.IsAbs(guestPath) {
		return errs.New(errs.InvalidArgument, "isolation: guest_path must be relative, got %q", guestPath)
	}
	target := filepath.Join(execRoot, guestPath)
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return errs.Wrap(errs.Fatal, err, "isolation: creating mount parent for %s", guestPath)
	}
	if err := os.Symlink(hostPath, target); err != nil {
		return errs.Wrap(errs.Fatal, err, "isolation: mounting %s at %s", hostPath, guestPath)
	}
	return nil
}

func (d *ProcessDriver) Destroy(ctx context.Context, handle Handle, removeWorkspace bool) error {
	h, err := asProcessHandle(handle)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateDestroyed {
		return nil
	}
	if h.pgid != 0 {
		syscall.Kill(-h.pgid, syscall.SIGKILL)
	}
	if h.fuseServer != nil {
		if err := h.fuseServer.Unmount(); err != nil {
			d.Logger.Warn("isolation: failed to unmount FUSE confinement", "sandbox_id", h.id, "error", err)
		}
		os.RemoveAll(h.mountpoint)
	}
	if removeWorkspace {
		if err := os.RemoveAll(h.workspaceRoot); err != nil {
			return errs.Wrap(errs.Fatal, err, "isolation: removing workspace %s", h.workspaceRoot)
		}
	}
	h.state = StateDestroyed

	d.mu.Lock()
	delete(d.handles, h.id)
	d.mu.Unlock()
	return nil
}
