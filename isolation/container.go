// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package isolation

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/sandboxd/sandboxd/errs"
)

// ContainerDriver runs sandboxes as Docker containers via the official
// Docker Go SDK, the same client construction and exec/attach sequence
// YaoApp's sandbox manager uses to drive per-session containers.
type ContainerDriver struct {
	Image         string
	Hostname      string
	RestartPolicy string

	Logger *slog.Logger

	docker *client.Client

	mu      sync.Mutex
	handles map[string]*containerHandle
}

// NewContainerDriver constructs a ContainerDriver backed by a Docker
// client negotiated from the ambient environment (DOCKER_HOST,
// DOCKER_CERT_PATH, ...). It does not verify the daemon is reachable;
// callers use DaemonReachable for that (auto-selection depends on it).
func NewContainerDriver(image, hostname, restartPolicy string, logger *slog.Logger) (*ContainerDriver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, err, "isolation: creating docker client")
	}
	return &ContainerDriver{
		Image:         image,
		Hostname:      hostname,
		RestartPolicy: restartPolicy,
		Logger:        logger,
		docker:        cli,
		handles:       make(map[string]*containerHandle),
	}, nil
}

// DaemonReachable reports whether the Docker daemon answers Ping,
// used by the auto-selection logic.
func (d *ContainerDriver) DaemonReachable(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := d.docker.Ping(pingCtx)
	return err == nil
}

type containerHandle struct {
	mu            sync.Mutex
	id            string
	containerID   string // set by Start once the container is created
	containerName string
	workspaceRoot string
	guestPath     string
	state         State

	// pendingMounts queues bind mounts requested before Start; the
	// container is not created until Start, so these are folded into
	// the ContainerCreate call at that point.
	pendingMounts []mountSpec
}

type mountSpec struct {
	hostPath  string
	guestPath string
	readOnly  bool
}

func (h *containerHandle) ID() string { return h.id }
func (h *containerHandle) Kind() Kind { return KindContainer }
func (h *containerHandle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func asContainerHandle(h Handle) (*containerHandle, error) {
	ch, ok := h.(*containerHandle)
	if !ok {
		return nil, errs.New(errs.InvalidArgument, "isolation: handle is not a container driver handle")
	}
	return ch, nil
}

func (d *ContainerDriver) Provision(ctx context.Context, sandboxID, userID, workspaceRoot string, caps ResourceCaps) (Handle, error) {
	h := &containerHandle{
		id:            sandboxID,
		containerName: "sandboxd-" + sandboxID,
		workspaceRoot: workspaceRoot,
		guestPath:     "/workspace",
		state:         StateProvisioned,
	}
	h.pendingMounts = append(h.pendingMounts, mountSpec{hostPath: workspaceRoot, guestPath: h.guestPath, readOnly: false})

	d.mu.Lock()
	d.handles[h.id] = h
	d.mu.Unlock()
	return h, nil
}

// ensureImage pulls d.Image if the daemon does not already have it
// cached locally.
func (d *ContainerDriver) ensureImage(ctx context.Context) error {
	if _, _, err := d.docker.ImageInspectWithRaw(ctx, d.Image); err == nil {
		return nil
	}
	reader, err := d.docker.ImagePull(ctx, d.Image, image.PullOptions{})
	if err != nil {
		return errs.Wrap(errs.Upstream, err, "isolation: pulling image %s", d.Image)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return errs.Wrap(errs.Upstream, err, "isolation: pulling image %s", d.Image)
	}
	return nil
}

func (d *ContainerDriver) Start(ctx context.Context, handle Handle) error {
	h, err := asContainerHandle(handle)
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

	if err := d.ensureImage(ctx); err != nil {
		return err
	}

	var binds []string
	for _, m := range h.pendingMounts {
		spec := m.hostPath + ":" + m.guestPath
		if m.readOnly {
			spec += ":ro"
		}
		binds = append(binds, spec)
	}

	containerConfig := &container.Config{
		Image:      d.Image,
		Cmd:        []string{"sleep", "infinity"},
		Hostname:   d.Hostname,
		WorkingDir: h.guestPath,
	}
	hostConfig := &container.HostConfig{Binds: binds}
	if d.RestartPolicy != "" {
		hostConfig.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyMode(d.RestartPolicy)}
	}

	resp, err := d.docker.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, h.containerName)
	if err != nil {
		return errs.Wrap(errs.Fatal, err, "isolation: creating container %s", h.containerName)
	}
	h.containerID = resp.ID

	if err := d.docker.ContainerStart(ctx, h.containerID, container.StartOptions{}); err != nil {
		return errs.Wrap(errs.Fatal, err, "isolation: starting container %s", h.containerName)
	}
	h.state = StateRunning
	return nil
}

func (d *ContainerDriver) Pause(ctx context.Context, handle Handle) error {
	h, err := asContainerHandle(handle)
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
	if err := d.docker.ContainerPause(ctx, h.containerID); err != nil {
		return errs.Wrap(errs.Upstream, err, "isolation: pausing container %s", h.containerName)
	}
	h.state = StatePaused
	return nil
}

func (d *ContainerDriver) Resume(ctx context.Context, handle Handle) error {
	h, err := asContainerHandle(handle)
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
	if err := d.docker.ContainerUnpause(ctx, h.containerID); err != nil {
		return errs.Wrap(errs.Upstream, err, "isolation: resuming container %s", h.containerName)
	}
	h.state = StateRunning
	return nil
}

func (d *ContainerDriver) Stop(ctx context.Context, handle Handle) error {
	h, err := asContainerHandle(handle)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateStopped {
		return nil
	}
	if err := checkTransition(h.state, StateStopped); err != nil {
		return err
	}
	if err := d.docker.ContainerStop(ctx, h.containerID, container.StopOptions{}); err != nil {
		return errs.Wrap(errs.Upstream, err, "isolation: stopping container %s", h.containerName)
	}
	h.state = StateStopped
	return nil
}

func (d *ContainerDriver) Exec(ctx context.Context, handle Handle, argv []string, stdin []byte, timeout time.Duration) (ExecResult, error) {
	h, err := asContainerHandle(handle)
	if err != nil {
		return ExecResult{}, err
	}
	h.mu.Lock()
	state := h.state
	containerID := h.containerID
	name := h.containerName
	h.mu.Unlock()
	if err := checkRunning(state); err != nil {
		return ExecResult{}, err
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	execConfig := container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  len(stdin) > 0,
	}
	execResp, err := d.docker.ContainerExecCreate(runCtx, containerID, execConfig)
	if err != nil {
		return ExecResult{}, errs.Wrap(errs.Upstream, err, "isolation: creating exec on %s", name)
	}
	attachResp, err := d.docker.ContainerExecAttach(runCtx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecResult{}, errs.Wrap(errs.Upstream, err, "isolation: attaching exec on %s", name)
	}
	if len(stdin) > 0 {
		attachResp.Conn.Write(stdin)
	}
	attachResp.CloseWrite()

	var stdout, stderr bytes.Buffer
	demuxDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader)
		demuxDone <- err
	}()

	select {
	case <-runCtx.Done():
		attachResp.Close()
		return ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, errs.New(errs.TimedOut, "isolation: exec of %q in %s exceeded %s", argv, name, timeout)
	case err := <-demuxDone:
		attachResp.Close()
		if err != nil && err != io.EOF {
			return ExecResult{}, errs.Wrap(errs.Upstream, err, "isolation: reading exec output on %s", name)
		}
	}

	inspect, err := d.docker.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, errs.Wrap(errs.Upstream, err, "isolation: inspecting exec result on %s", name)
	}
	return ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: inspect.ExitCode}, nil
}

// dockerExecStream adapts a Docker exec attachment's hijacked
// connection into a single ReadWriteCloser for OpenStream's
// interactive session, the same shape processStream gives the
// process driver's exec.Cmd pipes.
type dockerExecStream struct {
	conn   io.Writer
	reader io.Reader
	closer io.Closer
}

func (s *dockerExecStream) Read(p []byte) (int, error)  { return s.reader.Read(p) }
func (s *dockerExecStream) Write(p []byte) (int, error) { return s.conn.Write(p) }
func (s *dockerExecStream) Close() error                { return s.closer.Close() }

func (d *ContainerDriver) OpenStream(ctx context.Context, handle Handle) (io.ReadWriteCloser, error) {
	h, err := asContainerHandle(handle)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	state := h.state
	containerID := h.containerID
	name := h.containerName
	h.mu.Unlock()
	if err := checkRunning(state); err != nil {
		return nil, err
	}

	execConfig := container.ExecOptions{
		Cmd:          []string{"/bin/sh"},
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}
	execResp, err := d.docker.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return nil, errs.Wrap(errs.Upstream, err, "isolation: creating interactive exec on %s", name)
	}
	attachResp, err := d.docker.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{Tty: true})
	if err != nil {
		return nil, errs.Wrap(errs.Upstream, err, "isolation: attaching interactive exec on %s", name)
	}
	return &dockerExecStream{conn: attachResp.Conn, reader: attachResp.Reader, closer: attachResp.Conn}, nil
}

func (d *ContainerDriver) Mount(ctx context.Context, handle Handle, hostPath, guestPath string, readOnly bool) error {
	h, err := asContainerHandle(handle)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateProvisioned {
		return errs.New(errs.PreconditionFailed, "isolation: container mounts must be requested before Start (state=%s)", h.state)
	}
	h.pendingMounts = append(h.pendingMounts, mountSpec{hostPath: hostPath, guestPath: guestPath, readOnly: readOnly})
	return nil
}

func (d *ContainerDriver) Destroy(ctx context.Context, handle Handle, removeWorkspace bool) error {
	h, err := asContainerHandle(handle)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateDestroyed {
		return nil
	}
	if h.containerID != "" {
		if err := d.docker.ContainerRemove(ctx, h.containerID, container.RemoveOptions{Force: true}); err != nil {
			d.Logger.Warn("isolation: container removal failed", "container", h.containerName, "error", err)
		}
	}
	if removeWorkspace {
		if err := os.RemoveAll(h.workspaceRoot); err != nil {
			d.Logger.Warn("isolation: removing workspace failed", "workspace", h.workspaceRoot, "error", err)
		}
	}
	h.state = StateDestroyed

	d.mu.Lock()
	delete(d.handles, h.id)
	d.mu.Unlock()
	return nil
}
