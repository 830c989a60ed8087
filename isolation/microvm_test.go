// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package isolation

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// fakeSupervisor listens on a Unix socket and answers the microVM
// control protocol the way a real VM supervisor would, letting tests
// exercise MicroVMDriver's wire format without an actual hypervisor.
func fakeSupervisor(t *testing.T, sockPath string, respond func(controlRequest) controlResponse) {
	t.Helper()
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listening on %s: %v", sockPath, err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				var req controlRequest
				if err := json.NewDecoder(conn).Decode(&req); err != nil {
					return
				}
				resp := respond(req)
				json.NewEncoder(conn).Encode(resp)
			}()
		}
	}()
}

func TestControlCallRoundTrip(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "vm.sock")
	fakeSupervisor(t, sockPath, func(req controlRequest) controlResponse {
		if req.Op != "exec" {
			return controlResponse{OK: false, Error: "unexpected op"}
		}
		return controlResponse{OK: true, Stdout: []byte("hi"), ExitCode: 0}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := controlCall(ctx, sockPath, controlRequest{Op: "exec", Argv: []string{"echo", "hi"}})
	if err != nil {
		t.Fatalf("controlCall() error = %v", err)
	}
	if string(resp.Stdout) != "hi" {
		t.Fatalf("controlCall() stdout = %q, want %q", resp.Stdout, "hi")
	}
}

func TestControlCallSurfacesSupervisorError(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "vm.sock")
	fakeSupervisor(t, sockPath, func(req controlRequest) controlResponse {
		return controlResponse{OK: false, Error: "boom"}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := controlCall(ctx, sockPath, controlRequest{Op: "start"})
	if err == nil {
		t.Fatalf("controlCall() error = nil, want an error")
	}
}

func TestMicroVMDriverLifecycleAgainstFakeSupervisor(t *testing.T) {
	controlDir := t.TempDir()
	sockPath := filepath.Join(controlDir, "sbx_vm_1.sock")

	state := "provisioned"
	fakeSupervisor(t, sockPath, func(req controlRequest) controlResponse {
		switch req.Op {
		case "start":
			state = "running"
			return controlResponse{OK: true}
		case "exec":
			if state != "running" {
				return controlResponse{OK: false, Error: "not running"}
			}
			return controlResponse{OK: true, Stdout: []byte("ok"), ExitCode: 0}
		case "stop":
			state = "stopped"
			return controlResponse{OK: true}
		case "destroy":
			return controlResponse{OK: true}
		default:
			return controlResponse{OK: false, Error: "unknown op"}
		}
	})

	h := &microvmHandle{id: "sbx_vm_1", state: StateProvisioned, controlSock: sockPath}
	d := NewMicroVMDriver("", "", "", controlDir, nil)

	ctx := context.Background()
	if err := d.Start(ctx, h); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := d.Start(ctx, h); err != nil {
		t.Fatalf("second Start() error = %v, want nil (idempotent)", err)
	}
	res, err := d.Exec(ctx, h, []string{"echo", "ok"}, nil, time.Second)
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if string(res.Stdout) != "ok" {
		t.Fatalf("Exec() stdout = %q, want %q", res.Stdout, "ok")
	}
	if err := d.Stop(ctx, h); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := d.Destroy(ctx, h, false); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if _, err := os.Stat(sockPath); !os.IsNotExist(err) {
		t.Fatalf("expected control socket to be removed after Destroy")
	}
}

func TestMicroVMDriverDestroyRemovesWorkspace(t *testing.T) {
	controlDir := t.TempDir()
	sockPath := filepath.Join(controlDir, "sbx_vm_2.sock")
	fakeSupervisor(t, sockPath, func(req controlRequest) controlResponse {
		return controlResponse{OK: true}
	})

	root := filepath.Join(t.TempDir(), "ws")
	if err := os.MkdirAll(root, 0o700); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	h := &microvmHandle{id: "sbx_vm_2", state: StateRunning, controlSock: sockPath, workspaceRoot: root}
	d := NewMicroVMDriver("", "", "", controlDir, nil)

	ctx := context.Background()
	if err := d.Destroy(ctx, h, true); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Fatalf("expected workspace %s to be removed", root)
	}
}
