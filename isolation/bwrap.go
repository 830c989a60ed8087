// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package isolation

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// bwrapNamespaces controls which Linux namespaces bwrap unshares for a
// process-driver exec. The process driver always unshares pid/net/ipc/uts;
// user namespaces are left to the caller's privilege level.
type bwrapNamespaces struct {
	PID, Net, IPC, UTS bool
}

var defaultBwrapNamespaces = bwrapNamespaces{PID: true, Net: true, IPC: true, UTS: true}

// bwrapBind is a single bind mount bwrap should set up inside the sandbox.
type bwrapBind struct {
	Source   string
	Dest     string
	ReadOnly bool
	Optional bool
}

// bwrapOptions configures one invocation of the bwrap wrapper.
type bwrapOptions struct {
	Namespaces bwrapNamespaces
	WorkDir    string // bind read-write at /workspace
	ExtraBinds []bwrapBind
	Env        map[string]string
	Command    []string
}

// buildBwrapArgs constructs the bubblewrap argument list for opts. The
// caller's workspace is always bound read-write at /workspace; the host's
// base system libraries are bound read-only so ordinary dynamically linked
// binaries still run.
func buildBwrapArgs(opts bwrapOptions) ([]string, error) {
	if opts.WorkDir == "" {
		return nil, fmt.Errorf("isolation: bwrap requires a workdir")
	}
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("isolation: bwrap requires a command")
	}

	var args []string

	if opts.Namespaces.PID {
		args = append(args, "--unshare-pid")
	}
	if opts.Namespaces.Net {
		args = append(args, "--unshare-net")
	}
	if opts.Namespaces.IPC {
		args = append(args, "--unshare-ipc")
	}
	if opts.Namespaces.UTS {
		args = append(args, "--unshare-uts")
	}
	args = append(args, "--new-session", "--die-with-parent")

	args = append(args, "--proc", "/proc", "--dev", "/dev", "--tmpfs", "/tmp")
	args = append(args, "--bind", opts.WorkDir, "/workspace")

	for _, base := range []string{"/usr", "/bin", "/lib"} {
		if _, err := os.Stat(base); err == nil {
			args = append(args, "--ro-bind", base, base)
		}
	}
	if _, err := os.Stat("/lib64"); err == nil {
		args = append(args, "--ro-bind", "/lib64", "/lib64")
	}
	if _, err := os.Stat("/etc/resolv.conf"); err == nil {
		args = append(args, "--ro-bind", "/etc/resolv.conf", "/etc/resolv.conf")
	}

	for _, bind := range opts.ExtraBinds {
		if bind.Optional {
			if _, err := os.Stat(bind.Source); os.IsNotExist(err) {
				continue
			}
		}
		for _, dir := range pathHierarchy(filepath.Dir(bind.Dest)) {
			args = append(args, "--dir", dir)
		}
		if bind.ReadOnly {
			args = append(args, "--ro-bind", bind.Source, bind.Dest)
		} else {
			args = append(args, "--bind", bind.Source, bind.Dest)
		}
	}

	args = append(args, "--chdir", "/workspace", "--clearenv")

	envKeys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for _, k := range envKeys {
		args = append(args, "--setenv", k, opts.Env[k])
	}

	args = append(args, "--")
	args = append(args, opts.Command...)
	return args, nil
}

// bwrapPath returns the path to the bubblewrap executable, or an error if
// it isn't installed in a standard location.
func bwrapPath() (string, error) {
	for _, path := range []string{"/usr/bin/bwrap", "/usr/local/bin/bwrap", "/bin/bwrap"} {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("isolation: bwrap not found in standard locations")
}

// pathHierarchy returns every directory from root down to path, in
// root-to-leaf order, so callers can pre-create each level with bwrap's
// --dir (which only creates one component at a time).
func pathHierarchy(path string) []string {
	path = filepath.Clean(path)
	if path == "/" || path == "." {
		return nil
	}
	var components []string
	for current := path; current != "/" && current != "."; current = filepath.Dir(current) {
		components = append(components, current)
	}
	result := make([]string, len(components))
	for i, c := range components {
		result[len(components)-1-i] = c
	}
	return result
}
