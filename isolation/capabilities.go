// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package isolation

import (
	"os"
	"os/exec"
	"strings"
)

// Capabilities reports what isolation mechanisms this host can actually
// run, independent of any particular sandbox. NewProcessDriver uses it
// to decide whether commands are confined under bubblewrap.
type Capabilities struct {
	BwrapAvailable        bool
	BwrapPath             string
	UserNamespacesEnabled bool
	SystemdScopesWork     bool
	DockerAvailable       bool
	KVMAvailable          bool
}

// DetectCapabilities probes the host once; callers should cache the
// result for the lifetime of the process rather than re-probing per call.
func DetectCapabilities() Capabilities {
	var caps Capabilities

	if path, err := bwrapPath(); err == nil {
		caps.BwrapAvailable = true
		caps.BwrapPath = path
	}
	caps.UserNamespacesEnabled = checkUserNamespaces()
	caps.SystemdScopesWork = systemdScopeAvailable()

	if err := exec.Command("docker", "info").Run(); err == nil {
		caps.DockerAvailable = true
	}
	if info, err := os.Stat("/dev/kvm"); err == nil && info.Mode()&os.ModeDevice != 0 {
		caps.KVMAvailable = true
	}

	return caps
}

func checkUserNamespaces() bool {
	if data, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone"); err == nil {
		if strings.TrimSpace(string(data)) == "0" {
			return false
		}
	}
	path, err := bwrapPath()
	if err != nil {
		return false
	}
	cmd := exec.Command(path, "--unshare-user", "--ro-bind", "/", "/", "--", "true")
	return cmd.Run() == nil
}
