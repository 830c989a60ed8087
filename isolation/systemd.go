// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package isolation

import (
	"fmt"
	"os/exec"
)

// systemdScopeAvailable reports whether systemd-run can create a user
// scope on this host, used to decide whether ResourceCaps can be enforced
// for the process driver (which has no other cgroup mechanism of its own).
func systemdScopeAvailable() bool {
	if _, err := exec.LookPath("systemd-run"); err != nil {
		return false
	}
	cmd := exec.Command("systemd-run", "--user", "--scope", "--", "true")
	return cmd.Run() == nil
}

// wrapWithSystemdScope prepends a systemd-run invocation around cmd that
// enforces caps via cgroup properties, when caps names any limit. Returns
// cmd unchanged if caps is zero-valued.
func wrapWithSystemdScope(unitName string, caps ResourceCaps, cmd []string) []string {
	if caps.MemoryLimitBytes <= 0 && caps.CPULimitPercent <= 0 {
		return cmd
	}

	args := []string{"systemd-run", "--user", "--scope"}
	if unitName != "" {
		args = append(args, "--unit="+unitName)
	}
	if caps.MemoryLimitBytes > 0 {
		args = append(args, fmt.Sprintf("--property=MemoryMax=%d", caps.MemoryLimitBytes))
	}
	if caps.CPULimitPercent > 0 {
		args = append(args, fmt.Sprintf("--property=CPUQuota=%d%%", caps.CPULimitPercent))
	}
	args = append(args, "--")
	return append(args, cmd...)
}
