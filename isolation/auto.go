// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package isolation

import "context"

// DaemonChecker is a Driver that can additionally report whether its
// backing daemon is reachable. ContainerDriver is the only
// implementation; the type exists so auto-selection and fallback
// promotion depend on the capability rather than the concrete type,
// letting tests substitute a fake without a real container runtime.
type DaemonChecker interface {
	Driver
	DaemonReachable(ctx context.Context) bool
}

// Select implements the "auto" isolation backend: it picks the
// microVM driver if its binary, kernel, and rootfs are all present
// and executable; else the container driver if its daemon is
// reachable; else the process driver, which always succeeds.
func Select(ctx context.Context, microvm *MicroVMDriver, container DaemonChecker, process *ProcessDriver) (Driver, Kind) {
	if microvm != nil && microvm.Available() {
		return microvm, KindMicroVM
	}
	if container != nil && container.DaemonReachable(ctx) {
		return container, KindContainer
	}
	return process, KindProcess
}
