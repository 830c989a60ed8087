// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package isolation

import (
	"context"
	"testing"
)

func TestSelectFallsBackToProcessWhenNothingElseAvailable(t *testing.T) {
	ctx := context.Background()
	microvm := NewMicroVMDriver("", "", "", t.TempDir(), nil)
	container, err := NewContainerDriver("scratch", "", "", nil)
	if err != nil {
		t.Fatalf("NewContainerDriver() error = %v", err)
	}
	process := NewProcessDriver([]string{"/bin/echo"}, false, nil)

	driver, kind := Select(ctx, microvm, container, process)
	if kind != KindProcess {
		t.Fatalf("Select() kind = %s, want %s", kind, KindProcess)
	}
	if driver != process {
		t.Fatalf("Select() driver is not the process driver")
	}
}

func TestSelectSkipsUnavailableMicroVM(t *testing.T) {
	// No binary/kernel/rootfs configured, so Available() is false.
	microvm := NewMicroVMDriver("", "", "", t.TempDir(), nil)
	if microvm.Available() {
		t.Fatalf("Available() = true for an unconfigured microVM driver")
	}
}
