// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package isolation

import (
	"testing"

	"github.com/sandboxd/sandboxd/errs"
)

func TestCheckTransitionAllowsLifecycle(t *testing.T) {
	cases := []struct {
		from, to State
	}{
		{StateUninitialized, StateProvisioned},
		{StateProvisioned, StateRunning},
		{StateRunning, StatePaused},
		{StatePaused, StateRunning},
		{StateRunning, StateStopped},
		{StateStopped, StateRunning},
		{StateStopped, StateDestroyed},
	}
	for _, c := range cases {
		if err := checkTransition(c.from, c.to); err != nil {
			t.Errorf("checkTransition(%s, %s) = %v, want nil", c.from, c.to, err)
		}
	}
}

func TestCheckTransitionRejectsSkips(t *testing.T) {
	cases := []struct {
		from, to State
	}{
		{StateUninitialized, StateRunning},
		{StateDestroyed, StateRunning},
		{StateProvisioned, StatePaused},
	}
	for _, c := range cases {
		err := checkTransition(c.from, c.to)
		if !errs.Is(err, errs.PreconditionFailed) {
			t.Errorf("checkTransition(%s, %s) = %v, want PreconditionFailed", c.from, c.to, err)
		}
	}
}

func TestCheckRunning(t *testing.T) {
	if err := checkRunning(StateRunning); err != nil {
		t.Errorf("checkRunning(running) = %v, want nil", err)
	}
	if err := checkRunning(StatePaused); !errs.Is(err, errs.PreconditionFailed) {
		t.Errorf("checkRunning(paused) = %v, want PreconditionFailed", err)
	}
}
