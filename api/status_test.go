// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"
	"strings"
	"testing"
)

func TestStatusRendersHTML(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := doRequest(t, h, http.MethodGet, "/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("Content-Type = %q, want text/html prefix", ct)
	}
	if !strings.Contains(rec.Body.String(), "sandboxd status") {
		t.Fatalf("body = %s, want it to mention sandboxd status", rec.Body.String())
	}
}

func TestStatusRejectsNonGET(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := doRequest(t, h, http.MethodPost, "/status", "", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestStatusReflectsLiveSandboxCount(t *testing.T) {
	h, _ := newTestHandler(t)
	createSandbox(t, h, "u_1")

	rec := doRequest(t, h, http.MethodGet, "/status", "", nil)
	if !strings.Contains(rec.Body.String(), "live sandboxes") {
		t.Fatalf("body = %s, want a live sandboxes count", rec.Body.String())
	}
}
