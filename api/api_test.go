// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sandboxd/sandboxd/isolation"
	"github.com/sandboxd/sandboxd/lib/clock"
	"github.com/sandboxd/sandboxd/metrics"
	"github.com/sandboxd/sandboxd/quota"
	"github.com/sandboxd/sandboxd/sandbox"
	"github.com/sandboxd/sandboxd/snapshot"
	"github.com/sandboxd/sandboxd/storage"
)

func newTestHandler(t *testing.T) (*Handler, *sandbox.Manager) {
	t.Helper()
	workspaces := t.TempDir()
	storeRoot := t.TempDir()

	backend, err := storage.NewLocal(storeRoot)
	if err != nil {
		t.Fatalf("storage.NewLocal() error = %v", err)
	}

	fc := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	process := isolation.NewProcessDriver([]string{"/bin/echo", "/bin/sleep", "/bin/cat", "/bin/false", "/bin/sh"}, false, nil)
	qm := quota.NewManager(quota.ManagerConfig{Clock: fc})
	snaps := snapshot.NewEngine(snapshot.EngineConfig{Backend: backend, Clock: fc})

	mgr := sandbox.NewManager(sandbox.ManagerConfig{
		WorkspacesRoot:      workspaces,
		Process:             process,
		Quota:               qm,
		Snapshots:           snaps,
		Clock:               fc,
		DefaultKeepaliveTTL: time.Hour,
	})

	h := NewHandler(Config{
		Sandboxes:      mgr,
		Snapshots:      snaps,
		Metrics:        metrics.NewRegistry(),
		StorageProbe:   backend,
		IsolationProbe: mgr,
	})
	return h, mgr
}

func doRequest(t *testing.T, h *Handler, method, target, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("json.Marshal() error = %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if userID != "" {
		req.Header.Set(userIDHeader, userID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func doRawRequest(t *testing.T, h *Handler, method, target, userID string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if userID != "" {
		req.Header.Set(userIDHeader, userID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("json.Unmarshal(%q) error = %v", rec.Body.String(), err)
	}
}

func createSandbox(t *testing.T, h *Handler, userID string) string {
	t.Helper()
	rec := doRequest(t, h, http.MethodPost, "/sandboxes", userID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("create sandbox status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp createSandboxResponse
	decodeBody(t, rec, &resp)
	return resp.SandboxID
}
