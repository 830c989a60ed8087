// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"
	"testing"

	"github.com/sandboxd/sandboxd/snapshot"
)

func TestSnapshotCreateRequiresSandboxID(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := doRequest(t, h, http.MethodPost, "/snapshot/create", "u_1", snapshotCreateRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body = %s", rec.Code, rec.Body.String())
	}
}

func TestSnapshotCreateOwnershipMismatch(t *testing.T) {
	h, _ := newTestHandler(t)
	id := createSandbox(t, h, "u_1")

	rec := doRequest(t, h, http.MethodPost, "/snapshot/create", "u_2", snapshotCreateRequest{SandboxID: id})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404; body = %s", rec.Code, rec.Body.String())
	}
}

func TestSnapshotCreateListRestoreDeleteFlow(t *testing.T) {
	h, _ := newTestHandler(t)
	id := createSandbox(t, h, "u_1")

	createRec := doRequest(t, h, http.MethodPost, "/snapshot/create", "u_1", snapshotCreateRequest{SandboxID: id})
	if createRec.Code != http.StatusOK {
		t.Fatalf("create status = %d, want 200; body = %s", createRec.Code, createRec.Body.String())
	}
	var snap snapshot.Snapshot
	decodeBody(t, createRec, &snap)
	if snap.ID == "" {
		t.Fatal("expected non-empty snapshot id")
	}

	listRec := doRequest(t, h, http.MethodGet, "/snapshot/list", "u_1", nil)
	if listRec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200; body = %s", listRec.Code, listRec.Body.String())
	}
	var snaps []snapshot.Snapshot
	decodeBody(t, listRec, &snaps)
	if len(snaps) != 1 || snaps[0].ID != snap.ID {
		t.Fatalf("list = %+v, want one entry with id %q", snaps, snap.ID)
	}

	restoreRec := doRequest(t, h, http.MethodPost, "/snapshot/restore", "u_1", snapshotRestoreRequest{
		SnapshotID: snap.ID,
		SandboxID:  id,
	})
	if restoreRec.Code != http.StatusNoContent {
		t.Fatalf("restore status = %d, want 204; body = %s", restoreRec.Code, restoreRec.Body.String())
	}

	deleteRec := doRequest(t, h, http.MethodDelete, "/snapshot/"+snap.ID, "u_1", nil)
	if deleteRec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204; body = %s", deleteRec.Code, deleteRec.Body.String())
	}

	listAfterRec := doRequest(t, h, http.MethodGet, "/snapshot/list", "u_1", nil)
	var after []snapshot.Snapshot
	decodeBody(t, listAfterRec, &after)
	if len(after) != 0 {
		t.Fatalf("list after delete = %+v, want empty", after)
	}
}

func TestSnapshotListScopedToCaller(t *testing.T) {
	h, _ := newTestHandler(t)
	id := createSandbox(t, h, "u_1")
	doRequest(t, h, http.MethodPost, "/snapshot/create", "u_1", snapshotCreateRequest{SandboxID: id})

	rec := doRequest(t, h, http.MethodGet, "/snapshot/list", "u_2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rec.Code, rec.Body.String())
	}
	var snaps []snapshot.Snapshot
	decodeBody(t, rec, &snaps)
	if len(snaps) != 0 {
		t.Fatalf("list for u_2 = %+v, want empty", snaps)
	}
}
