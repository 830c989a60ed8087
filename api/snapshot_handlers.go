// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"

	"github.com/sandboxd/sandboxd/errs"
)

type snapshotCreateRequest struct {
	SandboxID string `json:"sandbox_id"`
}

// handleSnapshotCreate answers POST /snapshot/create. sandbox_id is
// spec.md-optional in name only: the archive operation needs a
// concrete workspace to read, so an absent sandbox_id is rejected
// with InvalidArgument rather than silently picking one of the
// caller's sandboxes.
func (h *Handler) handleSnapshotCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req snapshotCreateRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.SandboxID == "" {
		writeError(w, errs.New(errs.InvalidArgument, "api: sandbox_id required"))
		return
	}
	if _, err := h.authorizeSandbox(r, req.SandboxID); err != nil {
		writeError(w, err)
		return
	}

	snap, err := h.sandboxes.CreateSnapshot(r.Context(), req.SandboxID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, snap)
}

type snapshotRestoreRequest struct {
	SnapshotID string `json:"snapshot_id"`
	SandboxID  string `json:"sandbox_id"`
}

func (h *Handler) handleSnapshotRestore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req snapshotRestoreRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.SnapshotID == "" || req.SandboxID == "" {
		writeError(w, errs.New(errs.InvalidArgument, "api: snapshot_id and sandbox_id required"))
		return
	}
	if _, err := h.authorizeSandbox(r, req.SandboxID); err != nil {
		writeError(w, err)
		return
	}

	if err := h.sandboxes.RestoreSnapshot(r.Context(), req.SandboxID, req.SnapshotID); err != nil {
		writeError(w, err)
		return
	}
	noContent(w)
}

// handleSnapshotList answers GET /snapshot/list, scoped to the
// caller's own user id.
func (h *Handler) handleSnapshotList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID, err := userIDFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	snaps, err := h.snapshots.List(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, snaps)
}

// handleSnapshotItem answers DELETE /snapshot/{snapshot_id}, scoped
// to the caller's own user id (the engine's Delete is already
// user-keyed by storage prefix, so a caller can only ever name their
// own snapshot ids here).
func (h *Handler) handleSnapshotItem(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r.URL.Path, "/snapshot/")
	if len(segments) != 1 || r.Method != http.MethodDelete {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	userID, err := userIDFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.snapshots.Delete(r.Context(), userID, segments[0]); err != nil {
		writeError(w, err)
		return
	}
	noContent(w)
}
