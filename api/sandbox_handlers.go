// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sandboxd/sandboxd/errs"
	"github.com/sandboxd/sandboxd/sandbox"
)

func readJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if err == io.EOF {
			return nil
		}
		return errs.Wrap(errs.InvalidArgument, err, "api: decoding request body")
	}
	return nil
}

type createSandboxRequest struct {
	KeepaliveTTLSeconds int `json:"keepalive_ttl_seconds,omitempty"`
}

type createSandboxResponse struct {
	SandboxID string `json:"sandbox_id"`
}

// handleSandboxesCollection answers POST /sandboxes and GET /sandboxes
// (the latter listing the caller's own sandboxes — a supplemental
// convenience the control-plane endpoint list doesn't itemize but
// Manager.ListByUser makes trivial, needed by sandboxctl's dashboard).
func (h *Handler) handleSandboxesCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		userID, err := userIDFromRequest(r)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, h.sandboxes.ListByUser(userID))
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID, err := userIDFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req createSandboxRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	opts := sandbox.CreateOptions{}
	if req.KeepaliveTTLSeconds > 0 {
		opts.KeepaliveTTL = time.Duration(req.KeepaliveTTLSeconds) * time.Second
	}
	view, err := h.sandboxes.Create(r.Context(), userID, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, createSandboxResponse{SandboxID: view.ID})
}

// handleSandboxesItem dispatches every /sandboxes/{id}/... route.
func (h *Handler) handleSandboxesItem(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r.URL.Path, "/sandboxes/")
	if len(segments) == 0 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	sandboxID := segments[0]
	if len(segments) == 1 {
		h.handleSandboxDestroy(w, r, sandboxID)
		return
	}

	switch {
	case segments[1] == "exec":
		h.handleExec(w, r, sandboxID)
	case segments[1] == "preview":
		h.handlePreviewRegister(w, r, sandboxID)
	case segments[1] == "keepalive":
		h.handleKeepalive(w, r, sandboxID)
	case segments[1] == "mount":
		h.handleMount(w, r, sandboxID)
	case segments[1] == "terminal":
		h.handleTerminal(w, r, sandboxID)
	case segments[1] == "background" || hasPrefixSegment(segments[1], "background/"):
		h.handleBackground(w, r, sandboxID, segments[1])
	case segments[1] == "files" || hasPrefixSegment(segments[1], "files/"):
		h.handleFiles(w, r, sandboxID, segments[1])
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func hasPrefixSegment(s, prefix string) bool {
	return len(s) > len(prefix) && s[:len(prefix)] == prefix
}

func (h *Handler) handleSandboxDestroy(w http.ResponseWriter, r *http.Request, sandboxID string) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := h.authorizeSandbox(r, sandboxID); err != nil {
		writeError(w, err)
		return
	}
	snapshotFirst := r.URL.Query().Get("snapshot") == "1"
	if err := h.sandboxes.Destroy(r.Context(), sandboxID, snapshotFirst); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type execRequest struct {
	Argv           []string `json:"argv"`
	Stdin          []byte   `json:"stdin,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

type execResponse struct {
	Stdout   []byte `json:"stdout"`
	Stderr   []byte `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out"`
}

// handleExec answers POST /sandboxes/{id}/exec. A TimedOut error is
// not an HTTP error: per spec.md §7, command failures inside exec
// surface as a structured 200 response with timed_out=true.
func (h *Handler) handleExec(w http.ResponseWriter, r *http.Request, sandboxID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := h.authorizeSandbox(r, sandboxID); err != nil {
		writeError(w, err)
		return
	}
	var req execRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Argv) == 0 {
		writeError(w, errs.New(errs.InvalidArgument, "api: argv must not be empty"))
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	res, err := h.sandboxes.Exec(r.Context(), sandboxID, req.Argv, req.Stdin, timeout)
	if errs.Is(err, errs.TimedOut) {
		writeJSON(w, execResponse{TimedOut: true})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, execResponse{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode})
}

type previewRequest struct {
	Port     int                        `json:"port"`
	Upstream sandbox.UpstreamDescriptor `json:"upstream"`
}

func (h *Handler) handlePreviewRegister(w http.ResponseWriter, r *http.Request, sandboxID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := h.authorizeSandbox(r, sandboxID); err != nil {
		writeError(w, err)
		return
	}
	var req previewRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.sandboxes.RegisterPreview(sandboxID, req.Port, req.Upstream); err != nil {
		writeError(w, err)
		return
	}
	noContent(w)
}

type keepaliveRequest struct {
	TTLSeconds int `json:"ttl_seconds"`
}

func (h *Handler) handleKeepalive(w http.ResponseWriter, r *http.Request, sandboxID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := h.authorizeSandbox(r, sandboxID); err != nil {
		writeError(w, err)
		return
	}
	var req keepaliveRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TTLSeconds <= 0 {
		writeError(w, errs.New(errs.InvalidArgument, "api: ttl_seconds must be positive"))
		return
	}
	if err := h.sandboxes.Keepalive(sandboxID, req.TTLSeconds); err != nil {
		writeError(w, err)
		return
	}
	noContent(w)
}

type mountRequest struct {
	HostPath  string `json:"host_path"`
	GuestPath string `json:"guest_path"`
	ReadOnly  bool   `json:"read_only"`
}

func (h *Handler) handleMount(w http.ResponseWriter, r *http.Request, sandboxID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := h.authorizeSandbox(r, sandboxID); err != nil {
		writeError(w, err)
		return
	}
	var req mountRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.sandboxes.Mount(r.Context(), sandboxID, req.HostPath, req.GuestPath, req.ReadOnly); err != nil {
		writeError(w, err)
		return
	}
	noContent(w)
}

type backgroundStartRequest struct {
	Argv []string `json:"argv"`
}

type backgroundStartResponse struct {
	JobID string `json:"job_id"`
}

// handleBackground answers POST /sandboxes/{id}/background and
// DELETE /sandboxes/{id}/background/{job_id}.
func (h *Handler) handleBackground(w http.ResponseWriter, r *http.Request, sandboxID, subpath string) {
	if _, err := h.authorizeSandbox(r, sandboxID); err != nil {
		writeError(w, err)
		return
	}

	if subpath == "background" {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req backgroundStartRequest
		if err := readJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if len(req.Argv) == 0 {
			writeError(w, errs.New(errs.InvalidArgument, "api: argv must not be empty"))
			return
		}
		jobID, err := h.sandboxes.StartBackground(r.Context(), sandboxID, req.Argv)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, backgroundStartResponse{JobID: jobID})
		return
	}

	jobID := subpath[len("background/"):]
	if r.Method != http.MethodDelete || jobID == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	status, err := h.sandboxes.StopBackground(sandboxID, jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status)
}

// handleFiles answers PUT/GET/DELETE /sandboxes/{id}/files/{path}. A
// GET with ?list=1 answers with a directory listing instead of file
// contents — a supplemental feature the control-plane endpoint list
// doesn't itemize but ListDir (already part of C5) makes trivial.
func (h *Handler) handleFiles(w http.ResponseWriter, r *http.Request, sandboxID, subpath string) {
	if _, err := h.authorizeSandbox(r, sandboxID); err != nil {
		writeError(w, err)
		return
	}
	path := subpath[len("files"):]
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	if path == "" {
		writeError(w, errs.New(errs.InvalidArgument, "api: file path required"))
		return
	}

	switch r.Method {
	case http.MethodPut:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, errs.Wrap(errs.InvalidArgument, err, "api: reading request body"))
			return
		}
		if err := h.sandboxes.WriteFile(r.Context(), sandboxID, path, data); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		if r.URL.Query().Get("list") == "1" {
			entries, err := h.sandboxes.ListDir(r.Context(), sandboxID, path)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, entries)
			return
		}
		data, err := h.sandboxes.ReadFile(r.Context(), sandboxID, path)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)
	case http.MethodDelete:
		if err := h.sandboxes.DeleteFile(r.Context(), sandboxID, path); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
