// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"net/http"

	"github.com/sandboxd/sandboxd/errs"
)

// statusForKind is the fixed Kind -> HTTP status lookup table from
// spec.md §7. Kinds with no façade-facing meaning (Transient) are not
// expected to reach here; they map to 500 as a safe default.
var statusForKind = map[errs.Kind]int{
	errs.NotFound:           http.StatusNotFound,
	errs.InvalidArgument:    http.StatusBadRequest,
	errs.PreconditionFailed: http.StatusConflict,
	errs.QuotaExceeded:      http.StatusTooManyRequests,
	errs.TimedOut:           http.StatusGatewayTimeout,
	errs.Upstream:           http.StatusBadGateway,
	errs.Fatal:              http.StatusInternalServerError,
}

// errorBody is the JSON shape of every non-2xx façade response. It
// never includes the wrapped cause, so a *errs.Error wrapping a
// storage or driver error (which could itself embed credentials from
// a misconfigured backend) never leaks into the response body.
type errorBody struct {
	Error string `json:"error"`
}

// writeError maps err to a status code via statusForKind and writes a
// structured JSON error body whose only field is the taxonomy Kind,
// rather than err.Error(), which may embed a wrapped cause.
func writeError(w http.ResponseWriter, err error) {
	kind, ok := errs.KindOf(err)
	if !ok {
		kind = errs.Fatal
	}
	status, ok := statusForKind[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSONStatus(w, status, errorBody{Error: string(kind)})
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// noContent writes a 204 with no body, for operations that succeed
// but have nothing to report.
func noContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
