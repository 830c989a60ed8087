// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"

	"github.com/sandboxd/sandboxd/errs"
)

// userIDHeader carries the caller's identity, verified upstream of
// this service (see doc.go).
const userIDHeader = "X-User-Id"

func userIDFromRequest(r *http.Request) (string, error) {
	id := r.Header.Get(userIDHeader)
	if id == "" {
		return "", errs.New(errs.InvalidArgument, "api: %s header required", userIDHeader)
	}
	return id, nil
}

// authorizeSandbox extracts the caller's user id and verifies it owns
// sandboxID, returning NotFound (not Forbidden) on mismatch so a
// sandbox's existence is not revealed to a non-owner.
func (h *Handler) authorizeSandbox(r *http.Request, sandboxID string) (string, error) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		return "", err
	}
	view, err := h.sandboxes.View(sandboxID)
	if err != nil {
		return "", err
	}
	if view.UserID != userID {
		return "", errs.New(errs.NotFound, "api: sandbox %s not found", sandboxID)
	}
	return userID, nil
}
