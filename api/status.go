// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/yuin/goldmark"
)

// handleStatus answers GET /status with an HTML rendering of a
// Markdown-authored operator summary: fleet-wide sandbox counts by
// isolation kind and, in a separate table, by owner. It exists for a human glancing at the
// daemon, not for programmatic consumption — scripts should read
// /metrics instead.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var md strings.Builder
	fmt.Fprintf(&md, "# sandboxd status\n\n_generated %s_\n\n", time.Now().UTC().Format(time.RFC3339))

	if h.sandboxes == nil {
		md.WriteString("sandbox runtime not configured.\n")
	} else {
		views := h.sandboxes.ListAll()
		byKind := map[string]int{}
		byUser := map[string]int{}
		for _, v := range views {
			byKind[string(v.Kind)]++
			byUser[v.UserID]++
		}

		fmt.Fprintf(&md, "## Fleet\n\n- live sandboxes: **%d**\n\n", len(views))

		md.WriteString("### By isolation kind\n\n")
		if len(byKind) == 0 {
			md.WriteString("_none_\n\n")
		} else {
			md.WriteString("| kind | count |\n|---|---|\n")
			for kind, count := range byKind {
				fmt.Fprintf(&md, "| %s | %d |\n", kind, count)
			}
			md.WriteString("\n")
		}

		md.WriteString("### By owner\n\n")
		if len(byUser) == 0 {
			md.WriteString("_none_\n\n")
		} else {
			md.WriteString("| user | count |\n|---|---|\n")
			for user, count := range byUser {
				fmt.Fprintf(&md, "| %s | %d |\n", user, count)
			}
			md.WriteString("\n")
		}
	}

	var html bytes.Buffer
	if err := goldmark.Convert([]byte(md.String()), &html); err != nil {
		http.Error(w, "rendering status page", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte("<!doctype html><meta charset=\"utf-8\"><title>sandboxd status</title>"))
	w.Write(html.Bytes())
}
