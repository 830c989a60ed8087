// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var terminalUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleTerminal answers WebSocket /sandboxes/{id}/terminal, relaying
// bytes between the client connection and the stream
// sandbox.Manager.OpenTerminal opens into the isolation unit.
//
// The stream is opened before the client connection is upgraded, the
// same ordering the preview proxy's WebSocket relay uses, so a
// PreconditionFailed (sandbox not running) or driver error still gets
// a normal HTTP error response instead of a half-upgraded connection.
func (h *Handler) handleTerminal(w http.ResponseWriter, r *http.Request, sandboxID string) {
	if _, err := h.authorizeSandbox(r, sandboxID); err != nil {
		writeError(w, err)
		return
	}

	stream, err := h.sandboxes.OpenTerminal(r.Context(), sandboxID)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := terminalUpgrader.Upgrade(w, r, nil)
	if err != nil {
		stream.Close()
		h.log.Warn("api: terminal upgrade failed", "sandbox_id", sandboxID, "error", err)
		return
	}
	defer conn.Close()
	defer stream.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		relayStreamToSocket(conn, stream)
	}()
	go func() {
		defer wg.Done()
		relaySocketToStream(conn, stream)
	}()
	wg.Wait()
}

func relayStreamToSocket(conn *websocket.Conn, stream io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func relaySocketToStream(conn *websocket.Conn, stream io.Writer) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if _, werr := stream.Write(data); werr != nil {
			return
		}
	}
}
