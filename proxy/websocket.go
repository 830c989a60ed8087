// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/sandboxd/sandboxd/sandbox"
)

// upgrader accepts the client-facing WebSocket upgrade once an
// upstream connection has already been established. Origin checking
// is left to whatever sits in front of the proxy; sandboxes are
// identified by unguessable ids, not origin.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// dialUpstreamWebSocket connects to desc's WebSocket endpoint at rest,
// dialing the raw network/address from desc directly rather than
// resolving a hostname, mirroring attemptForward's upstream dial.
func dialUpstreamWebSocket(r *http.Request, desc sandbox.UpstreamDescriptor, rest string) (*websocket.Conn, *http.Response, error) {
	target := "ws://upstream" + rest
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	dialer := &websocket.Dialer{
		NetDial: func(_, _ string) (net.Conn, error) {
			return net.Dial(desc.Network, desc.Address)
		},
	}

	header := http.Header{}
	copyHeadersExceptHopByHop(header, r.Header)
	return dialer.Dial(target, header)
}

// serveWebSocket implements the resolution algorithm's WebSocket
// branch, the same shape serveHTTP applies to plain requests: a dial
// failure counts toward the consecutive-failure budget, and only once
// the budget is exhausted does it promote to the container fallback
// and retry once. It dials the upstream endpoint first and only
// upgrades the client connection once a live upstream is in hand, so
// a failed dial never leaves the client half-upgraded.
func (h *Handler) serveWebSocket(w http.ResponseWriter, r *http.Request, sandboxID string, port int, desc sandbox.UpstreamDescriptor, rest string) {
	upstream, resp, err := dialUpstreamWebSocket(r, desc, rest)
	if err == nil {
		h.failures.reset(sandboxID, port)
	} else {
		if resp != nil {
			resp.Body.Close()
		}
		if h.failures.fail(sandboxID, port) < errorBudget {
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
			return
		}

		newDesc, perr := h.resolver.PromoteToFallback(r.Context(), sandboxID, port)
		if perr != nil {
			h.log.Warn("preview: fallback promotion failed", "sandbox_id", sandboxID, "port", port, "error", perr)
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
			return
		}

		upstream, resp, err = dialUpstreamWebSocket(r, newDesc, rest)
		h.failures.reset(sandboxID, port)
		if err != nil {
			if resp != nil {
				resp.Body.Close()
			}
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
			return
		}
	}
	defer upstream.Close()

	client, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("preview: client websocket upgrade failed", "sandbox_id", sandboxID, "port", port, "error", err)
		return
	}
	defer client.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		relayWebSocket(client, upstream, h.quota, sandboxID)
	}()
	go func() {
		defer wg.Done()
		relayWebSocket(upstream, client, nil, "")
	}()
	wg.Wait()
}

// relayWebSocket copies messages from src to dst until either side
// closes or errors, then closes dst so the other relay goroutine
// unblocks. When quota is non-nil, every relayed message's length is
// reported as egress against sandboxID — used only for the
// upstream-to-client direction, since egress is what the preview
// target sends back to the caller.
func relayWebSocket(dst, src *websocket.Conn, quota QuotaRecorder, sandboxID string) {
	defer dst.Close()
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			return
		}
		if quota != nil {
			quota.RecordEgress(sandboxID, int64(len(data)))
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}
