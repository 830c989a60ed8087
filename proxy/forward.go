// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sandboxd/sandboxd/sandbox"
)

// hopByHopHeaders lists headers that are specific to a single
// transport-layer connection and must never be forwarded, per RFC 7230
// §6.1.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// copyHeadersExceptHopByHop copies src into dst, omitting the fixed
// hop-by-hop set and any header additionally named by src's Connection
// header.
func copyHeadersExceptHopByHop(dst, src http.Header) {
	extra := make(map[string]bool)
	for _, token := range strings.Split(src.Get("Connection"), ",") {
		if name := http.CanonicalHeaderKey(strings.TrimSpace(token)); name != "" {
			extra[name] = true
		}
	}

	for name, values := range src {
		if hopByHopHeaders[name] || extra[name] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func httpHeaderContainsToken(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

func httpHeaderEqualFold(header, token string) bool {
	return strings.EqualFold(strings.TrimSpace(header), token)
}

// clientFor returns a cached *http.Client that dials desc directly,
// ignoring the request's own Host. One client is kept per distinct
// descriptor so idle upstream connections are reused across requests.
func (h *Handler) clientFor(desc sandbox.UpstreamDescriptor) *http.Client {
	key := sandboxUpstreamKey{network: desc.Network, address: desc.Address}

	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[key]; ok {
		return c
	}

	dialer := &net.Dialer{Timeout: h.dialTimeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, desc.Network, desc.Address)
		},
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 0, // streamed bodies may take arbitrarily long
	}
	client := &http.Client{
		Transport: transport,
		// The proxy forwards the upstream's response verbatim,
		// including redirects; it must not follow them itself.
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	h.clients[key] = client
	return client
}

// isRetryableStatus reports whether resp's status code is one of the
// two (502, 503) that count as an upstream failure toward errorBudget.
func isRetryableStatus(resp *http.Response) bool {
	return resp != nil && (resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusServiceUnavailable)
}

// attemptForward issues one HTTP request against desc, forwarding
// method, path, query string, headers (minus hop-by-hop), and body
// verbatim.
func (h *Handler) attemptForward(r *http.Request, desc sandbox.UpstreamDescriptor, rest string, body []byte) (*http.Response, error) {
	upstreamURL := "http://upstream" + rest
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	copyHeadersExceptHopByHop(req.Header, r.Header)
	req.Header.Set("X-Forwarded-For", clientIP(r))
	req.Host = r.Host

	return h.clientFor(desc).Do(req)
}

// serveHTTP implements the resolution algorithm's HTTP branch:
// forward; a dial failure or 502/503 counts toward the error budget,
// and once the budget is reached, promote to the container fallback
// and retry exactly once.
func (h *Handler) serveHTTP(w http.ResponseWriter, r *http.Request, sandboxID string, port int, desc sandbox.UpstreamDescriptor, rest string) {
	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
	}

	resp, err := h.attemptForward(r, desc, rest, body)
	failed := err != nil || isRetryableStatus(resp)
	if !failed {
		h.failures.reset(sandboxID, port)
		h.streamResponse(w, resp, sandboxID)
		return
	}
	if resp != nil {
		resp.Body.Close()
	}

	// A dial failure or 502/503 counts toward the consecutive-failure
	// budget; only once the budget is exhausted is a fallback actually
	// provisioned (promotion is expensive, so transient blips don't
	// pay for it).
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

	resp2, err2 := h.attemptForward(r, newDesc, rest, body)
	h.failures.reset(sandboxID, port)
	if err2 != nil || isRetryableStatus(resp2) {
		if resp2 != nil {
			resp2.Body.Close()
		}
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	h.streamResponse(w, resp2, sandboxID)
}

// streamResponse copies resp's status, headers, and body to w without
// buffering the whole body, flushing after every chunk so the client
// sees bytes as they arrive from upstream, and reports the total bytes
// written as egress against sandboxID's quota.
func (h *Handler) streamResponse(w http.ResponseWriter, resp *http.Response, sandboxID string) {
	defer resp.Body.Close()
	copyHeadersExceptHopByHop(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	var total int64
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			total += int64(n)
			if _, werr := w.Write(buf[:n]); werr != nil {
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			break
		}
	}
	h.quota.RecordEgress(sandboxID, total)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
