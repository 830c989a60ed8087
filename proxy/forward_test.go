// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sandboxd/sandboxd/sandbox"
)

// fakeResolver is a test double for Resolver. It serves upstream
// descriptors from a fixed map and records promotion calls.
type fakeResolver struct {
	mu         sync.Mutex
	upstreams  map[string]sandbox.UpstreamDescriptor
	promoted   map[string]sandbox.UpstreamDescriptor
	promoteErr error
	promotions int
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		upstreams: make(map[string]sandbox.UpstreamDescriptor),
		promoted:  make(map[string]sandbox.UpstreamDescriptor),
	}
}

func key(sandboxID string, port int) string {
	return sandboxID + "/" + strconv.Itoa(port)
}

func (f *fakeResolver) set(sandboxID string, port int, desc sandbox.UpstreamDescriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upstreams[key(sandboxID, port)] = desc
}

func (f *fakeResolver) PreviewUpstream(sandboxID string, port int) (sandbox.UpstreamDescriptor, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	desc, ok := f.upstreams[key(sandboxID, port)]
	return desc, ok, nil
}

func (f *fakeResolver) PromoteToFallback(_ context.Context, sandboxID string, port int) (sandbox.UpstreamDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promotions++
	if f.promoteErr != nil {
		return sandbox.UpstreamDescriptor{}, f.promoteErr
	}
	desc, ok := f.promoted[key(sandboxID, port)]
	if !ok {
		return sandbox.UpstreamDescriptor{}, fmt.Errorf("no fallback configured for %s/%d", sandboxID, port)
	}
	f.upstreams[key(sandboxID, port)] = desc
	return desc, nil
}

// tcpUpstreamDescriptor returns a descriptor dialing the given
// httptest server's listener address directly (bypassing its client
// helpers, since the handler dials by network/address, not by URL).
func tcpUpstreamDescriptor(t *testing.T, srv *httptest.Server) sandbox.UpstreamDescriptor {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	return sandbox.UpstreamDescriptor{Network: "tcp", Address: u.Host}
}

func newTestHandler(resolver Resolver) *Handler {
	return NewHandler(HandlerConfig{Resolver: resolver, DialTimeout: 2 * time.Second})
}

func TestServeHTTPForwardsVerbatim(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Test") != "hello" {
			t.Errorf("upstream saw X-Test = %q, want hello", r.Header.Get("X-Test"))
		}
		if r.URL.Path != "/api/widgets" {
			t.Errorf("upstream saw path = %q, want /api/widgets", r.URL.Path)
		}
		if r.URL.RawQuery != "q=1" {
			t.Errorf("upstream saw query = %q, want q=1", r.URL.RawQuery)
		}
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	resolver := newFakeResolver()
	resolver.set("sbx_1", 8080, tcpUpstreamDescriptor(t, upstream))
	h := newTestHandler(resolver)

	req := httptest.NewRequest(http.MethodGet, "/preview/sbx_1/8080/api/widgets?q=1", nil)
	req.Header.Set("X-Test", "hello")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	if rec.Header().Get("X-Upstream") != "yes" {
		t.Fatalf("missing forwarded response header")
	}
	if rec.Body.String() != "ok" {
		t.Fatalf("body = %q, want ok", rec.Body.String())
	}
}

func TestServeHTTPStripsHopByHopHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Keep-Alive") != "" {
			t.Errorf("hop-by-hop header Keep-Alive leaked to upstream")
		}
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("X-Kept", "yes")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	resolver := newFakeResolver()
	resolver.set("sbx_1", 8080, tcpUpstreamDescriptor(t, upstream))
	h := newTestHandler(resolver)

	req := httptest.NewRequest(http.MethodGet, "/preview/sbx_1/8080/", nil)
	req.Header.Set("Keep-Alive", "timeout=5")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Header().Get("Keep-Alive") != "" {
		t.Fatalf("hop-by-hop response header Keep-Alive was forwarded")
	}
	if rec.Header().Get("X-Kept") != "yes" {
		t.Fatalf("non-hop-by-hop response header was dropped")
	}
}

func TestServeHTTPUnregisteredPortReturnsBadGateway(t *testing.T) {
	resolver := newFakeResolver()
	h := newTestHandler(resolver)

	req := httptest.NewRequest(http.MethodGet, "/preview/sbx_1/8080/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestServeHTTPPromotesAfterErrorBudgetExhausted(t *testing.T) {
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("fallback"))
	}))
	defer fallback.Close()

	// A dead listener: accept-then-close simulates a consistently
	// unreachable upstream without relying on connection refused
	// timing.
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := dead.Addr().String()
	dead.Close()

	resolver := newFakeResolver()
	resolver.set("sbx_1", 8080, sandbox.UpstreamDescriptor{Network: "tcp", Address: deadAddr})
	resolver.promoted[key("sbx_1", 8080)] = tcpUpstreamDescriptor(t, fallback)
	h := newTestHandler(resolver)

	var rec *httptest.ResponseRecorder
	for i := 0; i < errorBudget; i++ {
		req := httptest.NewRequest(http.MethodGet, "/preview/sbx_1/8080/", nil)
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
	}

	if resolver.promotions != 1 {
		t.Fatalf("promotions = %d, want exactly 1", resolver.promotions)
	}
	if rec.Code != http.StatusOK || rec.Body.String() != "fallback" {
		t.Fatalf("final response = %d %q, want 200 fallback", rec.Code, rec.Body.String())
	}
}

func TestServeHTTPReturnsBadGatewayWhenPromotionFails(t *testing.T) {
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := dead.Addr().String()
	dead.Close()

	resolver := newFakeResolver()
	resolver.set("sbx_1", 8080, sandbox.UpstreamDescriptor{Network: "tcp", Address: deadAddr})
	resolver.promoteErr = fmt.Errorf("no container driver configured")
	h := newTestHandler(resolver)

	var rec *httptest.ResponseRecorder
	for i := 0; i < errorBudget; i++ {
		req := httptest.NewRequest(http.MethodGet, "/preview/sbx_1/8080/", nil)
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
	}

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestParsePreviewPath(t *testing.T) {
	cases := []struct {
		path     string
		wantID   string
		wantPort int
		wantRest string
		wantOK   bool
	}{
		{"/preview/sbx_1/8080/api/widgets", "sbx_1", 8080, "/api/widgets", true},
		{"/preview/sbx_1/8080", "sbx_1", 8080, "/", true},
		{"/preview/sbx_1/8080/", "sbx_1", 8080, "/", true},
		{"/preview/sbx_1/not-a-port", "", 0, "", false},
		{"/preview/sbx_1", "", 0, "", false},
		{"/other/path", "", 0, "", false},
	}
	for _, tc := range cases {
		id, port, rest, ok := parsePreviewPath(tc.path)
		if ok != tc.wantOK || id != tc.wantID || port != tc.wantPort || (ok && rest != tc.wantRest) {
			t.Errorf("parsePreviewPath(%q) = (%q, %d, %q, %v), want (%q, %d, %q, %v)",
				tc.path, id, port, rest, ok, tc.wantID, tc.wantPort, tc.wantRest, tc.wantOK)
		}
	}
}

func TestServeWebSocketRelaysBothDirections(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upstream upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			// Echo back, uppercased, to prove data crossed the relay.
			conn.WriteMessage(mt, []byte(strings.ToUpper(string(data))))
		}
	}))
	defer upstream.Close()

	resolver := newFakeResolver()
	resolver.set("sbx_1", 8080, tcpUpstreamDescriptor(t, upstream))
	h := newTestHandler(resolver)

	proxySrv := httptest.NewServer(h)
	defer proxySrv.Close()

	wsURL := "ws" + strings.TrimPrefix(proxySrv.URL, "http") + "/preview/sbx_1/8080/ws"
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("client dial failed: %v", err)
	}
	defer client.Close()

	if err := client.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if string(data) != "HELLO" {
		t.Fatalf("relayed message = %q, want HELLO", data)
	}
}

func TestStreamResponseCopiesBodyWithoutBuffering(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			io.WriteString(w, "chunk")
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	resolver := newFakeResolver()
	resolver.set("sbx_1", 8080, tcpUpstreamDescriptor(t, upstream))
	h := newTestHandler(resolver)

	req := httptest.NewRequest(http.MethodGet, "/preview/sbx_1/8080/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Body.String() != "chunkchunkchunk" {
		t.Fatalf("body = %q, want chunkchunkchunk", rec.Body.String())
	}
}
