// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// failureKey identifies a proxy target for the consecutive-failure
// error budget.
type failureKey struct {
	sandboxID string
	port      int
}

// failureTracker counts consecutive upstream failures per (sandbox,
// port) so the handler can trigger a fallback promotion once the
// count reaches errorBudget. Only dial failures and 502/503 answers
// count as failures.
type failureTracker struct {
	mu     sync.Mutex
	counts map[failureKey]int
}

func newFailureTracker() *failureTracker {
	return &failureTracker{counts: make(map[failureKey]int)}
}

func (t *failureTracker) fail(sandboxID string, port int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := failureKey{sandboxID, port}
	t.counts[key]++
	return t.counts[key]
}

func (t *failureTracker) reset(sandboxID string, port int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counts, failureKey{sandboxID, port})
}

// errorBudget is the number of consecutive failures (dial errors or
// 502/503 answers) on one target that triggers a fallback promotion.
const errorBudget = 3

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	Resolver    Resolver
	Metrics     MetricsRecorder
	Quota       QuotaRecorder
	Logger      *slog.Logger
	DialTimeout time.Duration // default 5s, mirrors PROXY_UPSTREAM_TIMEOUT_SECONDS
}

// Handler is the HTTP entry point for the preview proxy: it dispatches
// each request to the HTTP forwarder or the WebSocket relay depending
// on whether the client requested a protocol upgrade.
type Handler struct {
	resolver    Resolver
	metrics     MetricsRecorder
	quota       QuotaRecorder
	log         *slog.Logger
	dialTimeout time.Duration
	failures    *failureTracker

	mu      sync.Mutex
	clients map[sandboxUpstreamKey]*http.Client
}

// sandboxUpstreamKey caches one *http.Client per distinct upstream
// descriptor so dialed connections are reused across requests.
type sandboxUpstreamKey struct {
	network string
	address string
}

// NewHandler builds a Handler. Resolver is required; Metrics and
// Logger default to no-ops.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Quota == nil {
		cfg.Quota = noopQuota{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &Handler{
		resolver:    cfg.Resolver,
		metrics:     cfg.Metrics,
		quota:       cfg.Quota,
		log:         cfg.Logger,
		dialTimeout: cfg.DialTimeout,
		failures:    newFailureTracker(),
		clients:     make(map[sandboxUpstreamKey]*http.Client),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sandboxID, port, rest, ok := parsePreviewPath(r.URL.Path)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	desc, found, err := h.resolver.PreviewUpstream(sandboxID, port)
	if err != nil {
		h.log.Error("preview: resolving upstream failed", "sandbox_id", sandboxID, "port", port, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "NotListening", http.StatusBadGateway)
		return
	}

	h.metrics.IncPreviewInFlight()
	defer h.metrics.DecPreviewInFlight()

	if isWebSocketUpgrade(r) {
		h.serveWebSocket(w, r, sandboxID, port, desc, rest)
		return
	}

	h.serveHTTP(w, r, sandboxID, port, desc, rest)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return httpHeaderContainsToken(r.Header.Get("Connection"), "upgrade") &&
		httpHeaderEqualFold(r.Header.Get("Upgrade"), "websocket")
}
