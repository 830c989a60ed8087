// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sandboxd/sandboxd/metrics"
	"github.com/sandboxd/sandboxd/sandbox"
	"github.com/sandboxd/sandboxd/snapshot"
)

// Config configures a Handler.
type Config struct {
	Sandboxes *sandbox.Manager
	Snapshots *snapshot.Engine
	Metrics   *metrics.Registry

	// Preview answers every /preview/ request; ordinarily a
	// *proxy.Handler, accepted as http.Handler here so this package
	// does not need to import proxy.
	Preview http.Handler

	// StorageProbe backs GET /health/ready; ordinarily the same
	// storage.Backend the snapshot engine writes through, accepted as
	// the narrow Prober interface so this package does not need to
	// import storage.
	StorageProbe Prober

	// IsolationProbe backs GET /health/ready's isolation-driver check;
	// ordinarily the same *sandbox.Manager serving every other route,
	// accepted as the narrow IsolationProbe interface.
	IsolationProbe IsolationProbe

	Logger *slog.Logger
}

// Handler is the C8 HTTP façade: one mux dispatching every
// control-plane route to the sandbox runtime, the snapshot engine, the
// preview proxy, and the metrics registry.
type Handler struct {
	sandboxes      *sandbox.Manager
	snapshots      *snapshot.Engine
	metrics        *metrics.Registry
	preview        http.Handler
	storageProbe   Prober
	isolationProbe IsolationProbe
	log            *slog.Logger

	mux http.Handler
}

// NewHandler builds a Handler with every route wired and wrapped in
// the metrics registry's request-observing middleware.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		sandboxes:      cfg.Sandboxes,
		snapshots:      cfg.Snapshots,
		metrics:        cfg.Metrics,
		preview:        cfg.Preview,
		storageProbe:   cfg.StorageProbe,
		isolationProbe: cfg.IsolationProbe,
		log:            logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/sandboxes", h.handleSandboxesCollection)
	mux.HandleFunc("/sandboxes/", h.handleSandboxesItem)
	mux.HandleFunc("/snapshot/create", h.handleSnapshotCreate)
	mux.HandleFunc("/snapshot/restore", h.handleSnapshotRestore)
	mux.HandleFunc("/snapshot/list", h.handleSnapshotList)
	mux.HandleFunc("/snapshot/", h.handleSnapshotItem)
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/health/ready", h.handleHealthReady)
	mux.HandleFunc("/status", h.handleStatus)
	if h.metrics != nil {
		mux.Handle("/metrics", h.metrics)
	}
	if h.preview != nil {
		mux.Handle("/preview/", h.preview)
	}

	var wrapped http.Handler = mux
	if h.metrics != nil {
		wrapped = h.metrics.HTTPMiddleware(mux)
	}
	h.mux = wrapped
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Server wraps a Handler in a net/http server with graceful shutdown,
// matching the lifecycle the preview proxy's own Server offers.
type Server struct {
	listenAddr string
	handler    *Handler
	httpServer *http.Server
	logger     *slog.Logger
}

// ServerConfig configures a Server.
type ServerConfig struct {
	ListenAddr string
	Handler    *Handler
	Logger     *slog.Logger
}

func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		listenAddr: cfg.ListenAddr,
		handler:    cfg.Handler,
		logger:     logger,
		httpServer: &http.Server{
			Handler:           cfg.Handler,
			ReadHeaderTimeout: 30 * time.Second,
		},
	}
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api: server error", "error", err)
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// pathSegments trims leading and trailing slashes from the remainder of
// a request path after prefix and splits it at the first "/" into at
// most two parts: the first segment and the unsplit rest.
func pathSegments(path, prefix string) []string {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return nil
	}
	return strings.SplitN(rest, "/", 2)
}
