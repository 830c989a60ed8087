// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"
)

// Server listens on a public TCP address and forwards every request
// to a Handler.
type Server struct {
	listenAddr string
	handler    *Handler
	httpServer *http.Server
	listener   net.Listener
	logger     *slog.Logger
}

// ServerConfig configures a Server.
type ServerConfig struct {
	ListenAddr string
	Handler    *Handler
	Logger     *slog.Logger
}

// NewServer builds a Server. It does not start listening; call Start.
func NewServer(config ServerConfig) (*Server, error) {
	if config.ListenAddr == "" {
		return nil, fmt.Errorf("proxy: listen address is required")
	}
	if config.Handler == nil {
		return nil, fmt.Errorf("proxy: handler is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		listenAddr: config.ListenAddr,
		handler:    config.Handler,
		httpServer: &http.Server{
			Handler: config.Handler,
			// No server-side write timeout: preview traffic includes
			// long-lived streaming responses and WebSocket upgrades.
			ReadHeaderTimeout: 30 * time.Second,
		},
		logger: logger,
	}, nil
}

// Start begins listening and serving in the background. It returns
// once the listener is bound.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("proxy: listen on %s: %w", s.listenAddr, err)
	}
	s.listener = listener

	s.logger.Info("preview proxy started", "address", listener.Addr().String())

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("preview proxy server error", "error", err)
		}
	}()

	notifySystemd("READY=1")
	return nil
}

// notifySystemd sends a readiness notification to systemd's sd_notify
// socket. It is a no-op when NOTIFY_SOCKET is unset, i.e. when not
// running under systemd.
func notifySystemd(state string) {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return
	}
	conn, err := net.Dial("unixgram", socketPath)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.Write([]byte(state))
}

// Shutdown gracefully stops the server, waiting for in-flight
// requests (including proxied streams and WebSocket relays) to finish
// or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down preview proxy")
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the address the server is listening on, or "" if Start
// has not been called.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
