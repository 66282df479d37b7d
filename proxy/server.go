// Copyright 2026 The Credential Proxy Authors
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

// Server is the credential proxy HTTP server. It binds a TCP address
// (loopback by default) and serves the session, proxy, git, and issue
// endpoints.
type Server struct {
	listenAddress string
	handler       *Handler
	httpServer    *http.Server
	listener      net.Listener
	logger        *slog.Logger
}

// ServerConfig holds configuration for creating a new Server.
type ServerConfig struct {
	// ListenAddress is the TCP address to bind, e.g. "127.0.0.1:8443".
	ListenAddress string

	// Handler serves the routes. Required.
	Handler *Handler

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewServer creates a proxy server with its routes registered.
func NewServer(config ServerConfig) (*Server, error) {
	if config.ListenAddress == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if config.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	handler := config.Handler
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handler.HandleHealth)
	mux.HandleFunc("POST /sessions", handler.HandleCreateSession)
	mux.HandleFunc("DELETE /sessions/{id}", handler.HandleRevokeSession)
	mux.HandleFunc("GET /services", handler.HandleListServices)
	// All methods: the upstream API decides what each verb means.
	mux.HandleFunc("/proxy/{service}/{path...}", handler.HandleProxy)
	mux.HandleFunc("POST /git/fetch-bundle", handler.HandleFetchBundle)
	mux.HandleFunc("POST /git/push-bundle", handler.HandlePushBundle)
	mux.HandleFunc("POST /issues", handler.HandleCreateIssue)

	return &Server{
		listenAddress: config.ListenAddress,
		handler:       handler,
		httpServer: &http.Server{
			Handler:     mux,
			ReadTimeout: 30 * time.Second,
			// Long write timeout: bundle downloads and streamed
			// upstream responses can be large.
			WriteTimeout: 5 * time.Minute,
		},
		logger: logger,
	}, nil
}

// Start begins listening and serving in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.listenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddress, err)
	}
	s.listener = listener

	s.logger.Info("credential proxy server started", "address", listener.Addr().String())

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server error", "error", err)
		}
	}()

	// Notify systemd that we're ready (no-op if not running under systemd)
	notifySystemd("READY=1")

	return nil
}

// Addr returns the bound address, useful when the configured port is 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.listenAddress
	}
	return s.listener.Addr().String()
}

// notifySystemd sends a notification to systemd's sd_notify socket.
// Does nothing if NOTIFY_SOCKET is not set.
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

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down credential proxy server")
	return s.httpServer.Shutdown(ctx)
}
