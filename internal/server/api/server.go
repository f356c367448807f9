// Package api is the Stormcloud server's request router. Every agent call
// arrives as a POST to /api/request carrying a typed JSON envelope (uploads
// ride multipart with the envelope in a "json" part); the router authenticates
// against the catalog, dispatches on request_type, and answers in the standard
// response envelope.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/stormcloudapp/stormcloud/internal/logging"
	"github.com/stormcloudapp/stormcloud/internal/server/catalog"
	"github.com/stormcloudapp/stormcloud/internal/server/vault"
	"github.com/stormcloudapp/stormcloud/internal/transport"
)

// Server is the HTTP API server.
type Server struct {
	catalog     catalog.Catalog
	vault       *vault.Vault
	maxUpload   int64
	httpServer  *http.Server
	rateLimiter *RateLimiter
}

// Config holds configuration for the API server.
type Config struct {
	Port    int
	Catalog catalog.Catalog
	Vault   *vault.Vault

	// MaxUploadBytes caps the file_content part of a backup_file request;
	// larger files must use backup_file_stream. Zero selects the client's
	// streaming threshold.
	MaxUploadBytes int64

	// DisableRateLimit turns off per-client limiting; used by tests.
	DisableRateLimit bool
}

// NewServer creates the API server with its middleware chain.
func NewServer(cfg Config) *Server {
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = transport.StreamThreshold
	}

	s := &Server{
		catalog:   cfg.Catalog,
		vault:     cfg.Vault,
		maxUpload: maxUpload,
	}

	if !cfg.DisableRateLimit {
		s.rateLimiter = NewRateLimiter(DefaultRateLimitConfig())
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/request", s.handleRequest)

	middlewares := []func(http.Handler) http.Handler{
		CorrelationIDMiddleware,
		RequestLoggingMiddleware,
	}
	if s.rateLimiter != nil {
		middlewares = append(middlewares, RateLimitMiddleware(s.rateLimiter))
	}
	handler := ChainMiddleware(mux, middlewares...)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
		// Bodies stream for as long as an upload takes; only headers are
		// held to a deadline.
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Handler exposes the full middleware chain; used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.Info("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server")
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	return s.httpServer.Shutdown(ctx)
}
