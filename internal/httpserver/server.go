// Package httpserver wires internal/httpapi's handlers into an
// http.Server with the same middleware chain shape the teacher's
// internal/server package used, adapted to the attendance domain.
package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/vireclass/attendd/internal/config"
	"github.com/vireclass/attendd/internal/httpapi"
	"github.com/vireclass/attendd/internal/obs"
)

// Server manages the HTTP server and routes.
type Server struct {
	handlers   *httpapi.Handlers
	mcpHandler http.Handler
	router     *http.ServeMux
	server     *http.Server
	logger     *obs.Logger
}

// New builds a Server over handlers, bound to the address in cfg.Server.
// mcpHandler may be nil; when set it is mounted at /mcp.
func New(cfg *config.Config, handlers *httpapi.Handlers, mcpHandler http.Handler, logger *obs.Logger) *Server {
	s := &Server{
		handlers:   handlers,
		mcpHandler: mcpHandler,
		logger:     logger,
	}
	s.router = s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.withMiddleware(s.router),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start blocks serving HTTP until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.server.Addr).Msg("http server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("httpserver: %w", err)
	}
	return nil
}

// Shutdown gracefully drains in-flight requests before returning.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("http server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("httpserver: shutdown: %w", err)
	}
	return nil
}

// Handler exposes the wrapped handler for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}
