package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mir00r/edge-router/internal/config"
	"github.com/mir00r/edge-router/pkg/logger"
	"golang.org/x/net/http2"
)

// Server wraps the HTTP listener with optional TLS and HTTP/2 support
// and graceful shutdown.
type Server struct {
	config     config.ServerConfig
	logger     *logger.Logger
	httpServer *http.Server
}

// New creates a server for the given handler.
func New(cfg config.ServerConfig, handler http.Handler, log *logger.Logger) (*Server, error) {
	s := &Server{
		config: cfg,
		logger: log,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}

	if cfg.TLS.Enabled {
		if err := http2.ConfigureServer(s.httpServer, &http2.Server{
			IdleTimeout: 300 * time.Second,
		}); err != nil {
			return nil, fmt.Errorf("failed to configure HTTP/2: %w", err)
		}
	}

	return s, nil
}

// Start runs the listener. It blocks until the server stops.
func (s *Server) Start() error {
	if s.config.TLS.Enabled {
		s.logger.WithFields(map[string]interface{}{
			"port":        s.config.Port,
			"tls_enabled": true,
			"cert_file":   s.config.TLS.CertFile,
		}).Info("Starting HTTPS server")

		return s.httpServer.ListenAndServeTLS(s.config.TLS.CertFile, s.config.TLS.KeyFile)
	}

	s.logger.WithFields(map[string]interface{}{
		"port":        s.config.Port,
		"tls_enabled": false,
	}).Info("Starting HTTP server")

	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server")
	return s.httpServer.Shutdown(ctx)
}
