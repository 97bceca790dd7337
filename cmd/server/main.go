package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/mir00r/edge-router/internal/config"
	"github.com/mir00r/edge-router/internal/handler"
	"github.com/mir00r/edge-router/internal/middleware"
	"github.com/mir00r/edge-router/internal/server"
	"github.com/mir00r/edge-router/internal/service"
	"github.com/mir00r/edge-router/pkg/logger"
)

const (
	version         = "1.0.0"
	shutdownTimeout = 30 * time.Second
)

// configPath resolves the configuration file location
func configPath() string {
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		return path
	}
	if len(os.Args) > 1 {
		return os.Args[1]
	}
	return "config.yaml"
}

func main() {
	cfg, err := config.LoadFromFile(configPath())
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		File:   cfg.Logging.File,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info("Starting edge router")

	// The policy is built once here and shared read-only; a restart is
	// required to pick up changes.
	policy, err := cfg.ToPolicy()
	if err != nil {
		log.WithError(err).Fatal("Failed to build routing policy")
	}

	log.WithFields(map[string]interface{}{
		"version":      version,
		"port":         cfg.Server.Port,
		"mirrors":      len(policy.Mirrors),
		"experiments":  len(policy.Experiments),
		"auth_enabled": policy.BasicAuthSecret != "",
	}).Info("Routing policy loaded")

	// Services
	metrics := service.NewMetrics()
	failover := service.NewFailoverSelector(policy.Mirrors, cfg.Proxy.AttemptTimeout, metrics, log)
	assigner := service.NewExperimentAssigner(policy)
	queries := service.NewQueryNormalizer(policy.QueryRetainRules)

	// Handlers
	overrides := handler.NewPathOverrides(policy)
	pipeline := handler.NewPipeline(policy, overrides, failover, assigner, queries, metrics, log)
	healthHandler := handler.NewHealthHandler(version)
	metricsHandler := handler.NewMetricsHandler(metrics)

	// Policy gates wrap only proxied traffic, in decision order:
	// access control, then the auth gate, then the pipeline.
	accessControl := middleware.NewAccessControl(policy, log, metrics.IncrementSynthetic)
	authGate := middleware.NewAuthGate(policy.BasicAuthSecret, log, metrics.IncrementSynthetic)

	var proxied http.Handler = pipeline
	proxied = authGate.Middleware()(proxied)
	proxied = accessControl.Middleware()(proxied)

	router := mux.NewRouter()
	router.HandleFunc("/__edge/healthz", healthHandler.LivenessHandler).Methods(http.MethodGet)
	router.Handle("/__edge/metricsz", metricsHandler).Methods(http.MethodGet)
	router.PathPrefix("/").Handler(proxied)

	// Outer middleware applies to everything, internals included.
	rateLimiter := middleware.NewRateLimitMiddleware(middleware.RateLimitConfig{
		Enabled:         cfg.RateLimit.Enabled,
		RequestsPerSec:  cfg.RateLimit.RequestsPerSec,
		BurstSize:       cfg.RateLimit.BurstSize,
		CleanupInterval: cfg.RateLimit.CleanupInterval,
	}, log)

	var root http.Handler = router
	root = rateLimiter.RateLimit()(root)
	root = middleware.LoggingMiddleware(log)(root)
	root = middleware.RecoveryMiddleware(log)(root)

	srv, err := server.New(cfg.Server, root, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create server")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Server failed")
		}
	case sig := <-stop:
		log.WithField("signal", sig.String()).Info("Shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Graceful shutdown failed")
		}
	}

	log.Info("Edge router stopped")
}
