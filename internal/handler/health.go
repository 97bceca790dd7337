package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mir00r/edge-router/internal/service"
)

// HealthHandler provides the application health check endpoint
type HealthHandler struct {
	startTime time.Time
	version   string
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		startTime: time.Now(),
		version:   version,
	}
}

// LivenessHandler reports that the process is alive
func (h *HealthHandler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now().UTC(),
		"version":   h.version,
		"uptime":    time.Since(h.startTime).String(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// MetricsHandler serves the in-process counters as JSON
type MetricsHandler struct {
	metrics *service.Metrics
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(metrics *service.Metrics) *MetricsHandler {
	return &MetricsHandler{metrics: metrics}
}

// ServeHTTP writes the current metrics snapshot
func (h *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(h.metrics.GetStats())
}
