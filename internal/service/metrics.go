package service

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks per-mirror and synthetic-response counters
type Metrics struct {
	// Global counters
	totalRequests int64
	totalErrors   int64

	// Per-mirror metrics
	mirrorMetrics map[string]*MirrorMetrics
	// Synthetic responses by kind (not_found, redirect, force_ssl,
	// unauthorized, forbidden, error)
	synthetic map[string]int64
	mu        sync.RWMutex
}

// MirrorMetrics holds metrics for a specific mirror
type MirrorMetrics struct {
	Requests     int64     `json:"requests"`
	Errors       int64     `json:"errors"`
	Failovers    int64     `json:"failovers"`
	TotalLatency int64     `json:"total_latency_ms"`
	MaxLatency   int64     `json:"max_latency_ms"`
	LastRequest  time.Time `json:"last_request"`
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		mirrorMetrics: make(map[string]*MirrorMetrics),
		synthetic:     make(map[string]int64),
	}
}

// IncrementRequests increments the request count for a mirror
func (m *Metrics) IncrementRequests(mirror string) {
	atomic.AddInt64(&m.totalRequests, 1)

	m.mu.Lock()
	defer m.mu.Unlock()

	mm := m.mirror(mirror)
	mm.Requests++
	mm.LastRequest = time.Now()
}

// IncrementErrors increments the error count for a mirror
func (m *Metrics) IncrementErrors(mirror string) {
	atomic.AddInt64(&m.totalErrors, 1)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.mirror(mirror).Errors++
}

// IncrementFailovers records that the chain advanced past a mirror
func (m *Metrics) IncrementFailovers(mirror string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mirror(mirror).Failovers++
}

// IncrementSynthetic records a synthetic response by kind
func (m *Metrics) IncrementSynthetic(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.synthetic[kind]++
}

// RecordLatency records the duration of a successful mirror fetch
func (m *Metrics) RecordLatency(mirror string, d time.Duration) {
	ms := d.Milliseconds()

	m.mu.Lock()
	defer m.mu.Unlock()

	mm := m.mirror(mirror)
	mm.TotalLatency += ms
	if ms > mm.MaxLatency {
		mm.MaxLatency = ms
	}
}

// mirror returns the metrics entry for a mirror, creating it if needed.
// Callers must hold the lock.
func (m *Metrics) mirror(name string) *MirrorMetrics {
	mm := m.mirrorMetrics[name]
	if mm == nil {
		mm = &MirrorMetrics{}
		m.mirrorMetrics[name] = mm
	}
	return mm
}

// GetStats returns current statistics
func (m *Metrics) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mirrors := make(map[string]MirrorMetrics, len(m.mirrorMetrics))
	for name, mm := range m.mirrorMetrics {
		mirrors[name] = *mm
	}

	synthetic := make(map[string]int64, len(m.synthetic))
	for kind, n := range m.synthetic {
		synthetic[kind] = n
	}

	return map[string]interface{}{
		"total_requests": atomic.LoadInt64(&m.totalRequests),
		"total_errors":   atomic.LoadInt64(&m.totalErrors),
		"mirrors":        mirrors,
		"synthetic":      synthetic,
	}
}
