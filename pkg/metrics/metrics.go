// Package metrics provides Prometheus metrics instrumentation for nextstep.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nextstep"

// Manager manages all Prometheus metrics of the service. It satisfies the
// MetricsRecorder interfaces of the manager, collab and ingest packages.
type Manager struct {
	registry *prometheus.Registry
	enabled  bool

	// Learning metrics
	eventsIngested  *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	updates         *prometheus.CounterVec
	updateDuration  *prometheus.HistogramVec
	rewards         prometheus.Histogram
	recommendations *prometheus.CounterVec
	qtableEntries   *prometheus.GaugeVec
	contextsActive  prometheus.Gauge
	snapshots       *prometheus.CounterVec

	// Dependency metrics
	dependencyCalls    *prometheus.CounterVec
	dependencyDuration *prometheus.HistogramVec
	breakerState       *prometheus.GaugeVec

	// Ingest metrics
	envelopes      *prometheus.CounterVec
	transportDrops *prometheus.CounterVec
	publishes      *prometheus.CounterVec
	publishRetries prometheus.Counter
	batchEvents    prometheus.Histogram
	batchDuration  prometheus.Histogram

	// HTTP metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Port    int
	Path    string

	// Histogram bucket configurations
	UpdateDurationBuckets     []float64
	DependencyDurationBuckets []float64
	RewardBuckets             []float64
	HTTPDurationBuckets       []float64
}

// DefaultConfig returns default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:                   true,
		Port:                      9091,
		Path:                      "/metrics",
		UpdateDurationBuckets:     []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		DependencyDurationBuckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		RewardBuckets:             []float64{-1, -0.5, -0.25, -0.1, 0, 0.1, 0.25, 0.5, 1},
		HTTPDurationBuckets:       []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}
}

// NewManager creates a new metrics manager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{enabled: false}
	}

	registry := prometheus.NewRegistry()

	// Register Go runtime metrics
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Manager{
		registry: registry,
		enabled:  true,
	}

	m.initLearningMetrics(cfg)
	m.initDependencyMetrics(cfg)
	m.initIngestMetrics()
	m.initHTTPMetrics(cfg)

	return m
}

// Enabled returns whether metrics collection is enabled.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Registry returns the underlying registry, nil when disabled.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Manager) Handler() http.Handler {
	if !m.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NoOpManager returns a no-op metrics manager for when metrics are disabled.
func NoOpManager() *Manager {
	return &Manager{enabled: false}
}
