package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initDependencyMetrics(cfg Config) {
	m.dependencyCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dependency_calls_total",
			Help:      "Total number of collaborator calls by dependency and result",
		},
		[]string{"dependency", "result"},
	)

	m.dependencyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dependency_duration_seconds",
			Help:      "Collaborator call duration in seconds, retries included",
			Buckets:   cfg.DependencyDurationBuckets,
		},
		[]string{"dependency"},
	)

	m.breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dependency_breaker_state",
			Help:      "Circuit breaker state per dependency (0 closed, 1 half-open, 2 open)",
		},
		[]string{"dependency"},
	)

	m.registry.MustRegister(m.dependencyCalls)
	m.registry.MustRegister(m.dependencyDuration)
	m.registry.MustRegister(m.breakerState)
}

// RecordDependencyCall records a guarded collaborator call.
func (m *Manager) RecordDependencyCall(dependency string, result string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.dependencyCalls.WithLabelValues(dependency, result).Inc()
	m.dependencyDuration.WithLabelValues(dependency).Observe(duration.Seconds())
}

// RecordBreakerState records a circuit breaker transition.
func (m *Manager) RecordBreakerState(dependency string, state string) {
	if !m.enabled {
		return
	}
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.breakerState.WithLabelValues(dependency).Set(v)
}
