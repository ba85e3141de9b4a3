package collab

import (
	"sync"
	"time"
)

// MetricsRecorder defines metrics hooks for collaborator calls.
type MetricsRecorder interface {
	RecordDependencyCall(dependency string, result string, duration time.Duration)
	RecordBreakerState(dependency string, state string)
}

type nopMetrics struct{}

func (n *nopMetrics) RecordDependencyCall(dependency string, result string, duration time.Duration) {}
func (n *nopMetrics) RecordBreakerState(dependency string, state string)                            {}

var (
	metricsMu sync.RWMutex
	metrics   MetricsRecorder = &nopMetrics{}
)

// SetMetricsRecorder sets the package-level collaborator metrics recorder.
func SetMetricsRecorder(recorder MetricsRecorder) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if recorder == nil {
		metrics = &nopMetrics{}
		return
	}
	metrics = recorder
}

func metricsRecorder() MetricsRecorder {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return metrics
}
