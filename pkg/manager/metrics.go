package manager

import (
	"sync"
	"time"
)

// MetricsRecorder defines metrics hooks for the update manager.
type MetricsRecorder interface {
	RecordEventIngested(result string)
	RecordEventDropped(reason string)
	RecordUpdate(result string, duration time.Duration)
	RecordReward(value float64)
	RecordRecommendation(provenance string)
	SetQTableEntries(courseID string, entries int)
	SetActiveContexts(count int)
	RecordSnapshot(result string)
}

type nopMetrics struct{}

func (n *nopMetrics) RecordEventIngested(result string)                  {}
func (n *nopMetrics) RecordEventDropped(reason string)                   {}
func (n *nopMetrics) RecordUpdate(result string, duration time.Duration) {}
func (n *nopMetrics) RecordReward(value float64)                         {}
func (n *nopMetrics) RecordRecommendation(provenance string)             {}
func (n *nopMetrics) SetQTableEntries(courseID string, entries int)      {}
func (n *nopMetrics) SetActiveContexts(count int)                        {}
func (n *nopMetrics) RecordSnapshot(result string)                       {}

var (
	metricsMu sync.RWMutex
	metrics   MetricsRecorder = &nopMetrics{}
)

// SetMetricsRecorder sets the package-level manager metrics recorder.
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
