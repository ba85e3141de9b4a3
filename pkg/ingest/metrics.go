package ingest

import (
	"sync"
	"time"
)

// MetricsRecorder defines metrics hooks for event ingestion.
type MetricsRecorder interface {
	RecordEnvelope(transport string, status string)
	RecordTransportDrop(transport string, count int)
	RecordPublish(status string)
	RecordPublishRetry()
	RecordBatch(events int, duration time.Duration)
}

type nopMetrics struct{}

func (n *nopMetrics) RecordEnvelope(transport string, status string)  {}
func (n *nopMetrics) RecordTransportDrop(transport string, count int) {}
func (n *nopMetrics) RecordPublish(status string)                     {}
func (n *nopMetrics) RecordPublishRetry()                             {}
func (n *nopMetrics) RecordBatch(events int, duration time.Duration)  {}

var (
	metricsMu sync.RWMutex
	metrics   MetricsRecorder = &nopMetrics{}
)

// SetMetricsRecorder sets the package-level ingest metrics recorder.
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
	if metrics == nil {
		return &nopMetrics{}
	}
	return metrics
}
