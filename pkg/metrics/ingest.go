package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initIngestMetrics() {
	m.envelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_envelopes_total",
			Help:      "Total number of consumed envelopes by transport and status",
		},
		[]string{"transport", "status"},
	)

	m.transportDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_transport_drops_total",
			Help:      "Total number of messages dropped by full subscriber buffers",
		},
		[]string{"transport"},
	)

	m.publishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_publish_total",
			Help:      "Total number of envelope publish attempts by status",
		},
		[]string{"status"},
	)

	m.publishRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_publish_retries_total",
			Help:      "Total number of envelope publish retries",
		},
	)

	m.batchEvents = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_batch_events",
			Help:      "Number of events per ingested batch",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 7),
		},
	)

	m.batchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_batch_duration_seconds",
			Help:      "Batch ingestion duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	m.registry.MustRegister(m.envelopes)
	m.registry.MustRegister(m.transportDrops)
	m.registry.MustRegister(m.publishes)
	m.registry.MustRegister(m.publishRetries)
	m.registry.MustRegister(m.batchEvents)
	m.registry.MustRegister(m.batchDuration)
}

// RecordEnvelope records a consumed envelope.
func (m *Manager) RecordEnvelope(transport string, status string) {
	if !m.enabled {
		return
	}
	m.envelopes.WithLabelValues(transport, status).Inc()
}

// RecordTransportDrop records messages dropped by a transport.
func (m *Manager) RecordTransportDrop(transport string, count int) {
	if !m.enabled {
		return
	}
	m.transportDrops.WithLabelValues(transport).Add(float64(count))
}

// RecordPublish records an envelope publish outcome.
func (m *Manager) RecordPublish(status string) {
	if !m.enabled {
		return
	}
	m.publishes.WithLabelValues(status).Inc()
}

// RecordPublishRetry records a publish retry.
func (m *Manager) RecordPublishRetry() {
	if !m.enabled {
		return
	}
	m.publishRetries.Inc()
}

// RecordBatch records the size and duration of an ingested batch.
func (m *Manager) RecordBatch(events int, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.batchEvents.Observe(float64(events))
	m.batchDuration.Observe(duration.Seconds())
}
