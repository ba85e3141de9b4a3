package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// initLearningMetrics initializes update manager metrics.
func (m *Manager) initLearningMetrics(cfg Config) {
	m.eventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Total number of activity events by ingestion result",
		},
		[]string{"result"},
	)

	m.eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Total number of dropped activity events by reason",
		},
		[]string{"reason"},
	)

	m.updates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_total",
			Help:      "Total number of update episodes by result",
		},
		[]string{"result"},
	)

	m.updateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "update_duration_seconds",
			Help:      "Update episode duration in seconds",
			Buckets:   cfg.UpdateDurationBuckets,
		},
		[]string{"result"},
	)

	m.rewards = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reward",
			Help:      "Distribution of computed rewards",
			Buckets:   cfg.RewardBuckets,
		},
	)

	m.recommendations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recommendations_total",
			Help:      "Total number of recommended actions by provenance",
		},
		[]string{"provenance"},
	)

	m.qtableEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "qtable_entries",
			Help:      "Number of Q-table entries per course",
		},
		[]string{"course"},
	)

	m.contextsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "contexts_active",
			Help:      "Current number of tracked learning contexts",
		},
	)

	m.snapshots = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Total number of snapshot operations by result",
		},
		[]string{"result"},
	)

	m.registry.MustRegister(m.eventsIngested)
	m.registry.MustRegister(m.eventsDropped)
	m.registry.MustRegister(m.updates)
	m.registry.MustRegister(m.updateDuration)
	m.registry.MustRegister(m.rewards)
	m.registry.MustRegister(m.recommendations)
	m.registry.MustRegister(m.qtableEntries)
	m.registry.MustRegister(m.contextsActive)
	m.registry.MustRegister(m.snapshots)
}

// RecordEventIngested records an event that passed or failed validation.
func (m *Manager) RecordEventIngested(result string) {
	if !m.enabled {
		return
	}
	m.eventsIngested.WithLabelValues(result).Inc()
}

// RecordEventDropped records a dropped event.
func (m *Manager) RecordEventDropped(reason string) {
	if !m.enabled {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

// RecordUpdate records an update episode and its duration.
func (m *Manager) RecordUpdate(result string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.updates.WithLabelValues(result).Inc()
	m.updateDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordReward records a computed reward.
func (m *Manager) RecordReward(value float64) {
	if !m.enabled {
		return
	}
	m.rewards.Observe(value)
}

// RecordRecommendation records one recommended action.
func (m *Manager) RecordRecommendation(provenance string) {
	if !m.enabled {
		return
	}
	m.recommendations.WithLabelValues(provenance).Inc()
}

// SetQTableEntries sets the Q-table size of a course.
func (m *Manager) SetQTableEntries(courseID string, entries int) {
	if !m.enabled {
		return
	}
	m.qtableEntries.WithLabelValues(courseID).Set(float64(entries))
}

// SetActiveContexts sets the number of tracked contexts.
func (m *Manager) SetActiveContexts(count int) {
	if !m.enabled {
		return
	}
	m.contextsActive.Set(float64(count))
}

// RecordSnapshot records a snapshot save or restore.
func (m *Manager) RecordSnapshot(result string) {
	if !m.enabled {
		return
	}
	m.snapshots.WithLabelValues(result).Inc()
}
