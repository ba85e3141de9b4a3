package config

import "time"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:            "nextstep",
			Version:         "dev",
			Environment:     "development",
			Debug:           false,
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9091,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlp",
			Endpoint:   "localhost:4317",
			Timeout:    5 * time.Second,
			Sampler:    "ratio",
			SampleRate: 0.1,
		},
		Storage: StorageConfig{
			Type:         "memory",
			HistoryLimit: 10,
			Badger: BadgerConfig{
				Path:              "./data/badger",
				SyncWrites:        true,
				ValueLogFileSize:  1 << 28, // 256MB
				NumVersionsToKeep: 1,
			},
			SQLite: SQLiteConfig{
				Path: "./data/nextstep.db",
			},
		},
		Ingest: IngestConfig{
			Transport:    "memory",
			Buffer:       256,
			Concurrency:  8,
			DedupeWindow: 4096,
			Redis: RedisConfig{
				Address:       "localhost:6379",
				ChannelPrefix: "nextstep:",
			},
		},
		Learning: LearningConfig{
			Alpha:             0.1,
			Gamma:             0.9,
			Epsilon:           0.1,
			TopK:              3,
			MinLogsForUpdate:  5,
			TimeWindow:        time.Hour,
			WindowPolicy:      "clear",
			EnrichTimeout:     2 * time.Second,
			InactivityTimeout: 7 * 24 * time.Hour,
			EvictionInterval:  10 * time.Minute,
			SnapshotInterval:  5 * time.Minute,
		},
		Buffer: BufferConfig{
			MaxEvents:       256,
			MaxAge:          14 * 24 * time.Hour,
			RecencyHalfLife: 24 * time.Hour,
			SessionGap:      30 * time.Minute,
			Shards:          32,
		},
		Encoder: EncoderConfig{
			NumClusters:        5,
			MaxModules:         64,
			ProgressBoundaries: []float64{0.25, 0.5, 0.75},
			ScoreBoundaries:    []float64{0.25, 0.5, 0.75},
			Engagement: EngagementConfig{
				ActionWeights: map[string]float64{
					"view_content":      1.0,
					"watch_video":       1.5,
					"attempt_quiz":      2.0,
					"submit_assignment": 3.0,
					"review_content":    1.5,
					"forum_discuss":     2.0,
				},
				TimeOnTaskWeight:  0.1,
				SessionBonus:      1.0,
				CrammingSpan:      30 * time.Minute,
				CrammingMinEvents: 10,
				CrammingPenalty:   0.5,
				Medium:            6,
				High:              15,
			},
			PhaseMinEvents: 1,
		},
		Reward: RewardConfig{
			MasteryWeight:    0.5,
			ProgressWeight:   0.3,
			EngagementWeight: 0.2,
			ClipMin:          -1,
			ClipMax:          1,
		},
		Dependencies: DependenciesConfig{
			Timeout:         500 * time.Millisecond,
			MaxRetries:      2,
			RetryBackoff:    50 * time.Millisecond,
			RateLimit:       200,
			Burst:           50,
			BreakerFailures: 5,
			BreakerTimeout:  10 * time.Second,
		},
	}
}
