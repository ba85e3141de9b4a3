// Package config provides configuration management for nextstep.
package config

import (
	"fmt"
	"time"
)

// Config is the global configuration for nextstep.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Metrics is the metrics and ops endpoint configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the distributed tracing configuration.
	Tracing TracingConfig `mapstructure:"tracing"`

	// Storage is the snapshot persistence configuration.
	Storage StorageConfig `mapstructure:"storage"`

	// Ingest is the event intake configuration.
	Ingest IngestConfig `mapstructure:"ingest"`

	// Learning holds the Q-learning parameters and update policy.
	Learning LearningConfig `mapstructure:"learning"`

	// Buffer bounds the per-context event buffers.
	Buffer BufferConfig `mapstructure:"buffer"`

	// Encoder holds the state discretization boundaries and thresholds.
	Encoder EncoderConfig `mapstructure:"encoder"`

	// Reward holds the reward weights and clip range.
	Reward RewardConfig `mapstructure:"reward"`

	// Dependencies configures the collaborator fetches.
	Dependencies DependenciesConfig `mapstructure:"dependencies"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"env"`

	// Debug enables debug mode with verbose logging.
	Debug bool `mapstructure:"debug"`

	// ShutdownTimeout bounds the final snapshot and drain on exit.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`
}

// MetricsConfig holds observability settings.
type MetricsConfig struct {
	// Enabled enables metrics collection.
	Enabled bool `mapstructure:"enabled"`

	// Path is the metrics endpoint path.
	Path string `mapstructure:"path" validate:"startswith=/"`

	// Port is the ops server port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

// TracingConfig holds distributed tracing settings.
type TracingConfig struct {
	// Enabled enables distributed tracing.
	Enabled bool `mapstructure:"enabled"`

	// Exporter is the span exporter (otlp).
	Exporter string `mapstructure:"exporter" validate:"oneof=otlp"`

	// Endpoint is the collector endpoint (host:port or URL).
	Endpoint string `mapstructure:"endpoint" validate:"required_if=Enabled true"`

	// Timeout bounds each export.
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0"`

	// Headers are sent with every export.
	Headers map[string]string `mapstructure:"headers"`

	// Sampler is always_on, always_off or ratio.
	Sampler string `mapstructure:"sampler" validate:"oneof=always_on always_off ratio"`

	// SampleRate is the fraction of traces to sample (0.0-1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// StorageConfig holds snapshot persistence settings.
type StorageConfig struct {
	// Type is the storage backend (memory, badger, sqlite).
	Type string `mapstructure:"type" validate:"oneof=memory badger sqlite"`

	// HistoryLimit caps the snapshots kept per course. Zero keeps all.
	HistoryLimit int `mapstructure:"history_limit" validate:"min=0"`

	// Badger is the BadgerDB configuration.
	Badger BadgerConfig `mapstructure:"badger"`

	// SQLite is the SQLite configuration.
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

// BadgerConfig holds BadgerDB-specific settings.
type BadgerConfig struct {
	// Path is the database directory path.
	Path string `mapstructure:"path"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `mapstructure:"sync_writes"`

	// ValueLogFileSize is the maximum size of value log files in bytes.
	ValueLogFileSize int64 `mapstructure:"value_log_file_size" validate:"min=0"`

	// NumVersionsToKeep is the number of versions to keep per key.
	NumVersionsToKeep int `mapstructure:"num_versions_to_keep" validate:"min=0"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	// Path is the database file; ":memory:" keeps everything in memory.
	Path string `mapstructure:"path"`
}

// IngestConfig holds event intake settings.
type IngestConfig struct {
	// Transport is the envelope transport (memory, redis).
	Transport string `mapstructure:"transport" validate:"oneof=memory redis"`

	// Subject is the subscription pattern; empty means every course.
	Subject string `mapstructure:"subject"`

	// Buffer is the subscription buffer size.
	Buffer int `mapstructure:"buffer" validate:"min=1"`

	// Concurrency bounds the learners ingested in parallel per batch.
	Concurrency int `mapstructure:"concurrency" validate:"min=1"`

	// DedupeWindow is the number of recent envelope ids remembered.
	DedupeWindow int `mapstructure:"dedupe_window" validate:"min=1"`

	// Synonyms maps extra raw action names to action types.
	Synonyms map[string]string `mapstructure:"synonyms"`

	// Redis is the Redis transport configuration.
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	// Address is the Redis server address.
	Address string `mapstructure:"address"`

	// Password is the Redis password.
	Password string `mapstructure:"password"`

	// DB is the Redis database number.
	DB int `mapstructure:"db" validate:"min=0"`

	// ChannelPrefix prefixes every Pub/Sub channel.
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// LearningConfig holds the Q-learning parameters and update policy.
type LearningConfig struct {
	Alpha   float64 `mapstructure:"alpha" validate:"gt=0,lte=1"`
	Gamma   float64 `mapstructure:"gamma" validate:"gte=0,lte=1"`
	Epsilon float64 `mapstructure:"epsilon" validate:"gte=0,lte=1"`

	// TopK is the recommendation list length; zero returns every action.
	TopK int `mapstructure:"top_k" validate:"min=0"`

	// MinLogsForUpdate is the buffered event count that triggers an update.
	MinLogsForUpdate int `mapstructure:"min_logs_for_update" validate:"min=1"`

	// TimeWindow triggers an update once pending events span this long.
	TimeWindow time.Duration `mapstructure:"time_window" validate:"gte=0"`

	// WindowPolicy is clear or slide.
	WindowPolicy  string `mapstructure:"window_policy" validate:"oneof=clear slide"`
	WindowOverlap int    `mapstructure:"window_overlap" validate:"min=0"`

	EnrichTimeout     time.Duration `mapstructure:"enrich_timeout" validate:"gt=0"`
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout" validate:"gte=0"`
	EvictionInterval  time.Duration `mapstructure:"eviction_interval" validate:"gte=0"`
	SnapshotInterval  time.Duration `mapstructure:"snapshot_interval" validate:"gte=0"`
}

// BufferConfig bounds the per-context event buffers.
type BufferConfig struct {
	MaxEvents       int           `mapstructure:"max_events" validate:"min=1"`
	MaxAge          time.Duration `mapstructure:"max_age" validate:"gte=0"`
	RecencyHalfLife time.Duration `mapstructure:"recency_half_life" validate:"gte=0"`
	SessionGap      time.Duration `mapstructure:"session_gap" validate:"gt=0"`
	Shards          int           `mapstructure:"shards" validate:"min=1"`
}

// EncoderConfig holds the state discretization settings.
type EncoderConfig struct {
	NumClusters int `mapstructure:"num_clusters" validate:"min=1"`
	MaxModules  int `mapstructure:"max_modules" validate:"min=1"`

	// ProgressBoundaries and ScoreBoundaries are strictly increasing cut
	// points in (0,1).
	ProgressBoundaries []float64 `mapstructure:"progress_boundaries" validate:"boundaries"`
	ScoreBoundaries    []float64 `mapstructure:"score_boundaries" validate:"boundaries"`

	Engagement EngagementConfig `mapstructure:"engagement"`

	// PhaseMinEvents is the categorized event count needed to leave the
	// pre phase.
	PhaseMinEvents float64 `mapstructure:"phase_min_events" validate:"gte=0"`
}

// EngagementConfig holds the engagement heuristic.
type EngagementConfig struct {
	// ActionWeights is keyed by action type name.
	ActionWeights     map[string]float64 `mapstructure:"action_weights"`
	TimeOnTaskWeight  float64            `mapstructure:"time_on_task_weight" validate:"gte=0"`
	SessionBonus      float64            `mapstructure:"session_bonus" validate:"gte=0"`
	CrammingSpan      time.Duration      `mapstructure:"cramming_span" validate:"gte=0"`
	CrammingMinEvents int                `mapstructure:"cramming_min_events" validate:"min=0"`
	CrammingPenalty   float64            `mapstructure:"cramming_penalty" validate:"gte=0,lte=1"`
	Medium            float64            `mapstructure:"medium" validate:"gt=0"`
	High              float64            `mapstructure:"high" validate:"gtfield=Medium"`
}

// RewardConfig holds the reward weights and clip range.
type RewardConfig struct {
	MasteryWeight    float64 `mapstructure:"mastery_weight" validate:"gte=0"`
	ProgressWeight   float64 `mapstructure:"progress_weight" validate:"gte=0"`
	EngagementWeight float64 `mapstructure:"engagement_weight" validate:"gte=0"`
	ClipMin          float64 `mapstructure:"clip_min"`
	ClipMax          float64 `mapstructure:"clip_max" validate:"gtfield=ClipMin"`
	DefaultLOWeight  float64 `mapstructure:"default_lo_weight" validate:"gte=0"`
}

// DependenciesConfig configures the collaborator fetches.
type DependenciesConfig struct {
	// FixturesPath points to a JSON file served by the static
	// collaborators. Empty serves nothing, so every course uses its
	// overflow module.
	FixturesPath string `mapstructure:"fixtures_path"`

	Timeout         time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxRetries      int           `mapstructure:"max_retries" validate:"min=0"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff" validate:"gte=0"`
	RateLimit       float64       `mapstructure:"rate_limit" validate:"gte=0"`
	Burst           int           `mapstructure:"burst" validate:"min=0"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout" validate:"gte=0"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// String returns a string representation of the configuration (without sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Env: %s, Storage: %s, Ingest: %s}",
		c.App.Name, c.App.Environment, c.Storage.Type, c.Ingest.Transport)
}
