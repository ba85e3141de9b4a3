package manager

import (
	"math"
	"time"

	"github.com/nextstep/nextstep/pkg/aggregator"
	"github.com/nextstep/nextstep/pkg/encoder"
	"github.com/nextstep/nextstep/pkg/errdefs"
	"github.com/nextstep/nextstep/pkg/qtable"
	"github.com/nextstep/nextstep/pkg/reward"
)

// Tunables are the learning parameters that may change while the manager
// runs.
type Tunables struct {
	// Epsilon is the exploration rate of action selection.
	Epsilon float64
	// TopK is the length of recommendation lists; zero returns every
	// available action.
	TopK int
	// MinLogsForUpdate is the buffered event count that triggers an update.
	MinLogsForUpdate int
	// TimeWindow triggers an update once the unconsumed events span at
	// least this long, or once the newest of them is at least this far past
	// the previous update. Both are measured on event time. Zero disables it.
	TimeWindow time.Duration
}

// Validate reports the first invalid field.
func (t Tunables) Validate() error {
	if math.IsNaN(t.Epsilon) || t.Epsilon < 0 || t.Epsilon > 1 {
		return errdefs.Invalid("epsilon", "must be within [0,1]", t.Epsilon)
	}
	if t.TopK < 0 {
		return errdefs.Invalid("top_k", "must be non-negative", t.TopK)
	}
	if t.MinLogsForUpdate < 1 {
		return errdefs.Invalid("min_logs_for_update", "must be >= 1", t.MinLogsForUpdate)
	}
	if t.TimeWindow < 0 {
		return errdefs.Invalid("time_window", "must be non-negative", t.TimeWindow)
	}
	return nil
}

// Config holds everything a Manager needs at construction.
type Config struct {
	Hyperparameters qtable.Hyperparameters
	Tunables        Tunables

	WindowPolicy  aggregator.WindowPolicy
	WindowOverlap int

	// EnrichTimeout bounds all collaborator fetches made for one event.
	EnrichTimeout time.Duration

	// InactivityTimeout evicts contexts without events for this long.
	InactivityTimeout time.Duration
	EvictionInterval  time.Duration
	// SnapshotInterval enables periodic snapshots when a store is set.
	SnapshotInterval time.Duration

	Buffer  aggregator.Config
	Encoder encoder.Config
	Reward  reward.Config
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		Hyperparameters: qtable.DefaultHyperparameters(),
		Tunables: Tunables{
			Epsilon:          0.1,
			TopK:             3,
			MinLogsForUpdate: 5,
			TimeWindow:       time.Hour,
		},
		WindowPolicy:      aggregator.WindowClear,
		WindowOverlap:     0,
		EnrichTimeout:     2 * time.Second,
		InactivityTimeout: 7 * 24 * time.Hour,
		EvictionInterval:  10 * time.Minute,
		SnapshotInterval:  5 * time.Minute,
		Buffer:            aggregator.DefaultConfig(),
		Encoder:           encoder.DefaultConfig(),
		Reward:            reward.DefaultConfig(),
	}
}

func (c Config) validate() error {
	if err := c.Hyperparameters.Validate(); err != nil {
		return err
	}
	if err := c.Tunables.Validate(); err != nil {
		return err
	}
	switch c.WindowPolicy {
	case aggregator.WindowClear, aggregator.WindowSlide:
	default:
		return errdefs.Invalid("window_policy", "must be clear or slide", c.WindowPolicy)
	}
	if c.WindowOverlap < 0 {
		return errdefs.Invalid("window_overlap", "must be non-negative", c.WindowOverlap)
	}
	if c.EnrichTimeout <= 0 {
		return errdefs.Invalid("enrich_timeout", "must be positive", c.EnrichTimeout)
	}
	return nil
}
