package config

import (
	"github.com/nextstep/nextstep/pkg/action"
	"github.com/nextstep/nextstep/pkg/aggregator"
	"github.com/nextstep/nextstep/pkg/collab"
	"github.com/nextstep/nextstep/pkg/encoder"
	"github.com/nextstep/nextstep/pkg/manager"
	"github.com/nextstep/nextstep/pkg/qtable"
	"github.com/nextstep/nextstep/pkg/reward"
)

var actionTypeNames = func() []string {
	names := make([]string, 0, len(action.Types))
	for _, t := range action.Types {
		names = append(names, string(t))
	}
	return names
}()

// ManagerConfig builds the update manager configuration.
func (c *Config) ManagerConfig() manager.Config {
	l := c.Learning
	return manager.Config{
		Hyperparameters: qtable.Hyperparameters{Alpha: l.Alpha, Gamma: l.Gamma, Epsilon: l.Epsilon},
		Tunables:        c.Tunables(),
		WindowPolicy:    aggregator.WindowPolicy(l.WindowPolicy),
		WindowOverlap:   l.WindowOverlap,

		EnrichTimeout:     l.EnrichTimeout,
		InactivityTimeout: l.InactivityTimeout,
		EvictionInterval:  l.EvictionInterval,
		SnapshotInterval:  l.SnapshotInterval,

		Buffer: aggregator.Config{
			MaxEvents:       c.Buffer.MaxEvents,
			MaxAge:          c.Buffer.MaxAge,
			RecencyHalfLife: c.Buffer.RecencyHalfLife,
			SessionGap:      c.Buffer.SessionGap,
			Shards:          c.Buffer.Shards,
		},
		Encoder: c.EncoderConfig(),
		Reward: reward.Config{
			Weights: reward.Weights{
				Mastery:    c.Reward.MasteryWeight,
				Progress:   c.Reward.ProgressWeight,
				Engagement: c.Reward.EngagementWeight,
			},
			ClipMin:         c.Reward.ClipMin,
			ClipMax:         c.Reward.ClipMax,
			DefaultLOWeight: c.Reward.DefaultLOWeight,
		},
	}
}

// Tunables returns the hot-reloadable learning parameters.
func (c *Config) Tunables() manager.Tunables {
	return manager.Tunables{
		Epsilon:          c.Learning.Epsilon,
		TopK:             c.Learning.TopK,
		MinLogsForUpdate: c.Learning.MinLogsForUpdate,
		TimeWindow:       c.Learning.TimeWindow,
	}
}

// EncoderConfig builds the state encoder configuration.
func (c *Config) EncoderConfig() encoder.Config {
	e := c.Encoder
	weights := make(map[action.Type]float64, len(e.Engagement.ActionWeights))
	for name, w := range e.Engagement.ActionWeights {
		weights[action.Type(name)] = w
	}
	return encoder.Config{
		NumClusters:        e.NumClusters,
		MaxModules:         e.MaxModules,
		ProgressBoundaries: append([]float64(nil), e.ProgressBoundaries...),
		ScoreBoundaries:    append([]float64(nil), e.ScoreBoundaries...),
		Engagement: encoder.EngagementThresholds{
			ActionWeights:     weights,
			TimeOnTaskWeight:  e.Engagement.TimeOnTaskWeight,
			SessionBonus:      e.Engagement.SessionBonus,
			CrammingSpan:      e.Engagement.CrammingSpan,
			CrammingMinEvents: e.Engagement.CrammingMinEvents,
			CrammingPenalty:   e.Engagement.CrammingPenalty,
			Medium:            e.Engagement.Medium,
			High:              e.Engagement.High,
		},
		Phase: encoder.PhaseThresholds{MinEvents: e.PhaseMinEvents},
	}
}

// GuardConfig builds the collaborator guard configuration.
func (c *Config) GuardConfig() collab.GuardConfig {
	d := c.Dependencies
	return collab.GuardConfig{
		Timeout:         d.Timeout,
		MaxRetries:      d.MaxRetries,
		RetryBackoff:    d.RetryBackoff,
		RateLimit:       d.RateLimit,
		Burst:           d.Burst,
		BreakerFailures: d.BreakerFailures,
		BreakerTimeout:  d.BreakerTimeout,
	}
}
