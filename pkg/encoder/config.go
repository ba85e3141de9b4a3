package encoder

import (
	"math"
	"time"

	"github.com/nextstep/nextstep/pkg/action"
	"github.com/nextstep/nextstep/pkg/errdefs"
)

// EngagementThresholds controls the engagement level heuristic.
//
// The raw score is the weighted action count, plus TimeOnTaskWeight per
// minute on task, plus SessionBonus per session after the first. When at
// least CrammingMinEvents events fall within less than CrammingSpan the
// score is multiplied by (1 - CrammingPenalty).
type EngagementThresholds struct {
	ActionWeights     map[action.Type]float64
	TimeOnTaskWeight  float64
	SessionBonus      float64
	CrammingSpan      time.Duration
	CrammingMinEvents int
	CrammingPenalty   float64
	Medium            float64
	High              float64
}

// PhaseThresholds controls the learning phase heuristic.
type PhaseThresholds struct {
	// MinEvents is the number of categorized events needed before the
	// dominant category decides the phase. Below it the phase is pre.
	MinEvents float64
}

// Config holds every boundary and threshold the encoder uses.
type Config struct {
	// NumClusters is the number of cluster ids the clustering collaborator
	// produces. Unassigned learners share the extra bucket NumClusters.
	NumClusters int
	// MaxModules matches the module index limit; index MaxModules is the
	// overflow bucket.
	MaxModules int
	// ProgressBoundaries and ScoreBoundaries are strictly increasing cut
	// points in (0,1). k cut points produce k+1 half-open buckets:
	// [0,b1) [b1,b2) ... [bk,1].
	ProgressBoundaries []float64
	ScoreBoundaries    []float64
	Engagement         EngagementThresholds
	Phase              PhaseThresholds
}

// DefaultConfig returns quartile buckets and the stock heuristics.
func DefaultConfig() Config {
	return Config{
		NumClusters:        5,
		MaxModules:         64,
		ProgressBoundaries: []float64{0.25, 0.5, 0.75},
		ScoreBoundaries:    []float64{0.25, 0.5, 0.75},
		Engagement: EngagementThresholds{
			ActionWeights: map[action.Type]float64{
				action.ViewContent:      1.0,
				action.WatchVideo:       1.5,
				action.AttemptQuiz:      2.0,
				action.SubmitAssignment: 3.0,
				action.ReviewContent:    1.5,
				action.ForumDiscuss:     2.0,
			},
			TimeOnTaskWeight:  0.1,
			SessionBonus:      1.0,
			CrammingSpan:      30 * time.Minute,
			CrammingMinEvents: 10,
			CrammingPenalty:   0.5,
			Medium:            6,
			High:              15,
		},
		Phase: PhaseThresholds{MinEvents: 1},
	}
}

// Validate reports the first invalid field as an *errdefs.ValidationError.
func (c Config) Validate() error {
	if c.NumClusters < 1 {
		return errdefs.Invalid("num_clusters", "must be >= 1", c.NumClusters)
	}
	if c.MaxModules < 1 {
		return errdefs.Invalid("max_modules", "must be >= 1", c.MaxModules)
	}
	if err := validateBoundaries("progress_boundaries", c.ProgressBoundaries); err != nil {
		return err
	}
	if err := validateBoundaries("score_boundaries", c.ScoreBoundaries); err != nil {
		return err
	}

	e := c.Engagement
	if e.Medium < 0 || e.High < e.Medium {
		return errdefs.Invalid("engagement thresholds", "require 0 <= medium <= high", [2]float64{e.Medium, e.High})
	}
	if e.CrammingPenalty < 0 || e.CrammingPenalty > 1 {
		return errdefs.Invalid("cramming_penalty", "must be within [0,1]", e.CrammingPenalty)
	}
	if e.TimeOnTaskWeight < 0 || e.SessionBonus < 0 {
		return errdefs.Invalid("engagement weights", "must be non-negative", nil)
	}
	for t, w := range e.ActionWeights {
		if w < 0 || math.IsNaN(w) {
			return errdefs.Invalid("action_weights."+string(t), "must be non-negative", w)
		}
	}
	if c.Phase.MinEvents < 0 {
		return errdefs.Invalid("phase.min_events", "must be non-negative", c.Phase.MinEvents)
	}
	return nil
}

func validateBoundaries(field string, b []float64) error {
	prev := 0.0
	for i, v := range b {
		if math.IsNaN(v) || v <= 0 || v >= 1 {
			return errdefs.Invalid(field, "cut points must lie in (0,1)", v)
		}
		if i > 0 && v <= prev {
			return errdefs.Invalid(field, "cut points must be strictly increasing", b)
		}
		prev = v
	}
	return nil
}

// StateSpaceSize returns the number of distinct states the configuration
// can produce.
func (c Config) StateSpaceSize() int {
	return (c.NumClusters + 1) *
		(c.MaxModules + 1) *
		(len(c.ProgressBoundaries) + 1) *
		(len(c.ScoreBoundaries) + 1) *
		NumPhases *
		NumEngagementLevels
}
