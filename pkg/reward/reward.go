// Package reward computes the scalar reward of a state transition from
// mastery, progress and engagement deltas.
package reward

import (
	"math"
	"sort"

	"github.com/nextstep/nextstep/pkg/encoder"
	"github.com/nextstep/nextstep/pkg/errdefs"
)

// Weights balances the three reward components. They are normalized to sum
// to one when the model is built.
type Weights struct {
	Mastery    float64 `json:"mastery" mapstructure:"mastery"`
	Progress   float64 `json:"progress" mapstructure:"progress"`
	Engagement float64 `json:"engagement" mapstructure:"engagement"`
}

// DefaultWeights favours mastery gains.
func DefaultWeights() Weights {
	return Weights{Mastery: 0.5, Progress: 0.3, Engagement: 0.2}
}

// Normalize scales w to sum to one.
func (w Weights) Normalize() (Weights, error) {
	for name, v := range map[string]float64{"mastery": w.Mastery, "progress": w.Progress, "engagement": w.Engagement} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return Weights{}, errdefs.Invalid("reward.weights."+name, "must be a finite non-negative number", v)
		}
	}
	sum := w.Mastery + w.Progress + w.Engagement
	if sum <= 0 {
		return Weights{}, errdefs.Invalid("reward.weights", "must not all be zero", sum)
	}
	return Weights{Mastery: w.Mastery / sum, Progress: w.Progress / sum, Engagement: w.Engagement / sum}, nil
}

// Config parameterizes the default model.
type Config struct {
	Weights Weights
	// ClipMin and ClipMax bound the total reward.
	ClipMin float64
	ClipMax float64
	// DefaultLOWeight applies to affected objectives missing from the
	// exam weight table.
	DefaultLOWeight float64
}

// DefaultConfig clips to [-1,1] and ignores objectives without a weight.
func DefaultConfig() Config {
	return Config{Weights: DefaultWeights(), ClipMin: -1, ClipMax: 1}
}

// Input carries everything one reward computation needs.
type Input struct {
	PrevMastery map[string]float64
	NewMastery  map[string]float64
	LOWeights   map[string]float64
	// AffectedLOs lists the objectives linked to the triggering action.
	AffectedLOs []string

	PrevProgress float64
	NewProgress  float64

	PrevEngagement encoder.Engagement
	NewEngagement  encoder.Engagement
}

// Breakdown is the itemized reward.
type Breakdown struct {
	MasteryDelta        float64 `json:"mastery_delta"`
	ProgressDelta       float64 `json:"progress_delta"`
	EngagementComponent float64 `json:"engagement_component"`
	Total               float64 `json:"total"`
	// Clipped is set when Total was bounded to the clip range.
	Clipped bool `json:"clipped,omitempty"`
	// UnknownLOs lists affected objectives that had no weight or no
	// mastery value and were counted with the defaults.
	UnknownLOs []string `json:"unknown_los,omitempty"`
}

// Model computes rewards.
type Model interface {
	Compute(in Input) (Breakdown, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(in Input) (Breakdown, error)

// Compute calls f(in).
func (f ModelFunc) Compute(in Input) (Breakdown, error) { return f(in) }

// Linear is the default weighted-sum reward model. It has no mutable state.
type Linear struct {
	cfg Config
}

// New validates cfg and returns a Linear model with normalized weights.
func New(cfg Config) (*Linear, error) {
	w, err := cfg.Weights.Normalize()
	if err != nil {
		return nil, err
	}
	if math.IsNaN(cfg.ClipMin) || math.IsNaN(cfg.ClipMax) || cfg.ClipMin >= cfg.ClipMax {
		return nil, errdefs.Invalid("reward.clip", "min must be below max", [2]float64{cfg.ClipMin, cfg.ClipMax})
	}
	if cfg.DefaultLOWeight < 0 || math.IsNaN(cfg.DefaultLOWeight) {
		return nil, errdefs.Invalid("reward.default_lo_weight", "must be non-negative", cfg.DefaultLOWeight)
	}
	cfg.Weights = w
	return &Linear{cfg: cfg}, nil
}

// Weights returns the normalized weights.
func (m *Linear) Weights() Weights { return m.cfg.Weights }

// Compute returns the weighted sum of the mastery delta, the progress delta
// and the engagement level change, clipped to the configured range.
//
// The mastery delta sums weight(lo) * (new[lo] - prev[lo]) over the affected
// objectives only. An objective missing from a mastery map counts as 0.
func (m *Linear) Compute(in Input) (Breakdown, error) {
	if err := checkFinite(in); err != nil {
		return Breakdown{}, err
	}

	var b Breakdown
	seen := make(map[string]struct{}, len(in.AffectedLOs))
	for _, lo := range in.AffectedLOs {
		if _, dup := seen[lo]; dup {
			continue
		}
		seen[lo] = struct{}{}

		w, ok := in.LOWeights[lo]
		if !ok {
			w = m.cfg.DefaultLOWeight
		}
		_, hasPrev := in.PrevMastery[lo]
		_, hasNew := in.NewMastery[lo]
		if !ok || !hasPrev || !hasNew {
			b.UnknownLOs = append(b.UnknownLOs, lo)
		}
		b.MasteryDelta += w * (in.NewMastery[lo] - in.PrevMastery[lo])
	}
	sort.Strings(b.UnknownLOs)

	b.ProgressDelta = in.NewProgress - in.PrevProgress
	b.EngagementComponent = float64(int(in.NewEngagement)-int(in.PrevEngagement)) / float64(encoder.NumEngagementLevels-1)

	w := m.cfg.Weights
	total := w.Mastery*b.MasteryDelta + w.Progress*b.ProgressDelta + w.Engagement*b.EngagementComponent
	b.Total = math.Max(m.cfg.ClipMin, math.Min(m.cfg.ClipMax, total))
	b.Clipped = b.Total != total
	return b, nil
}

func checkFinite(in Input) error {
	bad := func(v float64) bool { return math.IsNaN(v) || math.IsInf(v, 0) }
	if bad(in.PrevProgress) {
		return errdefs.Invalid("prev_progress", "must be a finite number", in.PrevProgress)
	}
	if bad(in.NewProgress) {
		return errdefs.Invalid("new_progress", "must be a finite number", in.NewProgress)
	}
	for _, m := range []struct {
		name string
		vals map[string]float64
	}{{"prev_mastery", in.PrevMastery}, {"new_mastery", in.NewMastery}, {"lo_weights", in.LOWeights}} {
		for lo, v := range m.vals {
			if bad(v) {
				return errdefs.Invalid(m.name+"."+lo, "must be a finite number", v)
			}
		}
	}
	return nil
}
