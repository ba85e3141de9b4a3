package encoder

import (
	"fmt"
	"math"

	"github.com/nextstep/nextstep/pkg/action"
)

// Encoder maps feature records to discrete states. It holds no mutable
// state; the same record always encodes to the same state.
type Encoder struct {
	cfg Config
}

// New validates cfg and returns an Encoder.
func New(cfg Config) (*Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ProgressBoundaries = append([]float64(nil), cfg.ProgressBoundaries...)
	cfg.ScoreBoundaries = append([]float64(nil), cfg.ScoreBoundaries...)
	weights := make(map[action.Type]float64, len(cfg.Engagement.ActionWeights))
	for k, v := range cfg.Engagement.ActionWeights {
		weights[k] = v
	}
	cfg.Engagement.ActionWeights = weights
	return &Encoder{cfg: cfg}, nil
}

// Config returns the encoder configuration.
func (e *Encoder) Config() Config { return e.cfg }

// StateSpaceSize returns the number of distinct states.
func (e *Encoder) StateSpaceSize() int { return e.cfg.StateSpaceSize() }

// Encode computes the discrete state of f.
func (e *Encoder) Encode(f FeatureRecord) DiscreteState {
	return DiscreteState{
		Cluster:    e.clusterBucket(f.ClusterID),
		Module:     clampInt(f.ModuleIndex, 0, e.cfg.MaxModules),
		Progress:   Bucket(valueOr(f.Progress), e.cfg.ProgressBoundaries),
		Score:      Bucket(valueOr(f.Score), e.cfg.ScoreBoundaries),
		Phase:      e.phase(f),
		Engagement: e.engagement(f),
	}
}

func (e *Encoder) clusterBucket(id *int) int {
	if id == nil || *id < 0 || *id >= e.cfg.NumClusters {
		return e.cfg.NumClusters
	}
	return *id
}

// Bucket returns the half-open bucket of x for the given cut points. NaN
// maps to bucket 0 and x is clamped to [0,1], so exactly one bucket is
// selected for every input.
func Bucket(x float64, boundaries []float64) int {
	if math.IsNaN(x) {
		return 0
	}
	x = math.Max(0, math.Min(1, x))
	b := 0
	for _, cut := range boundaries {
		if x < cut {
			break
		}
		b++
	}
	return b
}

// phase picks the dominant category of the histogram. Ties resolve in the
// order active, reflective, pre.
func (e *Encoder) phase(f FeatureRecord) Phase {
	var totals [3]float64
	if len(f.Weighted) > 0 {
		for t, w := range f.Weighted {
			totals[t.Category()] += w
		}
	} else {
		for t, c := range f.Counts {
			totals[t.Category()] += float64(c)
		}
	}

	sum := totals[action.CategoryPre] + totals[action.CategoryActive] + totals[action.CategoryReflective]
	if sum == 0 || sum < e.cfg.Phase.MinEvents {
		return PhasePre
	}

	best := PhaseActive
	bestVal := totals[action.CategoryActive]
	if totals[action.CategoryReflective] > bestVal {
		best, bestVal = PhaseReflective, totals[action.CategoryReflective]
	}
	if totals[action.CategoryPre] > bestVal {
		best = PhasePre
	}
	return best
}

// EngagementScore returns the raw engagement score before thresholding.
func (e *Encoder) EngagementScore(f FeatureRecord) float64 {
	th := e.cfg.Engagement

	score := 0.0
	for t, c := range f.Counts {
		w, ok := th.ActionWeights[t]
		if !ok {
			w = 1
		}
		score += w * float64(c)
	}
	score += th.TimeOnTaskWeight * f.TimeOnTask.Minutes()
	if f.Sessions > 1 {
		score += th.SessionBonus * float64(f.Sessions-1)
	}

	if th.CrammingMinEvents > 0 && f.TotalEvents() >= th.CrammingMinEvents && f.Span < th.CrammingSpan {
		score *= 1 - th.CrammingPenalty
	}
	return score
}

func (e *Encoder) engagement(f FeatureRecord) Engagement {
	score := e.EngagementScore(f)
	switch {
	case score >= e.cfg.Engagement.High:
		return EngagementHigh
	case score >= e.cfg.Engagement.Medium:
		return EngagementMedium
	default:
		return EngagementLow
	}
}

// Describe renders s with the actual bucket ranges, for operators.
func (e *Encoder) Describe(s DiscreteState) string {
	cluster := fmt.Sprintf("cluster %d", s.Cluster)
	if s.Cluster == e.cfg.NumClusters {
		cluster = "unassigned cluster"
	}
	module := fmt.Sprintf("module #%d", s.Module)
	if s.Module == e.cfg.MaxModules {
		module = "overflow module"
	}
	return fmt.Sprintf("%s, %s, progress %s, score %s, %s phase, %s engagement",
		cluster, module,
		bucketRange(s.Progress, e.cfg.ProgressBoundaries),
		bucketRange(s.Score, e.cfg.ScoreBoundaries),
		s.Phase, s.Engagement)
}

func bucketRange(b int, boundaries []float64) string {
	lo, hi := 0.0, 1.0
	if b > 0 && b <= len(boundaries) {
		lo = boundaries[b-1]
	}
	if b < len(boundaries) {
		hi = boundaries[b]
		return fmt.Sprintf("[%.2f,%.2f)", lo, hi)
	}
	return fmt.Sprintf("[%.2f,%.2f]", lo, hi)
}

func valueOr(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
