package reward

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextstep/nextstep/pkg/encoder"
	"github.com/nextstep/nextstep/pkg/errdefs"
)

func newModel(t *testing.T, cfg Config) *Linear {
	t.Helper()
	m, err := New(cfg)
	require.NoError(t, err)
	return m
}

func TestWeights_Normalize(t *testing.T) {
	w, err := Weights{Mastery: 2, Progress: 1, Engagement: 1}.Normalize()
	require.NoError(t, err)
	assert.InDelta(t, 0.5, w.Mastery, 1e-12)
	assert.InDelta(t, 0.25, w.Progress, 1e-12)
	assert.InDelta(t, 1.0, w.Mastery+w.Progress+w.Engagement, 1e-12)

	_, err = Weights{}.Normalize()
	assert.True(t, errdefs.IsValidation(err))

	_, err = Weights{Mastery: -1, Progress: 2}.Normalize()
	assert.True(t, errdefs.IsValidation(err))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ClipMin, cfg.ClipMax = 1, -1
	_, err := New(cfg)
	assert.True(t, errdefs.IsValidation(err))

	cfg = DefaultConfig()
	cfg.DefaultLOWeight = -0.1
	_, err = New(cfg)
	assert.True(t, errdefs.IsValidation(err))
}

func TestCompute_OnlyAffectedObjectivesCount(t *testing.T) {
	m := newModel(t, DefaultConfig())

	b, err := m.Compute(Input{
		PrevMastery: map[string]float64{"lo1": 0.2, "lo2": 0.5, "lo3": 0.1},
		NewMastery:  map[string]float64{"lo1": 0.6, "lo2": 0.5, "lo3": 0.9},
		LOWeights:   map[string]float64{"lo1": 0.5, "lo2": 0.3, "lo3": 0.2},
		AffectedLOs: []string{"lo1", "lo2"},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.2, b.MasteryDelta, 1e-12, "lo3 is not linked to the action")
	assert.InDelta(t, 0.5*0.2, b.Total, 1e-12)
	assert.Empty(t, b.UnknownLOs)
}

func TestCompute_Components(t *testing.T) {
	m := newModel(t, DefaultConfig())

	b, err := m.Compute(Input{
		PrevProgress:   0.2,
		NewProgress:    0.6,
		PrevEngagement: encoder.EngagementLow,
		NewEngagement:  encoder.EngagementHigh,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.4, b.ProgressDelta, 1e-12)
	assert.InDelta(t, 1.0, b.EngagementComponent, 1e-12)
	assert.InDelta(t, 0.3*0.4+0.2*1.0, b.Total, 1e-12)
	assert.False(t, b.Clipped)

	down, err := m.Compute(Input{PrevEngagement: encoder.EngagementMedium, NewEngagement: encoder.EngagementLow})
	require.NoError(t, err)
	assert.InDelta(t, -0.5, down.EngagementComponent, 1e-12)
}

func TestCompute_Clipping(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights = Weights{Mastery: 1}
	m := newModel(t, cfg)

	b, err := m.Compute(Input{
		PrevMastery: map[string]float64{"lo": 0},
		NewMastery:  map[string]float64{"lo": 1},
		LOWeights:   map[string]float64{"lo": 3},
		AffectedLOs: []string{"lo"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3.0, b.MasteryDelta)
	assert.Equal(t, 1.0, b.Total)
	assert.True(t, b.Clipped)

	b, err = m.Compute(Input{
		PrevMastery: map[string]float64{"lo": 1},
		NewMastery:  map[string]float64{"lo": 0},
		LOWeights:   map[string]float64{"lo": 3},
		AffectedLOs: []string{"lo"},
	})
	require.NoError(t, err)
	assert.Equal(t, -1.0, b.Total)
}

func TestCompute_UnknownObjectives(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultLOWeight = 0.1
	m := newModel(t, cfg)

	b, err := m.Compute(Input{
		PrevMastery: map[string]float64{"known": 0.1, "noweight": 0.0},
		NewMastery:  map[string]float64{"known": 0.3, "noweight": 1.0},
		LOWeights:   map[string]float64{"known": 1},
		AffectedLOs: []string{"noweight", "known", "missing", "known"},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.2+0.1*1.0, b.MasteryDelta, 1e-12)
	assert.Equal(t, []string{"missing", "noweight"}, b.UnknownLOs)
}

func TestCompute_Deterministic(t *testing.T) {
	m := newModel(t, DefaultConfig())
	in := Input{
		PrevMastery:    map[string]float64{"a": 0.1, "b": 0.2, "c": 0.3},
		NewMastery:     map[string]float64{"a": 0.4, "b": 0.1, "c": 0.9},
		LOWeights:      map[string]float64{"a": 0.2, "b": 0.3, "c": 0.5},
		AffectedLOs:    []string{"c", "a", "b"},
		PrevProgress:   0.1,
		NewProgress:    0.3,
		NewEngagement:  encoder.EngagementMedium,
		PrevEngagement: encoder.EngagementMedium,
	}
	first, err := m.Compute(in)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		got, err := m.Compute(in)
		require.NoError(t, err)
		assert.Equal(t, first, got)
	}
}

func TestCompute_RejectsNonFinite(t *testing.T) {
	m := newModel(t, DefaultConfig())

	_, err := m.Compute(Input{NewProgress: math.NaN()})
	assert.True(t, errdefs.IsValidation(err))

	_, err = m.Compute(Input{NewMastery: map[string]float64{"lo": math.Inf(1)}})
	var ve *errdefs.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "new_mastery.lo", ve.Field)
}

func TestModelFunc(t *testing.T) {
	boom := errors.New("boom")
	var m Model = ModelFunc(func(Input) (Breakdown, error) { return Breakdown{}, boom })
	_, err := m.Compute(Input{})
	assert.ErrorIs(t, err, boom)
}
