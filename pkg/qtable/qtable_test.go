package qtable

import (
	"math"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextstep/nextstep/pkg/action"
	"github.com/nextstep/nextstep/pkg/encoder"
	"github.com/nextstep/nextstep/pkg/errdefs"
)

var (
	s0 = encoder.DiscreteState{Cluster: 1, Module: 3, Progress: 1, Score: 2, Phase: encoder.PhasePre, Engagement: encoder.EngagementLow}
	s1 = encoder.DiscreteState{Cluster: 1, Module: 3, Progress: 2, Score: 2, Phase: encoder.PhaseActive, Engagement: encoder.EngagementMedium}
)

func newTable(t *testing.T, hp Hyperparameters, opts ...Option) *Table {
	t.Helper()
	tbl, err := New(action.Default(), hp, opts...)
	require.NoError(t, err)
	return tbl
}

func seeded(t *testing.T, hp Hyperparameters, entries map[string]map[int]float64) *Table {
	t.Helper()
	tbl, err := FromExport(action.Default(), Export{Hyperparameters: hp, Entries: entries})
	require.NoError(t, err)
	return tbl
}

func TestNew_RejectsInvalidHyperparameters(t *testing.T) {
	tests := []struct {
		name string
		hp   Hyperparameters
	}{
		{"alpha above one", Hyperparameters{Alpha: 1.5, Gamma: 0.9}},
		{"negative gamma", Hyperparameters{Alpha: 0.1, Gamma: -0.1}},
		{"nan alpha", Hyperparameters{Alpha: math.NaN(), Gamma: 0.9}},
		{"epsilon above one", Hyperparameters{Alpha: 0.1, Gamma: 0.9, Epsilon: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(action.Default(), tt.hp)
			assert.True(t, errdefs.IsValidation(err), "got %v", err)
		})
	}

	_, err := New(nil, Hyperparameters{Alpha: 0, Gamma: 1, Epsilon: 1})
	assert.NoError(t, err, "bounds are inclusive")
}

func TestUpdate_BellmanRule(t *testing.T) {
	hp := Hyperparameters{Alpha: 0.5, Gamma: 0.9}
	entries := map[string]map[int]float64{
		s0.Key(): {1: 0.4},
		s1.Key(): {2: 0.8, 3: 0.2},
	}

	tests := []struct {
		name      string
		availNext []int
		want      float64
	}{
		{"max over next actions", []int{2, 3}, 0.4 + 0.5*(0.3+0.9*0.8-0.4)},
		{"max restricted to available", []int{3, 4}, 0.4 + 0.5*(0.3+0.9*0.2-0.4)},
		{"terminal transition", nil, 0.4 + 0.5*(0.3-0.4)},
		{"unlearned next actions", []int{9}, 0.4 + 0.5*(0.3-0.4)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := seeded(t, hp, entries)
			step, err := tbl.Update(s0, 1, 0.3, s1, tt.availNext)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, tbl.Q(s0, 1), 1e-12)
			assert.InDelta(t, tt.want, step.Next, 1e-12)
			assert.Equal(t, 0.4, step.Prev)
			assert.True(t, step.Existed)
		})
	}
}

func TestUpdate_MissingEntryIsZero(t *testing.T) {
	tbl := newTable(t, Hyperparameters{Alpha: 0.25, Gamma: 0.9})
	assert.Equal(t, 0.0, tbl.Q(s0, 4))
	assert.False(t, tbl.Has(s0, 4))

	step, err := tbl.Update(s0, 4, 1, s1, []int{0, 1})
	require.NoError(t, err)
	assert.False(t, step.Existed)
	assert.InDelta(t, 0.25, tbl.Q(s0, 4), 1e-12)
	assert.True(t, tbl.Has(s0, 4))
}

func TestUpdate_InvalidInputLeavesTableUntouched(t *testing.T) {
	tbl := newTable(t, DefaultHyperparameters())

	_, err := tbl.Update(s0, 15, 1, s1, nil)
	assert.True(t, errdefs.IsValidation(err))
	_, err = tbl.Update(s0, -1, 1, s1, nil)
	assert.True(t, errdefs.IsValidation(err))
	_, err = tbl.Update(s0, 0, math.Inf(1), s1, nil)
	assert.True(t, errdefs.IsValidation(err))

	assert.Equal(t, 0, tbl.Size())
	assert.Equal(t, uint64(0), tbl.Stats().Updates)
}

func TestUpdate_ConcurrentWriters(t *testing.T) {
	tbl := newTable(t, Hyperparameters{Alpha: 1, Gamma: 0})

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, err := tbl.Update(s0, i%3, 1, s1, []int{0})
				assert.NoError(t, err)
				tbl.Recommend(s0, nil, 3)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(1600), tbl.Stats().Updates)
	for a := 0; a < 3; a++ {
		assert.Equal(t, 1.0, tbl.Q(s0, a))
	}
}

func TestRevert(t *testing.T) {
	tbl := seeded(t, DefaultHyperparameters(), map[string]map[int]float64{s0.Key(): {2: 0.5}})

	step, err := tbl.Update(s0, 2, 1, s1, nil)
	require.NoError(t, err)
	assert.True(t, tbl.Revert(step))
	assert.Equal(t, 0.5, tbl.Q(s0, 2))

	fresh, err := tbl.Update(s1, 0, 1, s0, nil)
	require.NoError(t, err)
	assert.True(t, tbl.Revert(fresh))
	assert.False(t, tbl.Has(s1, 0))

	again, err := tbl.Update(s0, 2, 1, s1, nil)
	require.NoError(t, err)
	_, err = tbl.Update(s0, 2, 1, s1, nil)
	require.NoError(t, err)
	assert.False(t, tbl.Revert(again), "a newer write must not be reverted")
}

func TestSelectAction_Greedy(t *testing.T) {
	tbl := seeded(t, DefaultHyperparameters(), map[string]map[int]float64{
		s0.Key(): {3: 0.7, 5: 0.7, 9: 0.2, 12: 1.5},
	})

	tests := []struct {
		name  string
		avail []int
		want  int
	}{
		{"global max", nil, 12},
		{"tie broken by lowest index", []int{9, 5, 3}, 3},
		{"learned beats unlearned", []int{0, 9}, 9},
		{"all unlearned", []int{14, 6, 8}, 6},
		{"invalid indices ignored", []int{-4, 99, 5}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 20; i++ {
				got, ok := tbl.SelectAction(s0, tt.avail, 0)
				require.True(t, ok)
				assert.Equal(t, tt.want, got)
			}
		})
	}

	_, ok := tbl.SelectAction(s0, []int{100}, 0)
	assert.False(t, ok)
}

func TestSelectAction_UniformExploration(t *testing.T) {
	tbl := newTable(t, DefaultHyperparameters(), WithRand(rand.New(rand.NewPCG(42, 1337))))
	_, err := tbl.Update(s0, 7, 1, s1, nil)
	require.NoError(t, err)

	avail := []int{1, 4, 7, 11, 13}
	const trials = 10000
	counts := make(map[int]int)
	for i := 0; i < trials; i++ {
		a, ok := tbl.SelectAction(s0, avail, 1)
		require.True(t, ok)
		counts[a]++
	}

	require.Len(t, counts, len(avail), "only available actions may be chosen")
	expected := float64(trials) / float64(len(avail))
	chi2 := 0.0
	for _, a := range avail {
		d := float64(counts[a]) - expected
		chi2 += d * d / expected
	}
	// df=4, p=0.001
	assert.Less(t, chi2, 18.467, "counts %v", counts)
}

func TestRecommend_FallbackOnEmptyTable(t *testing.T) {
	tbl := newTable(t, DefaultHyperparameters())

	recs := tbl.Recommend(s0, nil, 3)
	require.Len(t, recs, 3)
	for i, r := range recs {
		assert.Equal(t, ProvenanceFallback, r.Provenance)
		assert.Equal(t, i+1, r.Rank)
		assert.Equal(t, 0.0, r.Value)
	}
	// pre phase: pre category first, current context before past.
	assert.Equal(t, []int{1, 4, 0}, indices(recs))

	active := s0
	active.Phase = encoder.PhaseActive
	assert.Equal(t, []int{7, 9, 6, 8, 11}, indices(tbl.Recommend(active, nil, 5)))

	reflective := s0
	reflective.Phase = encoder.PhaseReflective
	assert.Equal(t, []int{11, 13, 10}, indices(tbl.Recommend(reflective, nil, 3)))
}

func TestRecommend_LearnedFirstThenPadded(t *testing.T) {
	tbl := seeded(t, DefaultHyperparameters(), map[string]map[int]float64{
		s0.Key(): {7: 0.5, 12: -0.2, 2: 0.9},
	})

	recs := tbl.Recommend(s0, []int{0, 1, 4, 7, 12}, 4)
	require.Len(t, recs, 4)
	assert.Equal(t, []int{7, 12, 1, 4}, indices(recs))
	assert.Equal(t, ProvenanceLearned, recs[0].Provenance)
	assert.Equal(t, 0.5, recs[0].Value)
	assert.Equal(t, ProvenanceLearned, recs[1].Provenance)
	assert.Equal(t, ProvenanceFallback, recs[2].Provenance)

	top := tbl.Recommend(s0, nil, 1)
	require.Len(t, top, 1)
	assert.Equal(t, 2, top[0].Action.Index)

	assert.Len(t, tbl.Recommend(s0, []int{0, 1}, 10), 2, "top k is capped by the candidates")
	assert.Len(t, tbl.Recommend(s0, nil, 0), action.Default().Len())
}

func TestRecommend_CustomFallback(t *testing.T) {
	reverse := FallbackFunc(func(_ encoder.DiscreteState, c []action.Action) []action.Action {
		out := make([]action.Action, len(c))
		for i := range c {
			out[len(c)-1-i] = c[i]
		}
		return out
	})
	tbl := newTable(t, DefaultHyperparameters(), WithFallback(reverse))
	assert.Equal(t, []int{14, 13}, indices(tbl.Recommend(s0, nil, 2)))
}

func TestExport_RoundTrip(t *testing.T) {
	hp := Hyperparameters{Alpha: 0.15, Gamma: 0.95, Epsilon: 0.05}
	tbl := newTable(t, hp)
	rewards := []float64{0.1, -0.3333333333333333, 1e-17, 0.7071067811865476}
	for i, r := range rewards {
		_, err := tbl.Update(s0, i, r, s1, []int{0, 1, 2})
		require.NoError(t, err)
		_, err = tbl.Update(s1, 14-i, r, s0, []int{0, 1, 2})
		require.NoError(t, err)
	}

	data, err := json.Marshal(tbl.Export())
	require.NoError(t, err)

	var decoded Export
	require.NoError(t, json.Unmarshal(data, &decoded))
	loaded, err := FromExport(action.Default(), decoded)
	require.NoError(t, err)

	assert.Equal(t, hp, loaded.Hyperparameters())
	assert.True(t, tbl.Export().Equal(loaded.Export()))
	for i := range rewards {
		assert.Equal(t, tbl.Q(s0, i), loaded.Q(s0, i))
		assert.Equal(t, tbl.Q(s1, 14-i), loaded.Q(s1, 14-i))
	}
}

func TestExport_EmptyTable(t *testing.T) {
	data, err := json.Marshal(newTable(t, DefaultHyperparameters()).Export())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"q_table":{}`)
}

func TestFromExport_Invalid(t *testing.T) {
	hp := DefaultHyperparameters()
	tests := []struct {
		name    string
		entries map[string]map[int]float64
	}{
		{"bad key", map[string]map[int]float64{"1,2": {0: 1}}},
		{"bad action", map[string]map[int]float64{s0.Key(): {15: 1}}},
		{"nan value", map[string]map[int]float64{s0.Key(): {0: math.NaN()}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromExport(action.Default(), Export{Hyperparameters: hp, Entries: tt.entries})
			assert.True(t, errdefs.IsValidation(err), "got %v", err)
		})
	}

	_, err := FromExport(action.Default(), Export{Hyperparameters: Hyperparameters{Alpha: 3}})
	assert.True(t, errdefs.IsValidation(err))
}

func TestStats(t *testing.T) {
	tbl := newTable(t, Hyperparameters{Alpha: 0.5, Gamma: 0})
	_, _ = tbl.Update(s0, 0, 1, s1, nil)
	_, _ = tbl.Update(s0, 1, -1, s1, nil)
	_, _ = tbl.Update(s1, 0, 0.5, s0, nil)

	st := tbl.Stats()
	assert.Equal(t, 2, st.States)
	assert.Equal(t, 3, st.Entries)
	assert.Equal(t, uint64(3), st.Updates)
	assert.InDelta(t, (1.0+1.0+0.5)/3, st.MeanAbsTDError, 1e-12)
}

func indices(recs []Recommendation) []int {
	out := make([]int, len(recs))
	for i, r := range recs {
		out[i] = r.Action.Index
	}
	return out
}
