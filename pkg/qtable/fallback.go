package qtable

import (
	"sort"

	"github.com/nextstep/nextstep/pkg/action"
	"github.com/nextstep/nextstep/pkg/encoder"
)

// FallbackPolicy orders actions that have no learned value for a state.
type FallbackPolicy interface {
	Rank(s encoder.DiscreteState, candidates []action.Action) []action.Action
}

// FallbackFunc adapts a function to FallbackPolicy.
type FallbackFunc func(s encoder.DiscreteState, candidates []action.Action) []action.Action

// Rank calls f(s, candidates).
func (f FallbackFunc) Rank(s encoder.DiscreteState, candidates []action.Action) []action.Action {
	return f(s, candidates)
}

// PhaseFallback prefers actions that continue the learner's current phase:
//
//	pre        -> pre, active, reflective
//	active     -> active, reflective, pre
//	reflective -> reflective, pre, active
//
// Within a category current-context actions come first, then past, then
// future; remaining ties go to the lowest index.
type PhaseFallback struct{}

var phaseOrder = map[encoder.Phase][3]action.Category{
	encoder.PhasePre:        {action.CategoryPre, action.CategoryActive, action.CategoryReflective},
	encoder.PhaseActive:     {action.CategoryActive, action.CategoryReflective, action.CategoryPre},
	encoder.PhaseReflective: {action.CategoryReflective, action.CategoryPre, action.CategoryActive},
}

var contextOrder = map[action.TimeContext]int{
	action.Current: 0,
	action.Past:    1,
	action.Future:  2,
}

// Rank returns candidates sorted by the phase preference.
func (PhaseFallback) Rank(s encoder.DiscreteState, candidates []action.Action) []action.Action {
	order, ok := phaseOrder[s.Phase]
	if !ok {
		order = phaseOrder[encoder.PhasePre]
	}
	rank := make(map[action.Category]int, len(order))
	for i, c := range order {
		rank[c] = i
	}

	out := append([]action.Action(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		ci, cj := rank[out[i].Type.Category()], rank[out[j].Type.Category()]
		if ci != cj {
			return ci < cj
		}
		ti, tj := contextOrder[out[i].Context], contextOrder[out[j].Context]
		if ti != tj {
			return ti < tj
		}
		return out[i].Index < out[j].Index
	})
	return out
}
