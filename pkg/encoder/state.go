// Package encoder turns aggregated learner features into the bounded
// discrete state that addresses the Q-table.
package encoder

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nextstep/nextstep/pkg/errdefs"
)

// Phase is the learning phase component of a state.
type Phase uint8

const (
	PhasePre Phase = iota
	PhaseActive
	PhaseReflective
)

// NumPhases is the size of the phase domain.
const NumPhases = 3

func (p Phase) String() string {
	switch p {
	case PhasePre:
		return "pre"
	case PhaseActive:
		return "active"
	case PhaseReflective:
		return "reflective"
	default:
		return "unknown"
	}
}

// Engagement is the engagement level component of a state.
type Engagement uint8

const (
	EngagementLow Engagement = iota
	EngagementMedium
	EngagementHigh
)

// NumEngagementLevels is the size of the engagement domain.
const NumEngagementLevels = 3

func (e Engagement) String() string {
	switch e {
	case EngagementLow:
		return "low"
	case EngagementMedium:
		return "medium"
	case EngagementHigh:
		return "high"
	default:
		return "unknown"
	}
}

// DiscreteState is the fixed 6-tuple describing a learner in one module.
// It is a comparable value and is replaced, never mutated, on each update.
type DiscreteState struct {
	Cluster    int        `json:"cluster"`
	Module     int        `json:"module"`
	Progress   int        `json:"progress"`
	Score      int        `json:"score"`
	Phase      Phase      `json:"phase"`
	Engagement Engagement `json:"engagement"`
}

// Tuple returns the state as its raw integer components.
func (s DiscreteState) Tuple() [6]int {
	return [6]int{s.Cluster, s.Module, s.Progress, s.Score, int(s.Phase), int(s.Engagement)}
}

// Key returns the canonical string form used in exports and snapshots,
// e.g. "2,54,1,3,1,0".
func (s DiscreteState) Key() string {
	t := s.Tuple()
	parts := make([]string, len(t))
	for i, v := range t {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// String renders the state for logs and operators.
func (s DiscreteState) String() string {
	return fmt.Sprintf("cluster=%d module=%d progress=q%d score=q%d phase=%s engagement=%s",
		s.Cluster, s.Module, s.Progress, s.Score, s.Phase, s.Engagement)
}

// ParseKey parses the output of DiscreteState.Key.
func ParseKey(key string) (DiscreteState, error) {
	parts := strings.Split(key, ",")
	if len(parts) != 6 {
		return DiscreteState{}, errdefs.Invalid("state_key", "expected 6 components", key)
	}
	var vals [6]int
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || v < 0 {
			return DiscreteState{}, errdefs.Invalid("state_key", "components must be non-negative integers", key)
		}
		vals[i] = v
	}
	if vals[4] >= NumPhases || vals[5] >= NumEngagementLevels {
		return DiscreteState{}, errdefs.Invalid("state_key", "phase or engagement out of range", key)
	}
	return DiscreteState{
		Cluster:    vals[0],
		Module:     vals[1],
		Progress:   vals[2],
		Score:      vals[3],
		Phase:      Phase(vals[4]),
		Engagement: Engagement(vals[5]),
	}, nil
}
