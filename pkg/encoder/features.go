package encoder

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/nextstep/nextstep/pkg/action"
)

// FeatureRecord is the aggregated input of the encoder. Optional values are
// pointers; a nil value takes the documented default.
type FeatureRecord struct {
	// ClusterID is the learner's cluster. Nil or out of range maps to the
	// unassigned bucket.
	ClusterID *int
	// ModuleIndex is clamped to [0, MaxModules].
	ModuleIndex int
	// Progress and Score lie in [0,1]; nil maps to bucket 0.
	Progress *float64
	Score    *float64
	// Counts holds action counts by type. Weighted holds the recency
	// weighted counts and drives the phase when present.
	Counts   map[action.Type]int
	Weighted map[action.Type]float64
	// TimeOnTask, Span and Sessions describe the temporal spread of the
	// buffered actions.
	TimeOnTask time.Duration
	Span       time.Duration
	Sessions   int
}

// TotalEvents returns the sum of Counts.
func (f FeatureRecord) TotalEvents() int {
	n := 0
	for _, c := range f.Counts {
		n += c
	}
	return n
}

// FeaturesFromMap decodes a loosely typed feature map into a FeatureRecord.
// Recognized keys are cluster_id, module_index, progress, score,
// time_on_task_seconds, span_seconds, sessions and count.<action_type>.
// Unrecognized keys and values of the wrong type are returned, sorted, so
// the caller can log them.
func FeaturesFromMap(m map[string]any) (FeatureRecord, []string) {
	var f FeatureRecord
	var unknown []string

	for k, v := range m {
		num, isNum := toFloat(v)
		switch {
		case k == "cluster_id" && isNum:
			c := int(num)
			f.ClusterID = &c
		case k == "module_index" && isNum:
			f.ModuleIndex = int(num)
		case k == "progress" && isNum:
			p := num
			f.Progress = &p
		case k == "score" && isNum:
			s := num
			f.Score = &s
		case k == "time_on_task_seconds" && isNum:
			f.TimeOnTask = time.Duration(num * float64(time.Second))
		case k == "span_seconds" && isNum:
			f.Span = time.Duration(num * float64(time.Second))
		case k == "sessions" && isNum:
			f.Sessions = int(num)
		case strings.HasPrefix(k, "count.") && isNum && action.Type(strings.TrimPrefix(k, "count.")).Valid():
			if f.Counts == nil {
				f.Counts = make(map[action.Type]int)
			}
			f.Counts[action.Type(strings.TrimPrefix(k, "count."))] = int(num)
		default:
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	return f, unknown
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsInf(n, 0)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}
