package manager

import (
	"context"
	"time"

	"github.com/nextstep/nextstep/pkg/action"
	"github.com/nextstep/nextstep/pkg/encoder"
	"github.com/nextstep/nextstep/pkg/errdefs"
	"github.com/nextstep/nextstep/pkg/event"
	"github.com/nextstep/nextstep/pkg/qtable"
)

// Recommendations is the ranked action list for one context.
type Recommendations struct {
	Key event.ContextKey `json:"key"`
	// State is the state the ranking was computed for. Known reports
	// whether it was committed by an update episode; otherwise it was
	// estimated from the buffered events.
	State encoder.DiscreteState   `json:"state"`
	Known bool                    `json:"known"`
	Items []qtable.Recommendation `json:"items"`
}

// GetRecommendations ranks the available actions of a context. It fails
// only on invalid input; a context without learned data gets a list tagged
// with fallback provenance. An empty moduleRef resolves to the learner's
// current module.
func (m *Manager) GetRecommendations(ctx context.Context, userID, courseID, moduleRef string) (Recommendations, error) {
	if err := validateRef(userID, courseID); err != nil {
		return Recommendations{}, err
	}
	key, mmap := m.resolveContext(ctx, userID, courseID, moduleRef)
	state, known := m.currentState(ctx, key)

	table, ok := m.lookupTable(courseID)
	if !ok {
		// Reads never create tables.
		table = m.emptyTable()
	}
	items := table.Recommend(state, m.availableActions(mmap, key.ModuleIndex), m.Tunables().TopK)
	for _, r := range items {
		metricsRecorder().RecordRecommendation(string(r.Provenance))
	}
	return Recommendations{Key: key, State: state, Known: known, Items: items}, nil
}

// currentState returns the committed state of key or an estimate from its
// buffered events.
func (m *Manager) currentState(ctx context.Context, key event.ContextKey) (encoder.DiscreteState, bool) {
	if lc := m.contexts.get(key); lc != nil {
		lc.mu.Lock()
		p := lc.pointer
		lc.mu.Unlock()
		if p != nil {
			return p.State, true
		}
	}

	var cluster *int
	cctx, cancel := context.WithTimeout(ctx, m.cfg.EnrichTimeout)
	defer cancel()
	if id, ok, err := m.collab.Clusters.ClusterOf(cctx, key.UserID, key.CourseID); err == nil && ok {
		cluster = &id
	}
	if agg, ok := m.buffers.Read(key); ok {
		return m.encoder.Encode(agg.Features(cluster)), false
	}
	return m.encoder.Encode(encoder.FeatureRecord{ClusterID: cluster, ModuleIndex: key.ModuleIndex}), false
}

// StateResult is the outcome of a state lookup. Found is false when the
// context has never completed an update; State is then the zero value.
type StateResult struct {
	Key         event.ContextKey      `json:"key"`
	Found       bool                  `json:"found"`
	Status      Status                `json:"status"`
	State       encoder.DiscreteState `json:"state"`
	Tuple       [6]int                `json:"tuple"`
	Description string                `json:"description,omitempty"`
	LastAction  *action.Action        `json:"last_action,omitempty"`
	TriggeredAt time.Time             `json:"triggered_at,omitempty"`
}

// Get returns the state and whether it was found.
func (r StateResult) Get() (encoder.DiscreteState, bool) {
	return r.State, r.Found
}

// GetState returns the last committed state of a context with a
// human-readable description.
func (m *Manager) GetState(ctx context.Context, userID, courseID, moduleRef string) (StateResult, error) {
	if err := validateRef(userID, courseID); err != nil {
		return StateResult{}, err
	}
	key, _ := m.resolveContext(ctx, userID, courseID, moduleRef)
	res := StateResult{Key: key, Status: StatusEmpty}

	lc := m.contexts.get(key)
	if lc == nil {
		return res, nil
	}
	res.Status = lc.Status()
	lc.mu.Lock()
	p := lc.pointer
	lc.mu.Unlock()
	if p == nil {
		return res, nil
	}

	res.Found = true
	res.State = p.State
	res.Tuple = p.State.Tuple()
	res.Description = m.encoder.Describe(p.State)
	res.TriggeredAt = p.TriggeredAt
	if a, err := m.catalog.GetByIndex(p.Action); err == nil {
		res.LastAction = &a
	}
	return res, nil
}

func validateRef(userID, courseID string) error {
	if userID == "" {
		return errdefs.Invalid("user_id", "required", nil)
	}
	if courseID == "" {
		return errdefs.Invalid("course_id", "required", nil)
	}
	return nil
}

// Export returns the Q-table of a course. The second result is false when
// the course has no table.
func (m *Manager) Export(courseID string) (qtable.Export, bool) {
	t, ok := m.lookupTable(courseID)
	if !ok {
		return qtable.Export{}, false
	}
	return t.Export(), true
}

// Import replaces the Q-table of a course. The export is validated
// completely before anything is replaced.
func (m *Manager) Import(courseID string, exp qtable.Export) error {
	if courseID == "" {
		return errdefs.Invalid("course_id", "required", nil)
	}
	t, err := qtable.FromExport(m.catalog, exp, m.tableOpts...)
	if err != nil {
		return err
	}
	m.tablesMu.Lock()
	m.tables[courseID] = t
	m.tablesMu.Unlock()
	metricsRecorder().SetQTableEntries(courseID, t.Size())
	m.logger.Info("q-table imported", "course_id", courseID, "entries", t.Size())
	return nil
}

// Stats summarizes the Q-table of a course.
func (m *Manager) Stats(courseID string) (qtable.Stats, bool) {
	t, ok := m.lookupTable(courseID)
	if !ok {
		return qtable.Stats{}, false
	}
	return t.Stats(), true
}
