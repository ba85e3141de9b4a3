// Package manager runs the per-context learning state machine. It buffers
// normalized events, triggers update episodes that apply Bellman updates to
// the Q-table of each course, and serves recommendations and states.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nextstep/nextstep/pkg/action"
	"github.com/nextstep/nextstep/pkg/aggregator"
	"github.com/nextstep/nextstep/pkg/collab"
	"github.com/nextstep/nextstep/pkg/encoder"
	"github.com/nextstep/nextstep/pkg/event"
	"github.com/nextstep/nextstep/pkg/modindex"
	"github.com/nextstep/nextstep/pkg/qtable"
	"github.com/nextstep/nextstep/pkg/reward"
	"github.com/nextstep/nextstep/pkg/storage"
)

// Drop reasons reported in IngestResult.DropReason.
const (
	DropUnknownAction = "unknown_action"
	DropDuplicate     = "duplicate"
)

// managerLogger is the minimal logger interface used by Manager.
type managerLogger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// nopLogger is a no-op logger.
type nopLogger struct{}

func (n *nopLogger) Debug(msg string, args ...any) {}
func (n *nopLogger) Info(msg string, args ...any)  {}
func (n *nopLogger) Warn(msg string, args ...any)  {}
func (n *nopLogger) Error(msg string, args ...any) {}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l managerLogger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithCollaborators sets the external data sources. Missing ones default
// to empty implementations.
func WithCollaborators(c collab.Collaborators) Option {
	return func(m *Manager) { m.collab = c }
}

// WithStore enables snapshots.
func WithStore(s storage.Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithRewardModel replaces the linear reward model.
func WithRewardModel(r reward.Model) Option {
	return func(m *Manager) { m.reward = r }
}

// WithNormalizer replaces the built-in action name normalizer.
func WithNormalizer(n *action.Normalizer) Option {
	return func(m *Manager) { m.normalizer = n }
}

// WithTableOptions are passed to every Q-table the manager creates.
func WithTableOptions(opts ...qtable.Option) Option {
	return func(m *Manager) { m.tableOpts = append(m.tableOpts, opts...) }
}

// WithClock overrides the wall clock used for inactivity tracking.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns every learning context and one Q-table per course. Contexts
// proceed independently; they share only the Q-table of their course.
type Manager struct {
	cfg      Config
	tunables atomic.Pointer[Tunables]

	catalog    *action.Catalog
	normalizer *action.Normalizer
	encoder    *encoder.Encoder
	reward     reward.Model
	collab     collab.Collaborators
	registry   *modindex.Registry
	buffers    *aggregator.Aggregator
	contexts   *contextTable
	store      storage.Store
	logger     managerLogger
	now        func() time.Time
	tableOpts  []qtable.Option

	tablesMu sync.RWMutex
	tables   map[string]*qtable.Table

	// empty answers reads for courses without a table.
	emptyOnce sync.Once
	empty     *qtable.Table

	loopMu sync.Mutex
	cancel context.CancelFunc
	loops  sync.WaitGroup
}

// New validates cfg and creates a Manager.
func New(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	enc, err := encoder.New(cfg.Encoder)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		catalog:  action.Default(),
		encoder:  enc,
		buffers:  aggregator.New(cfg.Buffer),
		contexts: newContextTable(cfg.Buffer.Shards),
		logger:   &nopLogger{},
		now:      time.Now,
		tables:   make(map[string]*qtable.Table),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.reward == nil {
		linear, err := reward.New(cfg.Reward)
		if err != nil {
			return nil, err
		}
		m.reward = linear
	}
	if m.normalizer == nil {
		m.normalizer, _ = action.NewNormalizer(nil)
	}
	m.collab = m.collab.WithDefaults()
	m.registry = modindex.NewRegistry(m.collab.Content, cfg.Encoder.MaxModules)

	t := cfg.Tunables
	m.tunables.Store(&t)
	return m, nil
}

// Catalog returns the action catalog.
func (m *Manager) Catalog() *action.Catalog { return m.catalog }

// Encoder returns the state encoder.
func (m *Manager) Encoder() *encoder.Encoder { return m.encoder }

// Tunables returns the current tunables.
func (m *Manager) Tunables() Tunables { return *m.tunables.Load() }

// SetTunables replaces the tunables. Running episodes finish with the
// values they started with.
func (m *Manager) SetTunables(t Tunables) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.tunables.Store(&t)
	m.logger.Info("tunables updated",
		"epsilon", t.Epsilon,
		"top_k", t.TopK,
		"min_logs_for_update", t.MinLogsForUpdate,
		"time_window", t.TimeWindow,
	)
	return nil
}

// UpdateError reports an episode that failed and was rolled back. The
// context keeps its previous pointer and its buffered events.
type UpdateError struct {
	Key   event.ContextKey
	Stage string
	Cause error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("update of %s failed at %s, rolled back: %v", e.Key, e.Stage, e.Cause)
}

func (e *UpdateError) Unwrap() error {
	return e.Cause
}

// IngestResult describes what happened to one event.
type IngestResult struct {
	Key        event.ContextKey `json:"key"`
	EventID    string           `json:"event_id"`
	Accepted   bool             `json:"accepted"`
	DropReason string           `json:"drop_reason,omitempty"`
	Status     Status           `json:"status"`
	Update     *UpdateResult    `json:"update,omitempty"`
}

// UpdateResult describes one committed episode.
type UpdateResult struct {
	State encoder.DiscreteState `json:"state"`
	// Previous, PreviousAction and Reward are set when the episode applied a
	// Bellman update to the prior pointer.
	Previous        *encoder.DiscreteState  `json:"previous,omitempty"`
	PreviousAction  *action.Action          `json:"previous_action,omitempty"`
	Reward          *reward.Breakdown       `json:"reward,omitempty"`
	Selected        action.Action           `json:"selected"`
	Recommendations []qtable.Recommendation `json:"recommendations"`
	Consumed        int                     `json:"consumed"`
}

// Ingest validates and buffers one event and runs an update episode when
// the context reaches its trigger. A malformed event returns an
// *errdefs.ValidationError and changes nothing. An event with an unknown
// action name is dropped with a warning and no error. A failed episode
// returns an *UpdateError after rolling back.
func (m *Manager) Ingest(ctx context.Context, raw event.RawEvent) (IngestResult, error) {
	ctx, span := runtimeTracer().Start(ctx, spanIngest)
	defer span.End()

	if err := raw.Validate(); err != nil {
		metricsRecorder().RecordEventIngested("invalid")
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid event")
		return IngestResult{}, err
	}
	raw = raw.EnsureID()
	span.SetAttributes(
		attribute.String("nextstep.course_id", raw.CourseID),
		attribute.String("nextstep.event_id", raw.ID),
	)

	t, ok := m.normalizer.Normalize(raw.ActionName)
	if !ok {
		m.logger.Warn("dropping event with unknown action name",
			"action_name", raw.ActionName,
			"user_id", raw.UserID,
			"course_id", raw.CourseID,
			"event_id", raw.ID,
		)
		metricsRecorder().RecordEventDropped(DropUnknownAction)
		return IngestResult{EventID: raw.ID, DropReason: DropUnknownAction}, nil
	}

	key, mmap := m.resolveContext(ctx, raw.UserID, raw.CourseID, raw.ModuleRef)
	span.SetAttributes(attribute.Int("nextstep.module_index", key.ModuleIndex))

	lc := m.acquireContext(key)
	added := m.buffers.Add(key, event.NewRecord(raw, t))
	result := IngestResult{Key: key, EventID: raw.ID}
	if added.Duplicate {
		metricsRecorder().RecordEventDropped(DropDuplicate)
		m.logger.Debug("ignoring duplicate event", "event_id", raw.ID, "context", key.String())
		result.DropReason = DropDuplicate
		result.Status = lc.Status()
		return result, nil
	}
	result.Accepted = true
	metricsRecorder().RecordEventIngested("accepted")

	trigger, peek := m.observe(lc, key)
	if !trigger {
		result.Status = lc.Status()
		return result, nil
	}

	// Collaborator I/O happens before the context lock is taken.
	enr := m.enrich(ctx, key, mmap, peek)

	lc.mu.Lock()
	defer lc.mu.Unlock()
	if !m.shouldTrigger(lc, key) {
		result.Status = lc.Status()
		return result, nil
	}
	upd, err := m.runEpisode(context.WithoutCancel(ctx), key, lc, mmap, enr)
	result.Status = lc.Status()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update rolled back")
		return result, err
	}
	result.Update = upd
	return result, nil
}

// acquireContext returns the live context for key, touched. Once the
// touch is seen in the table Evict leaves the context and its buffer alone,
// so the event buffered next cannot be dropped with a stale context.
func (m *Manager) acquireContext(key event.ContextKey) *learningContext {
	for {
		lc := m.contexts.getOrCreate(key)
		lc.touch(m.now())
		if m.contexts.contains(key, lc) {
			return lc
		}
	}
}

// observe moves a new context to BUFFERING and reports whether the
// context has reached its trigger, together with its current pointer.
func (m *Manager) observe(lc *learningContext, key event.ContextKey) (bool, *pointer) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.Status() == StatusEmpty {
		lc.setStatus(StatusBuffering)
		return false, nil
	}
	return m.shouldTrigger(lc, key), lc.pointer
}

// shouldTrigger must be called with lc.mu held.
func (m *Manager) shouldTrigger(lc *learningContext, key event.ContextKey) bool {
	if lc.Status() == StatusEmpty {
		return false
	}
	var (
		pending     int
		first, last time.Time
	)
	for _, r := range m.buffers.Records(key) {
		if r.Seq <= lc.watermark {
			continue
		}
		pending++
		if first.IsZero() || r.Timestamp.Before(first) {
			first = r.Timestamp
		}
		if r.Timestamp.After(last) {
			last = r.Timestamp
		}
	}
	if pending == 0 {
		return false
	}
	t := m.tunables.Load()
	if pending >= t.MinLogsForUpdate {
		return true
	}
	if t.TimeWindow <= 0 {
		return false
	}
	if last.Sub(first) >= t.TimeWindow {
		return true
	}
	return lc.pointer != nil && !lc.pointer.TriggeredAt.IsZero() &&
		last.Sub(lc.pointer.TriggeredAt) >= t.TimeWindow
}

// resolveContext places an event in its learning context. Every failure
// falls back to the overflow module of the course.
func (m *Manager) resolveContext(ctx context.Context, userID, courseID, moduleRef string) (event.ContextKey, *modindex.Map) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.EnrichTimeout)
	defer cancel()

	mmap, err := m.registry.Get(ctx, courseID)
	if err != nil {
		m.logger.Warn("content hierarchy unavailable, using overflow module",
			"course_id", courseID,
			"error", err,
		)
	}
	key := event.ContextKey{UserID: userID, CourseID: courseID, ModuleIndex: mmap.OverflowIndex()}

	if moduleRef == "" {
		cur, err := m.collab.Resolver.CurrentModule(ctx, userID, courseID)
		if err != nil {
			m.logger.Warn("cannot place course-level event, using overflow module",
				"user_id", userID,
				"course_id", courseID,
				"error", err,
			)
			return key, mmap
		}
		moduleRef = cur
	}

	idx, err := mmap.Lookup(moduleRef)
	if err != nil {
		m.logger.Warn("unknown module reference",
			"course_id", courseID,
			"module_ref", moduleRef,
			"error", err,
		)
	}
	key.ModuleIndex = idx
	return key, mmap
}

// enrichment is the collaborator data of one episode. Fields stay at their
// zero value when the fetch failed.
type enrichment struct {
	cluster    *int
	mastery    map[string]float64
	masteryOK  bool
	weights    map[string]float64
	objectives []string
	// objectivesFor is the action index the objectives were fetched for,
	// -1 when none were fetched.
	objectivesFor int
}

// enrich fetches collaborator data concurrently within EnrichTimeout.
func (m *Manager) enrich(ctx context.Context, key event.ContextKey, mmap *modindex.Map, peek *pointer) enrichment {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.EnrichTimeout)
	defer cancel()

	enr := enrichment{objectivesFor: -1}
	warn := func(what string, err error) {
		m.logger.Warn("enrichment fetch failed, using defaults",
			"fetch", what,
			"context", key.String(),
			"error", err,
		)
	}

	var g errgroup.Group
	g.Go(func() error {
		id, ok, err := m.collab.Clusters.ClusterOf(ctx, key.UserID, key.CourseID)
		if err != nil {
			warn("cluster", err)
			return nil
		}
		if ok {
			enr.cluster = &id
		}
		return nil
	})
	g.Go(func() error {
		mastery, err := m.collab.Mastery.Mastery(ctx, key.UserID, key.CourseID)
		if err != nil {
			warn("mastery", err)
			return nil
		}
		enr.mastery, enr.masteryOK = mastery, true
		return nil
	})
	g.Go(func() error {
		weights, err := m.collab.Mastery.ExamWeights(ctx, key.CourseID)
		if err != nil {
			warn("exam_weights", err)
			return nil
		}
		enr.weights = weights
		return nil
	})
	if peek != nil {
		moduleID, known := mmap.ModuleID(key.ModuleIndex)
		prev, err := m.catalog.GetByIndex(peek.Action)
		if known && err == nil {
			g.Go(func() error {
				los, err := m.collab.Mastery.LinkedObjectives(ctx, key.CourseID, moduleID, prev.Type)
				if err != nil {
					warn("objectives", err)
					return nil
				}
				enr.objectives, enr.objectivesFor = los, peek.Action
				return nil
			})
		}
	}
	_ = g.Wait()
	return enr
}

// runEpisode performs one UPDATING episode. It must be called with lc.mu
// held and never blocks on I/O. Either the whole episode commits or the
// Q-table and the context are left as they were.
func (m *Manager) runEpisode(ctx context.Context, key event.ContextKey, lc *learningContext, mmap *modindex.Map, enr enrichment) (res *UpdateResult, err error) {
	_, span := runtimeTracer().Start(ctx, spanUpdate, trace.WithAttributes(
		attribute.String("nextstep.context", key.String()),
	))
	defer span.End()

	started := time.Now()
	table := m.table(key.CourseID)
	var step *qtable.Step

	lc.setStatus(StatusUpdating)
	defer func() {
		if r := recover(); r != nil {
			err = &UpdateError{Key: key, Stage: "panic", Cause: fmt.Errorf("%v", r)}
		}
		if err != nil {
			if step != nil && !table.Revert(*step) {
				m.logger.Warn("q-value changed concurrently, keeping newer value",
					"context", key.String(),
					"state", step.State.Key(),
					"action", step.Action,
				)
			}
			res = nil
			span.RecordError(err)
			span.SetStatus(codes.Error, "rolled back")
			metricsRecorder().RecordUpdate("rolled_back", time.Since(started))
			m.logger.Warn("update rolled back", "context", key.String(), "error", err)
		}
		lc.setStatus(StatusBuffering)
	}()

	agg, ok := m.buffers.Read(key)
	if !ok {
		return nil, &UpdateError{Key: key, Stage: "aggregate", Cause: errors.New("no buffered events")}
	}
	state := m.encoder.Encode(agg.Features(enr.cluster))
	avail := m.availableActions(mmap, key.ModuleIndex)
	progress := 0.0
	if agg.Progress != nil {
		progress = *agg.Progress
	}
	mastery := enr.mastery

	out := &UpdateResult{State: state}
	if p := lc.pointer; p != nil {
		if !enr.masteryOK {
			mastery = p.Mastery
		}
		var affected []string
		if enr.objectivesFor == p.Action {
			affected = enr.objectives
		}
		bd, rerr := m.reward.Compute(reward.Input{
			PrevMastery:    p.Mastery,
			NewMastery:     mastery,
			LOWeights:      enr.weights,
			AffectedLOs:    affected,
			PrevProgress:   p.Progress,
			NewProgress:    progress,
			PrevEngagement: p.State.Engagement,
			NewEngagement:  state.Engagement,
		})
		if rerr != nil {
			return nil, &UpdateError{Key: key, Stage: "reward", Cause: rerr}
		}
		if len(bd.UnknownLOs) > 0 {
			m.logger.Warn("unknown learning objectives counted with defaults",
				"context", key.String(),
				"objectives", bd.UnknownLOs,
			)
		}
		s, uerr := table.Update(p.State, p.Action, bd.Total, state, avail)
		if uerr != nil {
			return nil, &UpdateError{Key: key, Stage: "qtable", Cause: uerr}
		}
		step = &s

		prevState := p.State
		prevAction, _ := m.catalog.GetByIndex(p.Action)
		out.Previous, out.PreviousAction, out.Reward = &prevState, &prevAction, &bd
		metricsRecorder().RecordReward(bd.Total)
	}

	t := m.tunables.Load()
	out.Recommendations = table.Recommend(state, avail, t.TopK)
	chosen, ok := table.SelectAction(state, avail, t.Epsilon)
	if !ok {
		return nil, &UpdateError{Key: key, Stage: "select", Cause: errors.New("no available action")}
	}
	out.Selected, _ = m.catalog.GetByIndex(chosen)

	lc.pointer = &pointer{
		State:       state,
		Action:      chosen,
		TriggeredAt: agg.Last,
		Progress:    progress,
		Mastery:     mastery,
	}
	lc.watermark = agg.Watermark
	out.Consumed = m.buffers.Consume(key, agg.Watermark, m.cfg.WindowPolicy, m.cfg.WindowOverlap)

	for _, r := range out.Recommendations {
		metricsRecorder().RecordRecommendation(string(r.Provenance))
	}
	metricsRecorder().RecordUpdate("committed", time.Since(started))
	metricsRecorder().SetQTableEntries(key.CourseID, table.Size())
	span.SetAttributes(
		attribute.String("nextstep.state", state.Key()),
		attribute.Int("nextstep.selected_action", chosen),
	)
	m.logger.Debug("update committed",
		"context", key.String(),
		"state", state.Key(),
		"selected", out.Selected.String(),
		"consumed", out.Consumed,
	)
	return out, nil
}

// availableActions lists the actions valid in a module. Past actions are
// unavailable in the first module and future actions in the last one; the
// overflow module allows every action.
func (m *Manager) availableActions(mmap *modindex.Map, idx int) []int {
	if idx >= mmap.OverflowIndex() || mmap.Known() == 0 {
		return m.catalog.Indices(nil)
	}
	first, last := mmap.IsFirst(idx), mmap.IsLast(idx)
	return m.catalog.Indices(func(a action.Action) bool {
		if first && a.Context == action.Past {
			return false
		}
		if last && a.Context == action.Future {
			return false
		}
		return true
	})
}

// table returns the Q-table of a course, creating it on first use.
func (m *Manager) table(courseID string) *qtable.Table {
	m.tablesMu.RLock()
	t, ok := m.tables[courseID]
	m.tablesMu.RUnlock()
	if ok {
		return t
	}

	m.tablesMu.Lock()
	defer m.tablesMu.Unlock()
	if t, ok = m.tables[courseID]; ok {
		return t
	}
	// Hyperparameters were validated in New.
	t, _ = qtable.New(m.catalog, m.cfg.Hyperparameters, m.tableOpts...)
	m.tables[courseID] = t
	return t
}

// emptyTable returns the shared table used to rank actions of courses that
// have no learned values. Nothing is ever written to it.
func (m *Manager) emptyTable() *qtable.Table {
	m.emptyOnce.Do(func() {
		opts := append(append([]qtable.Option(nil), m.tableOpts...), qtable.WithShards(1))
		m.empty, _ = qtable.New(m.catalog, m.cfg.Hyperparameters, opts...)
	})
	return m.empty
}

func (m *Manager) lookupTable(courseID string) (*qtable.Table, bool) {
	m.tablesMu.RLock()
	defer m.tablesMu.RUnlock()
	t, ok := m.tables[courseID]
	return t, ok
}

// Courses returns the courses that own a Q-table, sorted.
func (m *Manager) Courses() []string {
	m.tablesMu.RLock()
	defer m.tablesMu.RUnlock()
	out := make([]string, 0, len(m.tables))
	for c := range m.tables {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// ContextStatus returns the status of a context, StatusEmpty when unknown.
func (m *Manager) ContextStatus(key event.ContextKey) Status {
	lc := m.contexts.get(key)
	if lc == nil {
		return StatusEmpty
	}
	return lc.Status()
}

// BufferedEvents returns the number of events buffered for a context.
func (m *Manager) BufferedEvents(key event.ContextKey) int {
	return m.buffers.Size(key)
}

// ActiveContexts returns the number of known contexts.
func (m *Manager) ActiveContexts() int {
	return m.contexts.len()
}
