package manager

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextstep/nextstep/pkg/encoder"
	"github.com/nextstep/nextstep/pkg/errdefs"
	"github.com/nextstep/nextstep/pkg/event"
	"github.com/nextstep/nextstep/pkg/qtable"
	"github.com/nextstep/nextstep/pkg/storage"
)

// ErrNoStore is returned by snapshot operations of a Manager without a store.
var ErrNoStore = errors.New("manager has no snapshot store")

// Snapshot builds an unsealed snapshot of one course: its Q-table and the
// pointer of every context in it.
func (m *Manager) Snapshot(courseID string) (*storage.Snapshot, bool) {
	t, ok := m.lookupTable(courseID)
	if !ok {
		return nil, false
	}
	var records []storage.ContextRecord
	m.contexts.each(func(key event.ContextKey, lc *learningContext) {
		if key.CourseID != courseID {
			return
		}
		lc.mu.Lock()
		p := lc.pointer
		lc.mu.Unlock()
		if p == nil {
			return
		}
		records = append(records, storage.ContextRecord{
			UserID:          key.UserID,
			ModuleIndex:     key.ModuleIndex,
			LastState:       p.State.Key(),
			LastAction:      p.Action,
			LastTriggerTime: p.TriggeredAt,
			LastProgress:    p.Progress,
			LastMastery:     p.Mastery,
		})
	})
	return storage.NewSnapshot(courseID, t.Export(), records), true
}

// SaveSnapshot persists the state of one course.
func (m *Manager) SaveSnapshot(ctx context.Context, courseID string) error {
	if m.store == nil {
		return ErrNoStore
	}
	ctx, span := runtimeTracer().Start(ctx, spanSnapshot, trace.WithAttributes(
		attribute.String("nextstep.course_id", courseID),
	))
	defer span.End()

	snap, ok := m.Snapshot(courseID)
	if !ok {
		return &storage.NotFoundError{EntityType: "q-table", ID: courseID}
	}
	if err := m.store.SaveSnapshot(ctx, snap); err != nil {
		metricsRecorder().RecordSnapshot("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "save failed")
		return fmt.Errorf("save snapshot of course %s: %w", courseID, err)
	}
	metricsRecorder().RecordSnapshot("saved")
	m.logger.Debug("snapshot saved",
		"course_id", courseID,
		"snapshot_id", snap.ID,
		"entries", len(snap.QTable),
		"contexts", len(snap.Contexts),
	)
	return nil
}

// SaveSnapshots persists every course. It attempts all courses and joins
// the errors.
func (m *Manager) SaveSnapshots(ctx context.Context) error {
	if m.store == nil {
		return ErrNoStore
	}
	var errs []error
	for _, courseID := range m.Courses() {
		if err := m.SaveSnapshot(ctx, courseID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Restore loads the active snapshot of every stored course. A snapshot
// that fails validation is not loaded at all: the course starts empty, the
// failure is logged at error level and reported as an
// *errdefs.StateCorruptionError in the joined result. Other courses are
// restored regardless.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return ErrNoStore
	}
	courses, err := m.store.ListCourses(ctx)
	if err != nil {
		return fmt.Errorf("list stored courses: %w", err)
	}

	var errs []error
	for _, courseID := range courses {
		snap, err := m.store.LoadSnapshot(ctx, courseID)
		if err == nil {
			err = m.install(courseID, snap)
		}
		if err != nil {
			if errdefs.IsStateCorruption(err) {
				metricsRecorder().RecordSnapshot("corrupt")
				m.logger.Error("snapshot rejected, course starts empty",
					"course_id", courseID,
					"error", err,
				)
			} else {
				metricsRecorder().RecordSnapshot("error")
				m.logger.Error("snapshot load failed, course starts empty",
					"course_id", courseID,
					"error", err,
				)
			}
			errs = append(errs, err)
			continue
		}
		metricsRecorder().RecordSnapshot("restored")
		m.logger.Info("snapshot restored",
			"course_id", courseID,
			"snapshot_id", snap.ID,
			"entries", len(snap.QTable),
			"contexts", len(snap.Contexts),
		)
	}
	return errors.Join(errs...)
}

// install validates a snapshot completely and then replaces the course
// table and context pointers.
func (m *Manager) install(courseID string, snap *storage.Snapshot) error {
	corrupt := func(reason string, cause error) error {
		return &errdefs.StateCorruptionError{Scope: "course " + courseID, Reason: reason, Cause: cause}
	}

	t, err := qtable.FromExport(m.catalog, snap.Export(), m.tableOpts...)
	if err != nil {
		return corrupt("invalid q-table", err)
	}

	type restored struct {
		key event.ContextKey
		p   *pointer
	}
	pointers := make([]restored, 0, len(snap.Contexts))
	for _, rec := range snap.Contexts {
		state, err := encoder.ParseKey(rec.LastState)
		if err != nil {
			return corrupt("invalid context state", err)
		}
		if _, err := m.catalog.GetByIndex(rec.LastAction); err != nil {
			return corrupt("invalid context action", err)
		}
		if rec.UserID == "" || rec.ModuleIndex < 0 || rec.ModuleIndex > m.cfg.Encoder.MaxModules {
			return corrupt("invalid context key", fmt.Errorf("user %q module %d", rec.UserID, rec.ModuleIndex))
		}
		pointers = append(pointers, restored{
			key: event.ContextKey{UserID: rec.UserID, CourseID: courseID, ModuleIndex: rec.ModuleIndex},
			p: &pointer{
				State:       state,
				Action:      rec.LastAction,
				TriggeredAt: rec.LastTriggerTime,
				Progress:    rec.LastProgress,
				Mastery:     rec.LastMastery,
			},
		})
	}

	m.tablesMu.Lock()
	m.tables[courseID] = t
	m.tablesMu.Unlock()
	now := m.now()
	for _, r := range pointers {
		lc := m.contexts.getOrCreate(r.key)
		lc.mu.Lock()
		lc.pointer = r.p
		lc.setStatus(StatusBuffering)
		lc.touch(now)
		lc.mu.Unlock()
	}
	metricsRecorder().SetQTableEntries(courseID, t.Size())
	metricsRecorder().SetActiveContexts(m.contexts.len())
	return nil
}
