// Package memory provides an in-memory implementation of the snapshot store.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/nextstep/nextstep/pkg/storage"
)

type entry struct {
	info storage.SnapshotInfo
	data []byte
}

// MemoryStorage implements storage.Store with in-memory maps. Snapshots are
// kept encoded so that loads go through the same integrity check as the
// persistent backends.
type MemoryStorage struct {
	mu      sync.RWMutex
	history map[string][]entry // courseID -> snapshots, oldest first
	limit   int
}

// NewMemoryStorage creates a new in-memory store keeping at most
// historyLimit snapshots per course. Zero keeps every snapshot.
func NewMemoryStorage(historyLimit int) *MemoryStorage {
	return &MemoryStorage{
		history: make(map[string][]entry),
		limit:   historyLimit,
	}
}

// SaveSnapshot seals and stores snap as the active snapshot of its course.
func (m *MemoryStorage) SaveSnapshot(ctx context.Context, snap *storage.Snapshot) error {
	if err := snap.Seal(); err != nil {
		return err
	}
	data, err := storage.Encode(snap)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	h := append(m.history[snap.CourseID], entry{info: snap.Info(), data: data})
	if m.limit > 0 && len(h) > m.limit {
		h = append([]entry(nil), h[len(h)-m.limit:]...)
	}
	m.history[snap.CourseID] = h
	return nil
}

// LoadSnapshot returns the active snapshot of a course.
func (m *MemoryStorage) LoadSnapshot(ctx context.Context, courseID string) (*storage.Snapshot, error) {
	m.mu.RLock()
	h := m.history[courseID]
	var data []byte
	if len(h) > 0 {
		data = h[len(h)-1].data
	}
	m.mu.RUnlock()

	if data == nil {
		return nil, &storage.NotFoundError{EntityType: "snapshot", ID: courseID}
	}
	return storage.Open(courseID, data)
}

// ListCourses returns the courses with a snapshot.
func (m *MemoryStorage) ListCourses(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	courses := make([]string, 0, len(m.history))
	for c, h := range m.history {
		if len(h) > 0 {
			courses = append(courses, c)
		}
	}
	sort.Strings(courses)
	return courses, nil
}

// ListHistory returns snapshots of a course, newest first.
func (m *MemoryStorage) ListHistory(ctx context.Context, courseID string, limit int) ([]storage.SnapshotInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h := m.history[courseID]
	out := make([]storage.SnapshotInfo, 0, len(h))
	for i := len(h) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, h[i].info)
	}
	return out, nil
}

// DeleteSnapshot removes every snapshot of a course.
func (m *MemoryStorage) DeleteSnapshot(ctx context.Context, courseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.history[courseID]) == 0 {
		return &storage.NotFoundError{EntityType: "snapshot", ID: courseID}
	}
	delete(m.history, courseID)
	return nil
}

// Close is a no-op for in-memory storage.
func (m *MemoryStorage) Close() error {
	return nil
}

// replaceActive overwrites the encoded active snapshot of a course.
func (m *MemoryStorage) replaceActive(courseID string, mutate func([]byte) []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[courseID]
	if len(h) == 0 {
		return false
	}
	h[len(h)-1].data = mutate(h[len(h)-1].data)
	return true
}

var _ storage.Store = (*MemoryStorage)(nil)
