package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nextstep/nextstep/pkg/errdefs"
	"github.com/nextstep/nextstep/pkg/qtable"
)

// StoreTestSuite defines a test suite that can be run against any Store implementation.
type StoreTestSuite struct {
	NewStore func(t *testing.T) Store
	// Tamper overwrites the stored bytes of the active snapshot of a
	// course. The corruption tests are skipped when it is nil.
	Tamper func(t *testing.T, s Store, courseID string, mutate func([]byte) []byte)
}

// RunAllTests runs all store tests against the provided implementation.
func (s *StoreTestSuite) RunAllTests(t *testing.T) {
	t.Run("SaveLoadRoundTrip", s.TestSaveLoadRoundTrip)
	t.Run("SnapshotNotFound", s.TestSnapshotNotFound)
	t.Run("HistoryNewestFirst", s.TestHistoryNewestFirst)
	t.Run("ListCourses", s.TestListCourses)
	t.Run("DeleteSnapshot", s.TestDeleteSnapshot)
	t.Run("ConcurrentSaves", s.TestConcurrentSaves)
	t.Run("CorruptionDetected", s.TestCorruptionDetected)
	t.Run("InvalidSnapshot", s.TestInvalidSnapshot)
}

// SampleSnapshot returns an unsealed snapshot with awkward float values.
func SampleSnapshot(courseID string) *Snapshot {
	return NewSnapshot(courseID, qtable.Export{
		Hyperparameters: qtable.Hyperparameters{Alpha: 0.1, Gamma: 0.9, Epsilon: 0.05},
		Entries: map[string]map[int]float64{
			"2,54,1,3,1,0": {0: 0.1, 7: -0.3333333333333333, 14: 1e-300},
			"5,0,0,0,0,0":  {3: 0.7071067811865476},
		},
	}, []ContextRecord{{
		UserID:          "1",
		ModuleIndex:     54,
		LastState:       "2,54,1,3,1,0",
		LastAction:      7,
		LastTriggerTime: time.Date(2026, 3, 2, 9, 30, 0, 123456789, time.UTC),
		LastProgress:    0.42,
		LastMastery:     map[string]float64{"lo-1": 0.25},
	}})
}

// TestSaveLoadRoundTrip checks that every value survives exactly.
func (s *StoreTestSuite) TestSaveLoadRoundTrip(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	snap := SampleSnapshot("5")
	if err := store.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	if snap.ID == "" || snap.Checksum == "" {
		t.Fatal("expected SaveSnapshot to seal the snapshot")
	}

	loaded, err := store.LoadSnapshot(ctx, "5")
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if loaded.ID != snap.ID || loaded.Checksum != snap.Checksum {
		t.Errorf("expected snapshot %s/%s, got %s/%s", snap.ID, snap.Checksum, loaded.ID, loaded.Checksum)
	}
	if !loaded.Export().Equal(snap.Export()) {
		t.Errorf("table mismatch: want %v, got %v", snap.QTable, loaded.QTable)
	}
	if len(loaded.Contexts) != 1 {
		t.Fatalf("expected 1 context, got %d", len(loaded.Contexts))
	}
	got, want := loaded.Contexts[0], snap.Contexts[0]
	if got.UserID != want.UserID || got.LastState != want.LastState || got.LastAction != want.LastAction ||
		!got.LastTriggerTime.Equal(want.LastTriggerTime) || got.LastProgress != want.LastProgress ||
		got.LastMastery["lo-1"] != want.LastMastery["lo-1"] {
		t.Errorf("context mismatch: want %+v, got %+v", want, got)
	}
}

// TestSnapshotNotFound checks the error of a missing course.
func (s *StoreTestSuite) TestSnapshotNotFound(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	_, err := store.LoadSnapshot(context.Background(), "missing")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

// TestHistoryNewestFirst checks that saving keeps earlier versions.
func (s *StoreTestSuite) TestHistoryNewestFirst(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		snap := SampleSnapshot("5")
		snap.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		snap.QTable["5,0,0,0,0,0"][3] = float64(i)
		if err := store.SaveSnapshot(ctx, snap); err != nil {
			t.Fatalf("SaveSnapshot %d failed: %v", i, err)
		}
		ids = append(ids, snap.ID)
	}

	loaded, err := store.LoadSnapshot(ctx, "5")
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if loaded.ID != ids[2] {
		t.Errorf("expected active snapshot %s, got %s", ids[2], loaded.ID)
	}
	if v := loaded.QTable["5,0,0,0,0,0"][3]; v != 2 {
		t.Errorf("expected latest value 2, got %v", v)
	}

	history, err := store.ListHistory(ctx, "5", 0)
	if err != nil {
		t.Fatalf("ListHistory failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(history))
	}
	for i, info := range history {
		if info.ID != ids[2-i] {
			t.Errorf("history[%d]: expected %s, got %s", i, ids[2-i], info.ID)
		}
		if info.Entries != 4 || info.Contexts != 1 {
			t.Errorf("history[%d]: unexpected counts %+v", i, info)
		}
	}

	limited, err := store.ListHistory(ctx, "5", 2)
	if err != nil {
		t.Fatalf("ListHistory with limit failed: %v", err)
	}
	if len(limited) != 2 || limited[0].ID != ids[2] {
		t.Errorf("expected 2 newest entries, got %+v", limited)
	}
}

// TestListCourses checks course enumeration.
func (s *StoreTestSuite) TestListCourses(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	for _, c := range []string{"b", "a", "c", "a"} {
		if err := store.SaveSnapshot(ctx, SampleSnapshot(c)); err != nil {
			t.Fatalf("SaveSnapshot(%s) failed: %v", c, err)
		}
	}
	courses, err := store.ListCourses(ctx)
	if err != nil {
		t.Fatalf("ListCourses failed: %v", err)
	}
	if fmt.Sprint(courses) != "[a b c]" {
		t.Errorf("expected [a b c], got %v", courses)
	}
}

// TestDeleteSnapshot checks that delete removes the active snapshot and history.
func (s *StoreTestSuite) TestDeleteSnapshot(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := store.SaveSnapshot(ctx, SampleSnapshot("5")); err != nil {
			t.Fatalf("SaveSnapshot failed: %v", err)
		}
	}
	if err := store.SaveSnapshot(ctx, SampleSnapshot("6")); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	if err := store.DeleteSnapshot(ctx, "5"); err != nil {
		t.Fatalf("DeleteSnapshot failed: %v", err)
	}
	if _, err := store.LoadSnapshot(ctx, "5"); err == nil {
		t.Error("expected error when loading deleted snapshot")
	}
	history, err := store.ListHistory(ctx, "5", 0)
	if err != nil {
		t.Fatalf("ListHistory failed: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("expected empty history, got %d entries", len(history))
	}
	if _, err := store.LoadSnapshot(ctx, "6"); err != nil {
		t.Errorf("other courses must survive delete: %v", err)
	}

	var nf *NotFoundError
	if err := store.DeleteSnapshot(ctx, "5"); !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError on second delete, got %v", err)
	}
}

// TestConcurrentSaves tests concurrent writers on different courses.
func (s *StoreTestSuite) TestConcurrentSaves(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if err := store.SaveSnapshot(ctx, SampleSnapshot(fmt.Sprintf("course-%d", i))); err != nil {
					errs <- err
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent save failed: %v", err)
	}

	courses, err := store.ListCourses(ctx)
	if err != nil {
		t.Fatalf("ListCourses failed: %v", err)
	}
	if len(courses) != 8 {
		t.Errorf("expected 8 courses, got %d", len(courses))
	}
	for _, c := range courses {
		if _, err := store.LoadSnapshot(ctx, c); err != nil {
			t.Errorf("LoadSnapshot(%s) failed: %v", c, err)
		}
	}
}

// TestCorruptionDetected checks that tampered bytes never load.
func (s *StoreTestSuite) TestCorruptionDetected(t *testing.T) {
	if s.Tamper == nil {
		t.Skip("backend does not support tampering")
	}
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	if err := store.SaveSnapshot(ctx, SampleSnapshot("5")); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	s.Tamper(t, store, "5", func(data []byte) []byte {
		snap, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		snap.QTable["5,0,0,0,0,0"][3] = 42
		out, err := Encode(snap)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		return out
	})
	_, err := store.LoadSnapshot(ctx, "5")
	if !errdefs.IsStateCorruption(err) {
		t.Fatalf("expected StateCorruptionError for modified values, got %v", err)
	}

	s.Tamper(t, store, "5", func(data []byte) []byte {
		return data[:len(data)/2]
	})
	_, err = store.LoadSnapshot(ctx, "5")
	if !errdefs.IsStateCorruption(err) {
		t.Fatalf("expected StateCorruptionError for truncated data, got %v", err)
	}
}

// TestInvalidSnapshot checks that snapshots without a course are rejected.
func (s *StoreTestSuite) TestInvalidSnapshot(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	err := store.SaveSnapshot(context.Background(), SampleSnapshot(""))
	if !errdefs.IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}
