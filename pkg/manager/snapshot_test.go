package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextstep/nextstep/pkg/errdefs"
	"github.com/nextstep/nextstep/pkg/storage"
	"github.com/nextstep/nextstep/pkg/storage/memory"
)

func TestSnapshot_RoundTrip(t *testing.T) {
	store := memory.NewMemoryStorage(0)
	ctx := context.Background()

	m := newTestManager(t, testConfig(), WithStore(store))
	ingestBatch(t, m, t0, 5, 0.2)
	ingestBatch(t, m, t0.Add(time.Hour), 5, 0.7)
	require.NoError(t, m.SaveSnapshots(ctx))

	history, err := store.ListHistory(ctx, "5", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].Contexts)

	restored := newTestManager(t, testConfig(), WithStore(store))
	require.NoError(t, restored.Restore(ctx))

	want, _ := m.Export("5")
	got, ok := restored.Export("5")
	require.True(t, ok)
	assert.True(t, want.Equal(got))

	before, _ := m.GetState(ctx, "1", "5", "54")
	after, err := restored.GetState(ctx, "1", "5", "54")
	require.NoError(t, err)
	require.True(t, after.Found)
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.LastAction, after.LastAction)
	assert.Equal(t, StatusBuffering, after.Status)

	// The restored pointer takes part in the next update.
	res := ingestBatch(t, restored, t0.Add(2*time.Hour), 5, 0.9)
	require.NotNil(t, res.Update)
	require.NotNil(t, res.Update.Previous)
	assert.Equal(t, before.State, *res.Update.Previous)
}

func TestSnapshot_WithoutStore(t *testing.T) {
	m := newTestManager(t, testConfig())
	assert.ErrorIs(t, m.SaveSnapshots(context.Background()), ErrNoStore)
	assert.ErrorIs(t, m.Restore(context.Background()), ErrNoStore)

	var nf *storage.NotFoundError
	m2 := newTestManager(t, testConfig(), WithStore(memory.NewMemoryStorage(0)))
	assert.ErrorAs(t, m2.SaveSnapshot(context.Background(), "5"), &nf)
}

// corruptingStore serves undecodable payloads for one course.
type corruptingStore struct {
	storage.Store
	course string
}

func (c *corruptingStore) LoadSnapshot(ctx context.Context, courseID string) (*storage.Snapshot, error) {
	if courseID == c.course {
		return storage.Open(courseID, []byte(`{"course_id":"`+courseID+`","checksum":"bogus"}`))
	}
	return c.Store.LoadSnapshot(ctx, courseID)
}

func TestRestore_CorruptSnapshotStartsEmpty(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewMemoryStorage(0)

	seed := newTestManager(t, testConfig(), WithStore(inner))
	for _, course := range []string{"5", "6"} {
		for i := 0; i < 5; i++ {
			_, err := seed.Ingest(ctx, viewEvent("1", course, "54", t0.Add(time.Duration(i)*time.Minute), 0.5))
			require.NoError(t, err)
		}
	}
	require.NoError(t, seed.SaveSnapshots(ctx))

	m := newTestManager(t, testConfig(), WithStore(&corruptingStore{Store: inner, course: "5"}))
	err := m.Restore(ctx)
	require.Error(t, err)
	assert.True(t, errdefs.IsStateCorruption(err))

	_, ok := m.Export("5")
	assert.False(t, ok, "a corrupt course must not be served")
	_, ok = m.Export("6")
	assert.True(t, ok)

	st, err := m.GetState(ctx, "1", "5", "54")
	require.NoError(t, err)
	assert.False(t, st.Found)
}

func TestRestore_InvalidContextRejectsWholeCourse(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStorage(0)

	snap := storage.SampleSnapshot("5")
	snap.Contexts[0].LastState = "not-a-state"
	require.NoError(t, store.SaveSnapshot(ctx, snap))

	m := newTestManager(t, testConfig(), WithStore(store))
	err := m.Restore(ctx)
	assert.True(t, errdefs.IsStateCorruption(err))
	assert.Empty(t, m.Courses())
	assert.Equal(t, 0, m.ActiveContexts())
}

func TestClose_WritesFinalSnapshot(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStorage(0)
	cfg := testConfig()
	cfg.EvictionInterval = time.Millisecond
	cfg.SnapshotInterval = time.Hour

	m := newTestManager(t, cfg, WithStore(store))
	m.Start(ctx)
	m.Start(ctx)
	ingestBatch(t, m, t0, 5, 0.5)
	require.NoError(t, m.Close(ctx))

	courses, err := store.ListCourses(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"5"}, courses)
}
