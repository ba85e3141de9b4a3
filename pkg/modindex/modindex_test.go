package modindex

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextstep/nextstep/pkg/errdefs"
)

func sampleHierarchy(courseID string) Hierarchy {
	return Hierarchy{
		CourseID: courseID,
		Modules: []Module{
			{ID: "intro", Lessons: []string{"l-welcome", "l-setup"}},
			{ID: "basics", Lessons: []string{"l-vars"}},
			{ID: "advanced"},
			{ID: "capstone", Lessons: []string{"l-project"}},
		},
	}
}

func TestBuild_AssignsIndicesInOrder(t *testing.T) {
	m, err := Build(sampleHierarchy("c1"), 10)
	require.NoError(t, err)

	for ref, want := range map[string]int{
		"intro": 0, "l-welcome": 0, "l-setup": 0,
		"basics": 1, "l-vars": 1,
		"advanced": 2,
		"capstone": 3, "l-project": 3,
	} {
		idx, ok := m.Index(ref)
		assert.True(t, ok, ref)
		assert.Equal(t, want, idx, ref)
	}
	assert.Equal(t, 4, m.Known())
	assert.Equal(t, 3, m.LastIndex())
	assert.Equal(t, 11, m.Size())
	assert.True(t, m.IsFirst(0))
	assert.True(t, m.IsLast(3))

	id, ok := m.ModuleID(2)
	assert.True(t, ok)
	assert.Equal(t, "advanced", id)
}

func TestBuild_CollapsesOverflow(t *testing.T) {
	m, err := Build(sampleHierarchy("c1"), 2)
	require.NoError(t, err)

	idx, ok := m.Index("advanced")
	assert.True(t, ok)
	assert.Equal(t, m.OverflowIndex(), idx)
	idx, _ = m.Index("l-project")
	assert.Equal(t, 2, idx)
	assert.Equal(t, 2, m.Known())
	assert.Equal(t, 2, m.Overflowed())
	assert.Equal(t, 1, m.LastIndex())
}

func TestBuild_RejectsInvalidLimit(t *testing.T) {
	_, err := Build(sampleHierarchy("c1"), 0)
	assert.True(t, errdefs.IsValidation(err))
}

func TestIndex_UnknownIDNeverFails(t *testing.T) {
	m, err := Build(sampleHierarchy("c1"), 10)
	require.NoError(t, err)

	idx, ok := m.Index("does-not-exist")
	assert.False(t, ok)
	assert.Equal(t, 10, idx)

	idx, err = m.Lookup("does-not-exist")
	assert.Equal(t, 10, idx)
	assert.True(t, errdefs.IsUnknownReference(err))
}

func TestEmpty(t *testing.T) {
	m := Empty("c9", 8)
	idx, ok := m.Index("intro")
	assert.False(t, ok)
	assert.Equal(t, 8, idx)
	assert.Equal(t, -1, m.LastIndex())
	assert.False(t, m.IsFirst(0))
}

func TestRegistry_NoCrossCourseBleed(t *testing.T) {
	src := ContentSourceFunc(func(_ context.Context, courseID string) (Hierarchy, error) {
		if courseID == "5" {
			return Hierarchy{Modules: []Module{{ID: "a"}, {ID: "b"}, {ID: "shared"}}}, nil
		}
		return Hierarchy{Modules: []Module{{ID: "shared"}, {ID: "x"}}}, nil
	})
	r := NewRegistry(src, 16)

	m5, err := r.Get(context.Background(), "5")
	require.NoError(t, err)
	m6, err := r.Get(context.Background(), "6")
	require.NoError(t, err)

	i5, _ := m5.Index("shared")
	i6, _ := m6.Index("shared")
	assert.Equal(t, 2, i5)
	assert.Equal(t, 0, i6)

	_, ok := m6.Index("a")
	assert.False(t, ok, "course 6 must not see course 5 modules")
	assert.Equal(t, "5", m5.CourseID())
}

func TestRegistry_FetchesOncePerCourse(t *testing.T) {
	var calls atomic.Int32
	src := ContentSourceFunc(func(_ context.Context, courseID string) (Hierarchy, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return sampleHierarchy(courseID), nil
	})
	r := NewRegistry(src, 10)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := r.Get(context.Background(), "c1")
			assert.NoError(t, err)
			assert.Equal(t, 4, m.Known())
		}()
	}
	wg.Wait()

	_, err := r.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRegistry_DegradedMapIsNotCached(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	src := ContentSourceFunc(func(_ context.Context, courseID string) (Hierarchy, error) {
		if fail.Load() {
			return Hierarchy{}, errors.New("lms unavailable")
		}
		return sampleHierarchy(courseID), nil
	})
	r := NewRegistry(src, 10)

	m, err := r.Get(context.Background(), "c1")
	require.Error(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 0, m.Known())

	fail.Store(false)
	m, err = r.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 4, m.Known())
}

func TestRegistry_PutAndInvalidate(t *testing.T) {
	var calls atomic.Int32
	src := ContentSourceFunc(func(_ context.Context, courseID string) (Hierarchy, error) {
		calls.Add(1)
		return sampleHierarchy(courseID), nil
	})
	r := NewRegistry(src, 10)

	prebuilt, err := Build(Hierarchy{CourseID: "c1", Modules: []Module{{ID: "only"}}}, 10)
	require.NoError(t, err)
	r.Put(prebuilt)

	m, err := r.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Known())
	assert.Equal(t, int32(0), calls.Load())

	r.Invalidate("c1")
	m, err = r.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 4, m.Known())
	assert.Equal(t, int32(1), calls.Load())
}
