package collab

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextstep/nextstep/pkg/action"
	"github.com/nextstep/nextstep/pkg/errdefs"
	"github.com/nextstep/nextstep/pkg/modindex"
)

type recordingMetrics struct {
	mu      sync.Mutex
	calls   map[string]int
	changes []string
}

func (r *recordingMetrics) RecordDependencyCall(dependency, result string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[string]int)
	}
	r.calls[dependency+"/"+result]++
}

func (r *recordingMetrics) RecordBreakerState(dependency, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, dependency+":"+state)
}

func testGuardConfig() GuardConfig {
	return GuardConfig{
		Timeout:      50 * time.Millisecond,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	}
}

func TestStaticCollaborator(t *testing.T) {
	s := NewStatic(Fixtures{
		Courses: map[string]modindex.Hierarchy{
			"5": {CourseID: "5", Modules: []modindex.Module{{ID: "m1"}, {ID: "m2"}}},
		},
		ExamWeights: map[string]map[string]float64{"5": {"lo1": 0.7, "lo2": 0.3}},
		Objectives: map[string]map[string]map[action.Type][]string{
			"5": {"m1": {action.AttemptQuiz: {"lo1"}}},
		},
		Current: map[string]map[string]string{"5": {"1": "m2"}},
	})
	ctx := context.Background()

	h, err := s.Hierarchy(ctx, "5")
	require.NoError(t, err)
	assert.Len(t, h.Modules, 2)

	_, err = s.Hierarchy(ctx, "6")
	var unknown *UnknownCourseError
	assert.ErrorAs(t, err, &unknown)

	_, ok, err := s.ClusterOf(ctx, "1", "5")
	require.NoError(t, err)
	assert.False(t, ok)
	s.SetCluster("5", "1", 3)
	c, ok, _ := s.ClusterOf(ctx, "1", "5")
	assert.True(t, ok)
	assert.Equal(t, 3, c)

	s.SetMastery("5", "1", "lo1", 0.4)
	m, _ := s.Mastery(ctx, "1", "5")
	m["lo1"] = 1
	again, _ := s.Mastery(ctx, "1", "5")
	assert.Equal(t, 0.4, again["lo1"], "callers must not alias fixture maps")

	los, _ := s.LinkedObjectives(ctx, "5", "m1", action.AttemptQuiz)
	assert.Equal(t, []string{"lo1"}, los)
	los, _ = s.LinkedObjectives(ctx, "5", "m1", action.ViewContent)
	assert.Empty(t, los)

	cur, err := s.CurrentModule(ctx, "1", "5")
	require.NoError(t, err)
	assert.Equal(t, "m2", cur)
	_, err = s.CurrentModule(ctx, "2", "5")
	assert.Error(t, err)
}

func TestWithDefaults(t *testing.T) {
	c := Collaborators{}.WithDefaults()
	h, err := c.Content.Hierarchy(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "42", h.CourseID)
	assert.Empty(t, h.Modules)

	_, ok, err := c.Clusters.ClusterOf(context.Background(), "1", "42")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestDo_RetriesThenSucceeds(t *testing.T) {
	g := NewGuard("mastery", testGuardConfig(), nil)
	var calls atomic.Int32

	v, err := Do(context.Background(), g, func(ctx context.Context) (int, error) {
		if calls.Add(1) < 3 {
			return 0, errors.New("connection reset")
		}
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_ExhaustedIsTransient(t *testing.T) {
	rec := &recordingMetrics{}
	SetMetricsRecorder(rec)
	defer SetMetricsRecorder(nil)

	g := NewGuard("clusters", testGuardConfig(), nil)
	cause := errors.New("503")
	var calls atomic.Int32

	_, err := Do(context.Background(), g, func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "", cause
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsTransient(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, int32(3), calls.Load())

	var te *errdefs.TransientDependencyError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "clusters", te.Dependency)
	assert.Equal(t, 3, te.Attempts)
	assert.Equal(t, 1, rec.calls["clusters/error"])
}

func TestDo_PerAttemptTimeout(t *testing.T) {
	cfg := testGuardConfig()
	cfg.Timeout = 10 * time.Millisecond
	cfg.MaxRetries = 0
	g := NewGuard("content", cfg, nil)

	start := time.Now()
	_, err := Do(context.Background(), g, func(ctx context.Context) (int, error) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(time.Second):
			return 1, nil
		}
	})
	assert.True(t, errdefs.IsTransient(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestDo_BreakerOpens(t *testing.T) {
	rec := &recordingMetrics{}
	SetMetricsRecorder(rec)
	defer SetMetricsRecorder(nil)

	cfg := testGuardConfig()
	cfg.MaxRetries = 0
	cfg.BreakerFailures = 2
	cfg.BreakerTimeout = time.Minute
	g := NewGuard("resolver", cfg, nil)

	var calls atomic.Int32
	fail := func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "", errors.New("down")
	}
	for i := 0; i < 2; i++ {
		_, err := Do(context.Background(), g, fail)
		require.Error(t, err)
	}
	assert.Equal(t, "open", g.State())

	_, err := Do(context.Background(), g, fail)
	assert.True(t, errdefs.IsTransient(err))
	assert.Equal(t, int32(2), calls.Load(), "open circuit must not reach the dependency")
	assert.Equal(t, 1, rec.calls["resolver/circuit_open"])
	assert.Contains(t, rec.changes, "resolver:open")
}

func TestDo_CanceledContext(t *testing.T) {
	g := NewGuard("mastery", testGuardConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Do(ctx, g, func(ctx context.Context) (int, error) {
		return 0, ctx.Err()
	})
	assert.True(t, errdefs.IsTransient(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGuarded(t *testing.T) {
	s := NewStatic(Fixtures{
		ExamWeights: map[string]map[string]float64{"5": {"lo1": 1}},
	})
	s.SetCluster("5", "1", 2)

	c := Guarded(Collaborators{Clusters: s, Mastery: s}, testGuardConfig(), nil)
	ctx := context.Background()

	id, ok, err := c.Clusters.ClusterOf(ctx, "1", "5")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, id)

	w, err := c.Mastery.ExamWeights(ctx, "5")
	require.NoError(t, err)
	assert.Equal(t, 1.0, w["lo1"])

	// The default content source never fails.
	h, err := c.Content.Hierarchy(ctx, "5")
	require.NoError(t, err)
	assert.Empty(t, h.Modules)

	// The default resolver knows no learner.
	_, err = c.Resolver.CurrentModule(ctx, "1", "5")
	assert.True(t, errdefs.IsTransient(err))
}
