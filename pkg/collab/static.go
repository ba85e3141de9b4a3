package collab

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/goccy/go-json"

	"github.com/nextstep/nextstep/pkg/action"
	"github.com/nextstep/nextstep/pkg/modindex"
)

// Fixtures is the data behind a Static collaborator. Every map is keyed by
// course id first; then by user id (Clusters, Mastery, Current), objective
// (ExamWeights) or module id and action type (Objectives).
type Fixtures struct {
	Courses     map[string]modindex.Hierarchy                  `json:"courses,omitempty"`
	Clusters    map[string]map[string]int                      `json:"clusters,omitempty"`
	Mastery     map[string]map[string]map[string]float64       `json:"mastery,omitempty"`
	ExamWeights map[string]map[string]float64                  `json:"exam_weights,omitempty"`
	Objectives  map[string]map[string]map[action.Type][]string `json:"objectives,omitempty"`
	Current     map[string]map[string]string                   `json:"current_modules,omitempty"`
}

// LoadFixtures reads fixtures from a JSON file.
func LoadFixtures(path string) (Fixtures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Fixtures{}, fmt.Errorf("read fixtures: %w", err)
	}
	var f Fixtures
	if err := json.Unmarshal(data, &f); err != nil {
		return Fixtures{}, fmt.Errorf("decode fixtures %s: %w", path, err)
	}
	return f, nil
}

// UnknownCourseError is returned for a course without content fixtures.
type UnknownCourseError struct {
	CourseID string
}

func (e *UnknownCourseError) Error() string {
	return fmt.Sprintf("no content hierarchy for course %s", e.CourseID)
}

// Static serves collaborator data from in-memory fixtures. It implements
// every collaborator interface and is safe for concurrent use.
type Static struct {
	mu sync.RWMutex
	f  Fixtures
}

// NewStatic creates a Static collaborator.
func NewStatic(f Fixtures) *Static {
	return &Static{f: f}
}

// Hierarchy implements modindex.ContentSource.
func (s *Static) Hierarchy(ctx context.Context, courseID string) (modindex.Hierarchy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.f.Courses[courseID]
	if !ok {
		return modindex.Hierarchy{}, &UnknownCourseError{CourseID: courseID}
	}
	h.Modules = append([]modindex.Module(nil), h.Modules...)
	return h, nil
}

// ClusterOf implements ClusterSource.
func (s *Static) ClusterOf(ctx context.Context, userID, courseID string) (int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.f.Clusters[courseID][userID]
	return c, ok, nil
}

// Mastery implements MasterySource.
func (s *Static) Mastery(ctx context.Context, userID, courseID string) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyFloats(s.f.Mastery[courseID][userID]), nil
}

// ExamWeights implements MasterySource.
func (s *Static) ExamWeights(ctx context.Context, courseID string) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyFloats(s.f.ExamWeights[courseID]), nil
}

// LinkedObjectives implements MasterySource.
func (s *Static) LinkedObjectives(ctx context.Context, courseID, moduleID string, t action.Type) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.f.Objectives[courseID][moduleID][t]...), nil
}

// CurrentModule implements ModuleResolver.
func (s *Static) CurrentModule(ctx context.Context, userID, courseID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.f.Current[courseID][userID]
	if !ok {
		return "", fmt.Errorf("no current module for user %s in course %s", userID, courseID)
	}
	return m, nil
}

// SetCluster assigns a learner to a cluster.
func (s *Static) SetCluster(courseID, userID string, cluster int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f.Clusters == nil {
		s.f.Clusters = make(map[string]map[string]int)
	}
	if s.f.Clusters[courseID] == nil {
		s.f.Clusters[courseID] = make(map[string]int)
	}
	s.f.Clusters[courseID][userID] = cluster
}

// SetMastery replaces the mastery of one objective.
func (s *Static) SetMastery(courseID, userID, objective string, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f.Mastery == nil {
		s.f.Mastery = make(map[string]map[string]map[string]float64)
	}
	if s.f.Mastery[courseID] == nil {
		s.f.Mastery[courseID] = make(map[string]map[string]float64)
	}
	if s.f.Mastery[courseID][userID] == nil {
		s.f.Mastery[courseID][userID] = make(map[string]float64)
	}
	s.f.Mastery[courseID][userID][objective] = v
}

// SetCourse installs a content hierarchy.
func (s *Static) SetCourse(h modindex.Hierarchy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f.Courses == nil {
		s.f.Courses = make(map[string]modindex.Hierarchy)
	}
	s.f.Courses[h.CourseID] = h
}

func copyFloats(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
