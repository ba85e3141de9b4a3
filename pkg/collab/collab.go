// Package collab defines the boundary to the external collaborators of the
// recommendation core: clustering, mastery estimation, course content and
// current-module resolution. It also provides static implementations and a
// resilient wrapper that bounds every fetch.
package collab

import (
	"context"

	"github.com/nextstep/nextstep/pkg/action"
	"github.com/nextstep/nextstep/pkg/modindex"
)

// ClusterSource assigns learners to clusters.
type ClusterSource interface {
	// ClusterOf returns the learner's cluster. The second result is false
	// when the learner has not been clustered yet.
	ClusterOf(ctx context.Context, userID, courseID string) (int, bool, error)
}

// MasterySource supplies learning objective mastery and exam weights.
type MasterySource interface {
	// Mastery returns the current per-objective mastery of a learner.
	Mastery(ctx context.Context, userID, courseID string) (map[string]float64, error)
	// ExamWeights returns the weight of every objective of a course.
	ExamWeights(ctx context.Context, courseID string) (map[string]float64, error)
	// LinkedObjectives returns the objectives an action type exercises in
	// a module.
	LinkedObjectives(ctx context.Context, courseID, moduleID string, t action.Type) ([]string, error)
}

// ModuleResolver places course-level events that carry no module reference.
type ModuleResolver interface {
	// CurrentModule returns the external id of the module the learner is
	// currently working in.
	CurrentModule(ctx context.Context, userID, courseID string) (string, error)
}

// Collaborators bundles every external dependency of the manager.
type Collaborators struct {
	Clusters ClusterSource
	Mastery  MasterySource
	Content  modindex.ContentSource
	Resolver ModuleResolver
}

// WithDefaults fills nil collaborators with empty implementations. A missing
// content source yields courses without modules, so every event lands in
// the overflow module.
func (c Collaborators) WithDefaults() Collaborators {
	empty := NewStatic(Fixtures{})
	if c.Clusters == nil {
		c.Clusters = empty
	}
	if c.Mastery == nil {
		c.Mastery = empty
	}
	if c.Content == nil {
		c.Content = modindex.ContentSourceFunc(func(_ context.Context, courseID string) (modindex.Hierarchy, error) {
			return modindex.Hierarchy{CourseID: courseID}, nil
		})
	}
	if c.Resolver == nil {
		c.Resolver = empty
	}
	return c
}
