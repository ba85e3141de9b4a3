package collab

import (
	"context"

	"github.com/nextstep/nextstep/pkg/action"
	"github.com/nextstep/nextstep/pkg/modindex"
)

// Dependency names used for guards, logs and metrics.
const (
	DependencyClusters = "clusters"
	DependencyMastery  = "mastery"
	DependencyContent  = "content"
	DependencyResolver = "resolver"
)

// Guarded wraps every collaborator of c in its own Guard. Nil collaborators
// are first replaced by WithDefaults.
func Guarded(c Collaborators, cfg GuardConfig, logger guardLogger) Collaborators {
	c = c.WithDefaults()
	return Collaborators{
		Clusters: &guardedClusters{next: c.Clusters, g: NewGuard(DependencyClusters, cfg, logger)},
		Mastery:  &guardedMastery{next: c.Mastery, g: NewGuard(DependencyMastery, cfg, logger)},
		Content:  &guardedContent{next: c.Content, g: NewGuard(DependencyContent, cfg, logger)},
		Resolver: &guardedResolver{next: c.Resolver, g: NewGuard(DependencyResolver, cfg, logger)},
	}
}

type clusterResult struct {
	id int
	ok bool
}

type guardedClusters struct {
	next ClusterSource
	g    *Guard
}

func (c *guardedClusters) ClusterOf(ctx context.Context, userID, courseID string) (int, bool, error) {
	r, err := Do(ctx, c.g, func(ctx context.Context) (clusterResult, error) {
		id, ok, err := c.next.ClusterOf(ctx, userID, courseID)
		return clusterResult{id: id, ok: ok}, err
	})
	return r.id, r.ok, err
}

type guardedMastery struct {
	next MasterySource
	g    *Guard
}

func (m *guardedMastery) Mastery(ctx context.Context, userID, courseID string) (map[string]float64, error) {
	return Do(ctx, m.g, func(ctx context.Context) (map[string]float64, error) {
		return m.next.Mastery(ctx, userID, courseID)
	})
}

func (m *guardedMastery) ExamWeights(ctx context.Context, courseID string) (map[string]float64, error) {
	return Do(ctx, m.g, func(ctx context.Context) (map[string]float64, error) {
		return m.next.ExamWeights(ctx, courseID)
	})
}

func (m *guardedMastery) LinkedObjectives(ctx context.Context, courseID, moduleID string, t action.Type) ([]string, error) {
	return Do(ctx, m.g, func(ctx context.Context) ([]string, error) {
		return m.next.LinkedObjectives(ctx, courseID, moduleID, t)
	})
}

type guardedContent struct {
	next modindex.ContentSource
	g    *Guard
}

func (c *guardedContent) Hierarchy(ctx context.Context, courseID string) (modindex.Hierarchy, error) {
	return Do(ctx, c.g, func(ctx context.Context) (modindex.Hierarchy, error) {
		return c.next.Hierarchy(ctx, courseID)
	})
}

type guardedResolver struct {
	next ModuleResolver
	g    *Guard
}

func (r *guardedResolver) CurrentModule(ctx context.Context, userID, courseID string) (string, error) {
	return Do(ctx, r.g, func(ctx context.Context) (string, error) {
		return r.next.CurrentModule(ctx, userID, courseID)
	})
}
