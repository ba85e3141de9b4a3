package modindex

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ContentSource fetches a course content hierarchy from the LMS.
type ContentSource interface {
	Hierarchy(ctx context.Context, courseID string) (Hierarchy, error)
}

// ContentSourceFunc adapts a function to ContentSource.
type ContentSourceFunc func(ctx context.Context, courseID string) (Hierarchy, error)

// Hierarchy calls f.
func (f ContentSourceFunc) Hierarchy(ctx context.Context, courseID string) (Hierarchy, error) {
	return f(ctx, courseID)
}

// Registry builds one Map per course on first use and caches it. Maps of
// different courses never share storage. Concurrent first lookups for the
// same course share a single fetch.
type Registry struct {
	source     ContentSource
	maxModules int

	mu    sync.RWMutex
	maps  map[string]*Map
	group singleflight.Group
}

// NewRegistry creates a Registry backed by source.
func NewRegistry(source ContentSource, maxModules int) *Registry {
	return &Registry{
		source:     source,
		maxModules: maxModules,
		maps:       make(map[string]*Map),
	}
}

// Get returns the map for courseID. When the hierarchy cannot be fetched it
// returns an Empty map together with the error; the empty map is not cached
// so a later call retries the fetch.
func (r *Registry) Get(ctx context.Context, courseID string) (*Map, error) {
	r.mu.RLock()
	m, ok := r.maps[courseID]
	r.mu.RUnlock()
	if ok {
		return m, nil
	}

	v, err, _ := r.group.Do(courseID, func() (any, error) {
		r.mu.RLock()
		cached, ok := r.maps[courseID]
		r.mu.RUnlock()
		if ok {
			return cached, nil
		}

		h, err := r.source.Hierarchy(ctx, courseID)
		if err != nil {
			return nil, fmt.Errorf("fetch hierarchy for course %s: %w", courseID, err)
		}
		if h.CourseID == "" {
			h.CourseID = courseID
		}
		built, err := Build(h, r.maxModules)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.maps[courseID] = built
		r.mu.Unlock()
		return built, nil
	})
	if err != nil {
		return Empty(courseID, r.maxModules), err
	}
	return v.(*Map), nil
}

// Put installs a prebuilt map, replacing any cached one.
func (r *Registry) Put(m *Map) {
	r.mu.Lock()
	r.maps[m.CourseID()] = m
	r.mu.Unlock()
}

// Invalidate drops the cached map of courseID.
func (r *Registry) Invalidate(courseID string) {
	r.mu.Lock()
	delete(r.maps, courseID)
	r.mu.Unlock()
	r.group.Forget(courseID)
}

// MaxModules returns the configured module limit.
func (r *Registry) MaxModules() int { return r.maxModules }
