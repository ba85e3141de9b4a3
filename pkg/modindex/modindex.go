// Package modindex maps external module and lesson ids of a course onto the
// small bounded integer range used in learner states.
package modindex

import (
	"fmt"

	"github.com/nextstep/nextstep/pkg/errdefs"
)

// Module is one module of a course content hierarchy with its lessons.
type Module struct {
	ID      string   `json:"id"`
	Lessons []string `json:"lessons,omitempty"`
}

// Hierarchy is the ordered content tree of one course.
type Hierarchy struct {
	CourseID string   `json:"course_id"`
	Modules  []Module `json:"modules"`
}

// Map is the immutable module index of one course. Module ids are stored
// once in an arena slice; lessons resolve to the index of their parent
// module. Ids past maxModules and unknown ids resolve to the overflow index,
// which equals maxModules, so indices always lie in [0, maxModules].
type Map struct {
	courseID   string
	maxModules int
	modules    []string
	index      map[string]int
	overflowed int
}

// Build creates the index for h. Module order in h decides the indices.
func Build(h Hierarchy, maxModules int) (*Map, error) {
	if maxModules < 1 {
		return nil, errdefs.Invalid("max_modules", "must be >= 1", maxModules)
	}

	m := &Map{
		courseID:   h.CourseID,
		maxModules: maxModules,
		index:      make(map[string]int),
	}
	for _, mod := range h.Modules {
		if mod.ID == "" {
			continue
		}
		if _, dup := m.index[mod.ID]; dup {
			continue
		}

		idx := len(m.modules)
		if idx >= maxModules {
			idx = maxModules
			m.overflowed++
		} else {
			m.modules = append(m.modules, mod.ID)
		}
		m.index[mod.ID] = idx
		for _, lesson := range mod.Lessons {
			if _, exists := m.index[lesson]; !exists && lesson != "" {
				m.index[lesson] = idx
			}
		}
	}
	return m, nil
}

// Empty returns a map with no known modules. Every lookup resolves to the
// overflow index. It stands in for a course whose hierarchy could not be
// fetched.
func Empty(courseID string, maxModules int) *Map {
	if maxModules < 1 {
		maxModules = 1
	}
	return &Map{courseID: courseID, maxModules: maxModules, index: map[string]int{}}
}

// CourseID returns the course the map was built for.
func (m *Map) CourseID() string { return m.courseID }

// OverflowIndex is the index shared by modules past the limit and by
// unknown ids.
func (m *Map) OverflowIndex() int { return m.maxModules }

// Size returns the number of distinct index values, overflow included.
func (m *Map) Size() int { return m.maxModules + 1 }

// Known returns the number of modules that received their own index.
func (m *Map) Known() int { return len(m.modules) }

// Overflowed returns the number of modules that collapsed into the overflow
// index because the course exceeds the configured limit.
func (m *Map) Overflowed() int { return m.overflowed }

// LastIndex returns the index of the last known module, or -1 when no
// module is known.
func (m *Map) LastIndex() int { return len(m.modules) - 1 }

// Index resolves a module or lesson id. It never fails: unknown ids return
// the overflow index with ok set to false so the caller can log a warning.
func (m *Map) Index(ref string) (idx int, ok bool) {
	if idx, ok := m.index[ref]; ok {
		return idx, true
	}
	return m.maxModules, false
}

// Lookup is like Index but reports an unknown id as an
// *errdefs.UnknownReferenceError alongside the fallback index.
func (m *Map) Lookup(ref string) (int, error) {
	idx, ok := m.Index(ref)
	if !ok {
		return idx, &errdefs.UnknownReferenceError{
			Kind:     "module",
			ID:       ref,
			Fallback: fmt.Sprintf("overflow index %d", idx),
		}
	}
	return idx, nil
}

// ModuleID returns the external id of the module at idx.
func (m *Map) ModuleID(idx int) (string, bool) {
	if idx < 0 || idx >= len(m.modules) {
		return "", false
	}
	return m.modules[idx], true
}

// IsFirst reports whether idx is the first known module.
func (m *Map) IsFirst(idx int) bool {
	return idx == 0 && len(m.modules) > 0
}

// IsLast reports whether idx is the last known module.
func (m *Map) IsLast(idx int) bool {
	return len(m.modules) > 0 && idx == len(m.modules)-1
}
