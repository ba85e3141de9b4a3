package action

type tuple struct {
	t Type
	c TimeContext
}

// Catalog enumerates the valid actions. Indices are contiguous and stable
// for the lifetime of the process. A Catalog is read-only after creation
// and safe for concurrent use.
type Catalog struct {
	actions []Action
	byTuple map[tuple]int
}

// NewCatalog builds the cross product of Types and TimeContexts, skipping
// combinations that are not allowed.
func NewCatalog() *Catalog {
	c := &Catalog{byTuple: make(map[tuple]int)}
	for _, t := range Types {
		for _, tc := range TimeContexts {
			if !isAllowed(t, tc) {
				continue
			}
			idx := len(c.actions)
			c.actions = append(c.actions, Action{Index: idx, Type: t, Context: tc})
			c.byTuple[tuple{t, tc}] = idx
		}
	}
	return c
}

func isAllowed(t Type, tc TimeContext) bool {
	for _, ok := range allowed[t] {
		if ok == tc {
			return true
		}
	}
	return false
}

var defaultCatalog = NewCatalog()

// Default returns the shared process-wide catalog.
func Default() *Catalog {
	return defaultCatalog
}

// Len returns the number of actions.
func (c *Catalog) Len() int {
	return len(c.actions)
}

// All returns a copy of every action in index order.
func (c *Catalog) All() []Action {
	out := make([]Action, len(c.actions))
	copy(out, c.actions)
	return out
}

// GetByIndex returns the action with index i.
func (c *Catalog) GetByIndex(i int) (Action, error) {
	if i < 0 || i >= len(c.actions) {
		return Action{}, &OutOfRangeError{Index: i, Size: len(c.actions)}
	}
	return c.actions[i], nil
}

// GetByTuple returns the action for the given type and time context.
func (c *Catalog) GetByTuple(t Type, tc TimeContext) (Action, error) {
	idx, ok := c.byTuple[tuple{t, tc}]
	if !ok {
		return Action{}, &NotFoundError{Type: t, Context: tc}
	}
	return c.actions[idx], nil
}

// Indices returns the indices of actions accepted by keep, in index order.
// A nil keep selects every action.
func (c *Catalog) Indices(keep func(Action) bool) []int {
	out := make([]int, 0, len(c.actions))
	for _, a := range c.actions {
		if keep == nil || keep(a) {
			out = append(out, a.Index)
		}
	}
	return out
}
