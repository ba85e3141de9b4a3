package qtable

import (
	"fmt"
	"math"
	"sort"

	"github.com/goccy/go-json"

	"github.com/nextstep/nextstep/pkg/action"
	"github.com/nextstep/nextstep/pkg/encoder"
	"github.com/nextstep/nextstep/pkg/errdefs"
)

// Export is the portable form of a table: every learned entry keyed by the
// canonical state key, plus the hyperparameters.
type Export struct {
	Hyperparameters Hyperparameters            `json:"hyperparameters"`
	Entries         map[string]map[int]float64 `json:"q_table"`
}

// Export copies the table contents.
func (t *Table) Export() Export {
	exp := Export{Hyperparameters: t.hp, Entries: make(map[string]map[int]float64)}
	for _, sh := range t.shards {
		sh.mu.RLock()
		for s, r := range sh.rows {
			if len(r) == 0 {
				continue
			}
			vals := make(map[int]float64, len(r))
			for a, v := range r {
				vals[a] = v
			}
			exp.Entries[s.Key()] = vals
		}
		sh.mu.RUnlock()
	}
	return exp
}

// FromExport builds a table from exp. Every key, index and value is checked
// before anything is loaded, so a bad export never yields a partial table.
func FromExport(catalog *action.Catalog, exp Export, opts ...Option) (*Table, error) {
	t, err := New(catalog, exp.Hyperparameters, opts...)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(exp.Entries))
	for k := range exp.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	staged := make(map[encoder.DiscreteState]row, len(keys))
	for _, k := range keys {
		s, err := encoder.ParseKey(k)
		if err != nil {
			return nil, err
		}
		r := make(row, len(exp.Entries[k]))
		for a, v := range exp.Entries[k] {
			if a < 0 || a >= t.catalog.Len() {
				return nil, errdefs.Invalid("q_table."+k, "action index out of range", a)
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, errdefs.Invalid(fmt.Sprintf("q_table.%s.%d", k, a), "must be a finite number", v)
			}
			r[a] = v
		}
		if len(r) > 0 {
			staged[s] = r
		}
	}

	for s, r := range staged {
		t.shardFor(s).rows[s] = r
	}
	return t, nil
}

// MarshalJSON encodes an empty table as an empty object rather than null.
func (e Export) MarshalJSON() ([]byte, error) {
	type plain Export
	if e.Entries == nil {
		e.Entries = map[string]map[int]float64{}
	}
	return json.Marshal(plain(e))
}

// Equal reports whether e and o hold exactly the same entries and
// hyperparameters.
func (e Export) Equal(o Export) bool {
	if e.Hyperparameters != o.Hyperparameters || len(e.Entries) != len(o.Entries) {
		return false
	}
	for k, r := range e.Entries {
		or, ok := o.Entries[k]
		if !ok || len(or) != len(r) {
			return false
		}
		for a, v := range r {
			if ov, ok := or[a]; !ok || ov != v {
				return false
			}
		}
	}
	return true
}
