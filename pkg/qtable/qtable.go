// Package qtable implements the tabular action-value store: epsilon-greedy
// selection, the Bellman update and ranked recommendations.
//
// Entries are created lazily and read as 0 when absent. The table is split
// into shards keyed by state so readers and writers of unrelated states do
// not contend; each read-modify-write of one entry holds its shard lock.
package qtable

import (
	"encoding/binary"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/nextstep/nextstep/pkg/action"
	"github.com/nextstep/nextstep/pkg/encoder"
	"github.com/nextstep/nextstep/pkg/errdefs"
)

// Hyperparameters of the learning rule.
type Hyperparameters struct {
	Alpha   float64 `json:"alpha" mapstructure:"alpha"`
	Gamma   float64 `json:"gamma" mapstructure:"gamma"`
	Epsilon float64 `json:"epsilon" mapstructure:"epsilon"`
}

// DefaultHyperparameters returns the stock learning rate, discount and
// exploration rate.
func DefaultHyperparameters() Hyperparameters {
	return Hyperparameters{Alpha: 0.1, Gamma: 0.9, Epsilon: 0.1}
}

// Validate checks that every parameter lies in [0,1].
func (h Hyperparameters) Validate() error {
	for _, p := range []struct {
		name string
		v    float64
	}{{"alpha", h.Alpha}, {"gamma", h.Gamma}, {"epsilon", h.Epsilon}} {
		if math.IsNaN(p.v) || p.v < 0 || p.v > 1 {
			return errdefs.Invalid(p.name, "must be within [0,1]", p.v)
		}
	}
	return nil
}

// Provenance tells a learned recommendation from a heuristic one.
type Provenance string

const (
	ProvenanceLearned  Provenance = "learned"
	ProvenanceFallback Provenance = "fallback"
)

// Recommendation is one ranked action.
type Recommendation struct {
	Rank       int           `json:"rank"`
	Action     action.Action `json:"action"`
	Value      float64       `json:"value"`
	Provenance Provenance    `json:"provenance"`
}

// Step describes one applied Bellman update.
type Step struct {
	State   encoder.DiscreteState
	Action  int
	Prev    float64
	Existed bool
	Next    float64
	TDError float64
}

// Stats summarizes the table contents and update history.
type Stats struct {
	States         int     `json:"states"`
	Entries        int     `json:"entries"`
	Updates        uint64  `json:"updates"`
	MeanAbsTDError float64 `json:"mean_abs_td_error"`
}

type row map[int]float64

type shard struct {
	mu   sync.RWMutex
	rows map[encoder.DiscreteState]row
}

// Table is one independent Q-table, typically one per course.
type Table struct {
	catalog  *action.Catalog
	hp       Hyperparameters
	fallback FallbackPolicy
	shards   []*shard

	rngMu sync.Mutex
	rng   *rand.Rand

	statsMu  sync.Mutex
	updates  uint64
	tdAbsSum float64
}

// Option configures a Table.
type Option func(*Table)

// WithRand makes exploration reproducible.
func WithRand(r *rand.Rand) Option {
	return func(t *Table) { t.rng = r }
}

// WithFallback replaces the padding policy used by Recommend.
func WithFallback(p FallbackPolicy) Option {
	return func(t *Table) { t.fallback = p }
}

// WithShards sets the number of lock shards.
func WithShards(n int) Option {
	return func(t *Table) {
		if n > 0 {
			t.shards = make([]*shard, n)
		}
	}
}

// New validates hp and returns an empty table. Invalid hyperparameters fail
// here so that Update never has to.
func New(catalog *action.Catalog, hp Hyperparameters, opts ...Option) (*Table, error) {
	if err := hp.Validate(); err != nil {
		return nil, err
	}
	if catalog == nil {
		catalog = action.Default()
	}
	t := &Table{
		catalog:  catalog,
		hp:       hp,
		fallback: PhaseFallback{},
		shards:   make([]*shard, 64),
	}
	for _, opt := range opts {
		opt(t)
	}
	for i := range t.shards {
		t.shards[i] = &shard{rows: make(map[encoder.DiscreteState]row)}
	}
	return t, nil
}

// Hyperparameters returns the learning parameters of the table.
func (t *Table) Hyperparameters() Hyperparameters { return t.hp }

// Catalog returns the action space of the table.
func (t *Table) Catalog() *action.Catalog { return t.catalog }

func (t *Table) shardFor(s encoder.DiscreteState) *shard {
	var buf [6 * 8]byte
	for i, v := range s.Tuple() {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(v))
	}
	h := fnv.New64a()
	_, _ = h.Write(buf[:])
	return t.shards[h.Sum64()%uint64(len(t.shards))]
}

// Q returns the value of (s, a), 0 when the entry was never written.
func (t *Table) Q(s encoder.DiscreteState, a int) float64 {
	sh := t.shardFor(s)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.rows[s][a]
}

// Has reports whether (s, a) has a learned entry.
func (t *Table) Has(s encoder.DiscreteState, a int) bool {
	sh := t.shardFor(s)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	_, ok := sh.rows[s][a]
	return ok
}

// row returns a copy of the learned entries of s.
func (t *Table) row(s encoder.DiscreteState) row {
	sh := t.shardFor(s)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	r := sh.rows[s]
	if len(r) == 0 {
		return nil
	}
	out := make(row, len(r))
	for a, v := range r {
		out[a] = v
	}
	return out
}

// candidates returns the valid, distinct indices of avail in ascending
// order. An empty avail means every action of the catalog.
func (t *Table) candidates(avail []int) []int {
	n := t.catalog.Len()
	if len(avail) == 0 {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	seen := make(map[int]struct{}, len(avail))
	out := make([]int, 0, len(avail))
	for _, a := range avail {
		if a < 0 || a >= n {
			continue
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sort.Ints(out)
	return out
}

func (t *Table) randFloat() float64 {
	if t.rng == nil {
		return rand.Float64()
	}
	t.rngMu.Lock()
	defer t.rngMu.Unlock()
	return t.rng.Float64()
}

func (t *Table) randIntN(n int) int {
	if t.rng == nil {
		return rand.IntN(n)
	}
	t.rngMu.Lock()
	defer t.rngMu.Unlock()
	return t.rng.IntN(n)
}

// SelectAction picks an action for s. With probability epsilon it explores
// uniformly among avail; otherwise it returns the argmax of Q over avail,
// breaking ties by the lowest action index. An empty avail means every
// action of the catalog. The second result is false only when avail holds
// no valid index.
func (t *Table) SelectAction(s encoder.DiscreteState, avail []int, epsilon float64) (int, bool) {
	cands := t.candidates(avail)
	if len(cands) == 0 {
		return 0, false
	}
	epsilon = math.Max(0, math.Min(1, epsilon))
	if epsilon > 0 && t.randFloat() < epsilon {
		return cands[t.randIntN(len(cands))], true
	}
	return t.argmax(s, cands), true
}

func (t *Table) argmax(s encoder.DiscreteState, cands []int) int {
	r := t.row(s)
	best, bestQ := cands[0], r[cands[0]]
	for _, a := range cands[1:] {
		if q := r[a]; q > bestQ {
			best, bestQ = a, q
		}
	}
	return best
}

// MaxQ returns the largest value of s over avail, 0 when avail is empty.
func (t *Table) MaxQ(s encoder.DiscreteState, avail []int) float64 {
	if len(avail) == 0 {
		return 0
	}
	cands := t.candidates(avail)
	if len(cands) == 0 {
		return 0
	}
	r := t.row(s)
	m := r[cands[0]]
	for _, a := range cands[1:] {
		m = math.Max(m, r[a])
	}
	return m
}

// Update applies the Bellman rule to (s, a):
//
//	Q(s,a) += alpha * (reward + gamma * max_{a' in availNext} Q(next,a') - Q(s,a))
//
// An empty availNext marks a terminal transition and the max term is 0.
// The read-modify-write of Q(s,a) is atomic; updates of different keys are
// not ordered with respect to each other.
func (t *Table) Update(s encoder.DiscreteState, a int, reward float64, next encoder.DiscreteState, availNext []int) (Step, error) {
	if a < 0 || a >= t.catalog.Len() {
		return Step{}, errdefs.Invalid("action", "index out of range", a)
	}
	if math.IsNaN(reward) || math.IsInf(reward, 0) {
		return Step{}, errdefs.Invalid("reward", "must be a finite number", reward)
	}
	maxNext := t.MaxQ(next, availNext)

	sh := t.shardFor(s)
	sh.mu.Lock()
	r, ok := sh.rows[s]
	if !ok {
		r = make(row)
		sh.rows[s] = r
	}
	prev, existed := r[a]
	td := reward + t.hp.Gamma*maxNext - prev
	r[a] = prev + t.hp.Alpha*td
	step := Step{State: s, Action: a, Prev: prev, Existed: existed, Next: r[a], TDError: td}
	sh.mu.Unlock()

	t.statsMu.Lock()
	t.updates++
	t.tdAbsSum += math.Abs(td)
	t.statsMu.Unlock()
	return step, nil
}

// Revert undoes step if the entry still holds the value step wrote.
// It reports whether the entry was restored.
func (t *Table) Revert(step Step) bool {
	sh := t.shardFor(step.State)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	r := sh.rows[step.State]
	cur, ok := r[step.Action]
	if !ok || cur != step.Next {
		return false
	}
	if step.Existed {
		r[step.Action] = step.Prev
		return true
	}
	delete(r, step.Action)
	if len(r) == 0 {
		delete(sh.rows, step.State)
	}
	return true
}

// Recommend ranks avail for s. Learned entries come first by descending
// value, ties broken by lowest index; when fewer than topK are learned the
// list is padded by the fallback policy. An empty avail means every action
// of the catalog and topK <= 0 means all candidates.
func (t *Table) Recommend(s encoder.DiscreteState, avail []int, topK int) []Recommendation {
	cands := t.candidates(avail)
	if topK <= 0 || topK > len(cands) {
		topK = len(cands)
	}
	r := t.row(s)

	learned := make([]int, 0, len(r))
	rest := make([]action.Action, 0, len(cands))
	for _, a := range cands {
		if _, ok := r[a]; ok {
			learned = append(learned, a)
			continue
		}
		act, _ := t.catalog.GetByIndex(a)
		rest = append(rest, act)
	}
	sort.SliceStable(learned, func(i, j int) bool { return r[learned[i]] > r[learned[j]] })

	out := make([]Recommendation, 0, topK)
	for _, a := range learned {
		if len(out) == topK {
			return out
		}
		act, _ := t.catalog.GetByIndex(a)
		out = append(out, Recommendation{Rank: len(out) + 1, Action: act, Value: r[a], Provenance: ProvenanceLearned})
	}
	for _, act := range t.fallback.Rank(s, rest) {
		if len(out) == topK {
			break
		}
		out = append(out, Recommendation{Rank: len(out) + 1, Action: act, Value: 0, Provenance: ProvenanceFallback})
	}
	return out
}

// Size returns the number of learned entries.
func (t *Table) Size() int {
	n := 0
	for _, sh := range t.shards {
		sh.mu.RLock()
		for _, r := range sh.rows {
			n += len(r)
		}
		sh.mu.RUnlock()
	}
	return n
}

// Stats returns a summary of the table.
func (t *Table) Stats() Stats {
	var st Stats
	for _, sh := range t.shards {
		sh.mu.RLock()
		st.States += len(sh.rows)
		for _, r := range sh.rows {
			st.Entries += len(r)
		}
		sh.mu.RUnlock()
	}
	t.statsMu.Lock()
	st.Updates = t.updates
	if t.updates > 0 {
		st.MeanAbsTDError = t.tdAbsSum / float64(t.updates)
	}
	t.statsMu.Unlock()
	return st
}
