package manager

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextstep/nextstep/pkg/encoder"
	"github.com/nextstep/nextstep/pkg/event"
)

// Status is the lifecycle state of one learning context.
type Status int32

const (
	// StatusEmpty means no event has been seen.
	StatusEmpty Status = iota
	// StatusBuffering means events are accumulating for the next transition.
	StatusBuffering
	// StatusUpdating means an update episode is running.
	StatusUpdating
)

func (s Status) String() string {
	switch s {
	case StatusEmpty:
		return "EMPTY"
	case StatusBuffering:
		return "BUFFERING"
	case StatusUpdating:
		return "UPDATING"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the status name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// pointer is the last committed (state, action) of a context.
type pointer struct {
	State       encoder.DiscreteState
	Action      int
	TriggeredAt time.Time
	Progress    float64
	Mastery     map[string]float64
}

// learningContext is the per-context state machine. mu serializes trigger
// checks and episodes; status is readable without it.
type learningContext struct {
	mu     sync.Mutex
	status atomic.Int32

	pointer *pointer
	// watermark is the highest buffer sequence consumed by an episode.
	watermark uint64
	lastSeen  atomic.Int64
}

func (c *learningContext) Status() Status { return Status(c.status.Load()) }

func (c *learningContext) setStatus(s Status) { c.status.Store(int32(s)) }

func (c *learningContext) touch(now time.Time) { c.lastSeen.Store(now.UnixNano()) }

func (c *learningContext) idleSince() time.Time { return time.Unix(0, c.lastSeen.Load()) }

type contextShard struct {
	mu       sync.RWMutex
	contexts map[event.ContextKey]*learningContext
}

// contextTable is a sharded map of learning contexts.
type contextTable struct {
	shards []*contextShard
}

func newContextTable(n int) *contextTable {
	if n <= 0 {
		n = 32
	}
	t := &contextTable{shards: make([]*contextShard, n)}
	for i := range t.shards {
		t.shards[i] = &contextShard{contexts: make(map[event.ContextKey]*learningContext)}
	}
	return t
}

func (t *contextTable) shardFor(key event.ContextKey) *contextShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.String()))
	return t.shards[h.Sum32()%uint32(len(t.shards))]
}

func (t *contextTable) get(key event.ContextKey) *learningContext {
	s := t.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contexts[key]
}

func (t *contextTable) getOrCreate(key event.ContextKey) *learningContext {
	if c := t.get(key); c != nil {
		return c
	}
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.contexts[key]; ok {
		return c
	}
	c := &learningContext{}
	s.contexts[key] = c
	return c
}

// removeIf deletes key when it still maps to c and cond reports true.
// cond runs under the shard lock, so a concurrent getOrCreate or contains
// for key waits until it returns.
func (t *contextTable) removeIf(key event.ContextKey, c *learningContext, cond func() bool) bool {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contexts[key] != c || !cond() {
		return false
	}
	delete(s.contexts, key)
	return true
}

// contains reports whether key still maps to c.
func (t *contextTable) contains(key event.ContextKey, c *learningContext) bool {
	return t.get(key) == c
}

// each calls fn for every context present when the shard was visited.
// fn runs without the shard lock held.
func (t *contextTable) each(fn func(event.ContextKey, *learningContext)) {
	for _, s := range t.shards {
		s.mu.RLock()
		entries := make(map[event.ContextKey]*learningContext, len(s.contexts))
		for k, c := range s.contexts {
			entries[k] = c
		}
		s.mu.RUnlock()
		for k, c := range entries {
			fn(k, c)
		}
	}
}

func (t *contextTable) len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.RLock()
		n += len(s.contexts)
		s.mu.RUnlock()
	}
	return n
}
