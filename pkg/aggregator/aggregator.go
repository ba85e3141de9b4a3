// Package aggregator buffers raw events per learning context and summarizes
// them into feature records on demand.
//
// Each context owns one bounded buffer guarded by its own mutex. Buffers
// live in a fixed set of shards so that unrelated contexts never contend on
// a single lock.
package aggregator

import (
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/nextstep/nextstep/pkg/action"
	"github.com/nextstep/nextstep/pkg/encoder"
	"github.com/nextstep/nextstep/pkg/event"
)

// WindowPolicy decides what happens to consumed events after an update.
type WindowPolicy string

const (
	// WindowClear drops every consumed event.
	WindowClear WindowPolicy = "clear"
	// WindowSlide keeps the newest consumed events as overlap for the next
	// aggregate.
	WindowSlide WindowPolicy = "slide"
)

// Config bounds the buffers and tunes the summary statistics.
type Config struct {
	// MaxEvents caps a buffer; the oldest events are dropped first.
	MaxEvents int
	// MaxAge drops events older than the newest buffered event minus MaxAge.
	MaxAge time.Duration
	// RecencyHalfLife is the age at which an event counts half in the
	// weighted sums. Zero disables decay.
	RecencyHalfLife time.Duration
	// SessionGap separates sessions; shorter gaps count as time on task.
	SessionGap time.Duration
	// Shards is the number of lock shards.
	Shards int
}

// DefaultConfig returns the stock buffer bounds.
func DefaultConfig() Config {
	return Config{
		MaxEvents:       256,
		MaxAge:          14 * 24 * time.Hour,
		RecencyHalfLife: 24 * time.Hour,
		SessionGap:      30 * time.Minute,
		Shards:          32,
	}
}

// AddResult describes the effect of one Add call.
type AddResult struct {
	Added     bool
	Duplicate bool
	Seq       uint64
	Size      int
	Evicted   int
	First     time.Time
}

// Aggregate summarizes a context buffer at one point in time.
type Aggregate struct {
	Key        event.ContextKey
	Events     int
	Counts     map[action.Type]int
	Weighted   map[action.Type]float64
	First      time.Time
	Last       time.Time
	Span       time.Duration
	TimeOnTask time.Duration
	Sessions   int
	// Score is the recency weighted mean of reported scores.
	Score *float64
	// Progress is the most recent reported progress.
	Progress *float64
	// Watermark is the highest sequence number included. Passing it to
	// Consume removes exactly the events this aggregate covered.
	Watermark uint64
}

// Features converts the aggregate into an encoder input.
func (a Aggregate) Features(clusterID *int) encoder.FeatureRecord {
	return encoder.FeatureRecord{
		ClusterID:   clusterID,
		ModuleIndex: a.Key.ModuleIndex,
		Progress:    a.Progress,
		Score:       a.Score,
		Counts:      a.Counts,
		Weighted:    a.Weighted,
		TimeOnTask:  a.TimeOnTask,
		Span:        a.Span,
		Sessions:    a.Sessions,
	}
}

type shard struct {
	mu      sync.RWMutex
	buffers map[event.ContextKey]*buffer
}

// Aggregator owns every context buffer.
type Aggregator struct {
	cfg    Config
	shards []*shard
}

// New creates an Aggregator.
func New(cfg Config) *Aggregator {
	if cfg.Shards <= 0 {
		cfg.Shards = 32
	}
	a := &Aggregator{cfg: cfg, shards: make([]*shard, cfg.Shards)}
	for i := range a.shards {
		a.shards[i] = &shard{buffers: make(map[event.ContextKey]*buffer)}
	}
	return a
}

func (a *Aggregator) shardFor(key event.ContextKey) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.UserID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key.CourseID))
	_, _ = h.Write([]byte{0, byte(key.ModuleIndex), byte(key.ModuleIndex >> 8)})
	return a.shards[h.Sum32()%uint32(len(a.shards))]
}

func (a *Aggregator) lookup(key event.ContextKey, create bool) *buffer {
	s := a.shardFor(key)
	s.mu.RLock()
	b, ok := s.buffers[key]
	s.mu.RUnlock()
	if ok || !create {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.buffers[key]; ok {
		return b
	}
	b = newBuffer(a.cfg.MaxEvents)
	s.buffers[key] = b
	return b
}

// Add appends rec to the buffer of key, creating the buffer on first use.
// Events whose id is buffered, or was among the last MaxEvents ids consumed
// or dropped from the buffer, are ignored.
func (a *Aggregator) Add(key event.ContextKey, rec event.Record) AddResult {
	b := a.lookup(key, true)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.add(rec, a.cfg.MaxEvents, a.cfg.MaxAge)
}

// Size returns the number of buffered events of key.
func (a *Aggregator) Size(key event.ContextKey) int {
	b := a.lookup(key, false)
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Records returns a copy of the buffered events of key in timestamp order.
func (a *Aggregator) Records(key event.ContextKey) []event.Record {
	b := a.lookup(key, false)
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshot()
}

// Read summarizes the buffer of key without modifying it. The second
// result is false when the context has no buffered events.
func (a *Aggregator) Read(key event.ContextKey) (Aggregate, bool) {
	recs := a.Records(key)
	if len(recs) == 0 {
		return Aggregate{Key: key}, false
	}
	return summarize(key, recs, a.cfg), true
}

// Consume removes the events covered by an aggregate with the given
// watermark. Under WindowSlide the newest overlap events are retained.
func (a *Aggregator) Consume(key event.ContextKey, watermark uint64, policy WindowPolicy, overlap int) int {
	b := a.lookup(key, false)
	if b == nil {
		return 0
	}
	keep := 0
	if policy == WindowSlide {
		keep = overlap
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consume(watermark, keep)
}

// Drop removes the buffer of key and returns how many events it held.
func (a *Aggregator) Drop(key event.ContextKey) int {
	s := a.shardFor(key)
	s.mu.Lock()
	b, ok := s.buffers[key]
	delete(s.buffers, key)
	s.mu.Unlock()
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Contexts returns the number of contexts holding a buffer.
func (a *Aggregator) Contexts() int {
	n := 0
	for _, s := range a.shards {
		s.mu.RLock()
		n += len(s.buffers)
		s.mu.RUnlock()
	}
	return n
}

func summarize(key event.ContextKey, recs []event.Record, cfg Config) Aggregate {
	agg := Aggregate{
		Key:      key,
		Events:   len(recs),
		Counts:   make(map[action.Type]int),
		Weighted: make(map[action.Type]float64),
		First:    recs[0].Timestamp,
		Last:     recs[len(recs)-1].Timestamp,
		Sessions: 1,
	}
	agg.Span = agg.Last.Sub(agg.First)

	var scoreSum, scoreWeight float64
	var progressAt time.Time
	for i, r := range recs {
		if r.Seq > agg.Watermark {
			agg.Watermark = r.Seq
		}
		w := recencyWeight(agg.Last.Sub(r.Timestamp), cfg.RecencyHalfLife)
		agg.Counts[r.Type]++
		agg.Weighted[r.Type] += w

		if r.Score != nil {
			scoreSum += w * *r.Score
			scoreWeight += w
		}
		if r.Progress != nil && !r.Timestamp.Before(progressAt) {
			p := *r.Progress
			agg.Progress = &p
			progressAt = r.Timestamp
		}

		if i > 0 {
			gap := r.Timestamp.Sub(recs[i-1].Timestamp)
			if cfg.SessionGap > 0 && gap > cfg.SessionGap {
				agg.Sessions++
			} else {
				agg.TimeOnTask += gap
			}
		}
	}
	if scoreWeight > 0 {
		s := scoreSum / scoreWeight
		agg.Score = &s
	}
	return agg
}

func recencyWeight(age, halfLife time.Duration) float64 {
	if halfLife <= 0 || age <= 0 {
		return 1
	}
	return math.Exp2(-float64(age) / float64(halfLife))
}
