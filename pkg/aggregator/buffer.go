package aggregator

import (
	"sort"
	"sync"
	"time"

	"github.com/nextstep/nextstep/pkg/event"
)

// minRecentIDs is the smallest number of released event ids a buffer
// remembers for duplicate detection.
const minRecentIDs = 64

// buffer is the bounded, timestamp ordered event sequence of one context.
type buffer struct {
	mu      sync.Mutex
	records []event.Record
	ids     map[string]struct{}
	nextSeq uint64
	evicted uint64

	// recent holds the ids of consumed or dropped records, oldest
	// overwritten first, so that redelivered events are still rejected.
	recent    []string
	recentPos int
	recentIDs map[string]struct{}
}

func newBuffer(recentIDs int) *buffer {
	if recentIDs < minRecentIDs {
		recentIDs = minRecentIDs
	}
	return &buffer{
		ids:       make(map[string]struct{}),
		recent:    make([]string, 0, recentIDs),
		recentIDs: make(map[string]struct{}, recentIDs),
	}
}

func (b *buffer) seen(id string) bool {
	if _, ok := b.ids[id]; ok {
		return true
	}
	_, ok := b.recentIDs[id]
	return ok
}

// release moves id from the live set to the recent ring.
func (b *buffer) release(id string) {
	if id == "" {
		return
	}
	delete(b.ids, id)
	if _, ok := b.recentIDs[id]; ok {
		return
	}
	if len(b.recent) < cap(b.recent) {
		b.recent = append(b.recent, id)
	} else {
		delete(b.recentIDs, b.recent[b.recentPos])
		b.recent[b.recentPos] = id
		b.recentPos = (b.recentPos + 1) % len(b.recent)
	}
	b.recentIDs[id] = struct{}{}
}

// add inserts rec in timestamp order and applies the count and age bounds.
// Equal timestamps keep arrival order.
func (b *buffer) add(rec event.Record, maxEvents int, maxAge time.Duration) AddResult {
	if rec.ID != "" {
		if b.seen(rec.ID) {
			return AddResult{Duplicate: true, Size: len(b.records)}
		}
	}

	b.nextSeq++
	rec.Seq = b.nextSeq

	pos := sort.Search(len(b.records), func(i int) bool {
		return b.records[i].Timestamp.After(rec.Timestamp)
	})
	b.records = append(b.records, event.Record{})
	copy(b.records[pos+1:], b.records[pos:])
	b.records[pos] = rec
	if rec.ID != "" {
		b.ids[rec.ID] = struct{}{}
	}

	dropped := 0
	if maxAge > 0 {
		cutoff := b.records[len(b.records)-1].Timestamp.Add(-maxAge)
		n := 0
		for n < len(b.records) && b.records[n].Timestamp.Before(cutoff) {
			n++
		}
		dropped += b.dropFront(n)
	}
	if maxEvents > 0 && len(b.records) > maxEvents {
		dropped += b.dropFront(len(b.records) - maxEvents)
	}

	return AddResult{
		Added:   true,
		Seq:     rec.Seq,
		Size:    len(b.records),
		Evicted: dropped,
		First:   b.records[0].Timestamp,
	}
}

func (b *buffer) dropFront(n int) int {
	if n <= 0 {
		return 0
	}
	for _, r := range b.records[:n] {
		b.release(r.ID)
	}
	remaining := make([]event.Record, len(b.records)-n)
	copy(remaining, b.records[n:])
	b.records = remaining
	b.evicted += uint64(n)
	return n
}

// consume removes records with Seq <= watermark. With keep > 0 the newest
// keep consumed records (by timestamp) stay in the buffer as overlap.
func (b *buffer) consume(watermark uint64, keep int) int {
	consumed := make([]int, 0, len(b.records))
	for i, r := range b.records {
		if r.Seq <= watermark {
			consumed = append(consumed, i)
		}
	}
	if keep > 0 {
		if keep >= len(consumed) {
			return 0
		}
		consumed = consumed[:len(consumed)-keep]
	}
	if len(consumed) == 0 {
		return 0
	}

	drop := make(map[int]struct{}, len(consumed))
	for _, i := range consumed {
		drop[i] = struct{}{}
	}
	kept := make([]event.Record, 0, len(b.records)-len(consumed))
	for i, r := range b.records {
		if _, ok := drop[i]; ok {
			b.release(r.ID)
			continue
		}
		kept = append(kept, r)
	}
	b.records = kept
	return len(consumed)
}

func (b *buffer) snapshot() []event.Record {
	out := make([]event.Record, len(b.records))
	copy(out, b.records)
	return out
}
