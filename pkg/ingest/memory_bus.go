package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memorySubscription struct {
	pattern string
	ch      chan Message
	bus     *MemoryBus
	once    sync.Once
}

func (s *memorySubscription) C() <-chan Message {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.bus.unsubscribe(s.pattern, s.ch)
		close(s.ch)
	})
	return nil
}

// MemoryBus is an in-process Transport for single-node deployments and
// tests. Publishing never blocks: a full subscriber drops the message.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Message
	closed      bool
}

// NewMemoryBus creates an in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subscribers: make(map[string][]chan Message),
	}
}

// Publish delivers payload to all matching subscriptions.
func (b *MemoryBus) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if subject == "" {
		return fmt.Errorf("ingest: subject cannot be empty")
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("ingest: bus is closed")
	}
	var targets []chan Message
	for pattern, channels := range b.subscribers {
		if subjectMatches(pattern, subject) {
			targets = append(targets, channels...)
		}
	}

	msg := Message{
		Subject:   subject,
		Payload:   append([]byte(nil), payload...),
		Timestamp: time.Now().UTC(),
	}
	dropped := 0
	for _, ch := range targets {
		select {
		case ch <- msg:
		default:
			dropped++
		}
	}
	b.mu.RUnlock()

	if dropped > 0 {
		metricsRecorder().RecordTransportDrop("memory", dropped)
	}
	return nil
}

// Subscribe subscribes by subject pattern.
func (b *MemoryBus) Subscribe(_ context.Context, pattern string, buffer int) (Subscription, error) {
	if pattern == "" {
		return nil, fmt.Errorf("ingest: subscription pattern cannot be empty")
	}
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Message, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("ingest: bus is closed")
	}
	b.subscribers[pattern] = append(b.subscribers[pattern], ch)

	return &memorySubscription{
		pattern: pattern,
		ch:      ch,
		bus:     b,
	}, nil
}

// Close stops accepting publishes. Open subscriptions are closed by their
// owners.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *MemoryBus) unsubscribe(pattern string, target chan Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	channels := b.subscribers[pattern]
	filtered := channels[:0]
	for _, ch := range channels {
		if ch != target {
			filtered = append(filtered, ch)
		}
	}
	if len(filtered) == 0 {
		delete(b.subscribers, pattern)
		return
	}
	b.subscribers[pattern] = filtered
}
