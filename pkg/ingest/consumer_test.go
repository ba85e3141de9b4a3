package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/nextstep/nextstep/pkg/event"
	"github.com/nextstep/nextstep/pkg/manager"
)

func TestConsumer_EndToEndOverMemoryBus(t *testing.T) {
	m, err := manager.New(manager.DefaultConfig())
	if err != nil {
		t.Fatalf("manager.New() error = %v", err)
	}
	bus := NewMemoryBus()
	defer bus.Close()

	consumer, err := NewConsumer(bus, NewService(m, 2), ConsumerConfig{Buffer: 16}, nil)
	if err != nil {
		t.Fatalf("NewConsumer() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	publisher, err := NewPublisher("replay", bus, DefaultRetryConfig(), 2)
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	var events []event.RawEvent
	for i := 0; i < 5; i++ {
		events = append(events, rawEvent("1", "5", at.Add(time.Duration(i)*time.Minute)).EnsureID())
	}

	// The subscription is registered asynchronously; republish until the
	// first envelope lands. Redelivered events are duplicates downstream.
	deadline := time.After(2 * time.Second)
	for {
		if _, err := publisher.PublishEvents(ctx, events); err != nil {
			t.Fatalf("PublishEvents() error = %v", err)
		}
		st, err := m.GetState(ctx, "1", "5", "m1")
		if err != nil {
			t.Fatalf("GetState() error = %v", err)
		}
		if st.Found {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the update episode")
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestConsumer_HandleDedupesAndRejects(t *testing.T) {
	rec := &recordingIngester{order: make(map[string][]time.Time)}
	consumer, err := NewConsumer(NewMemoryBus(), NewService(rec, 1), ConsumerConfig{DedupeWindow: 2}, nil)
	if err != nil {
		t.Fatalf("NewConsumer() error = %v", err)
	}
	ctx := context.Background()

	body := func() []byte {
		env, err := BuildEnvelope("lms", "5", []event.RawEvent{rawEvent("1", "5", time.Now())})
		if err != nil {
			t.Fatalf("BuildEnvelope() error = %v", err)
		}
		b, err := EncodeEnvelope(env)
		if err != nil {
			t.Fatalf("EncodeEnvelope() error = %v", err)
		}
		return b
	}
	first := body()
	if res, ok := consumer.Handle(ctx, first); !ok || res.Accepted != 1 {
		t.Fatalf("expected first delivery to be processed, got %+v %v", res, ok)
	}
	if _, ok := consumer.Handle(ctx, first); ok {
		t.Fatal("expected redelivery to be ignored")
	}
	if _, ok := consumer.Handle(ctx, []byte("garbage")); ok {
		t.Fatal("expected malformed envelope to be rejected")
	}

	// The window only remembers the last two envelopes.
	consumer.Handle(ctx, body())
	consumer.Handle(ctx, body())
	if _, ok := consumer.Handle(ctx, first); !ok {
		t.Fatal("expected an envelope outside the window to be processed again")
	}
}

func TestNewConsumer_Validates(t *testing.T) {
	if _, err := NewConsumer(nil, NewService(nil, 1), ConsumerConfig{}, nil); err == nil {
		t.Fatal("expected error for nil transport")
	}
	if _, err := NewConsumer(NewMemoryBus(), nil, ConsumerConfig{}, nil); err == nil {
		t.Fatal("expected error for nil service")
	}
}
