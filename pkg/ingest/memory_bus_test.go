package ingest

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBus_DeliversToMatchingSubscriptions(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	defer bus.Close()

	all, err := bus.Subscribe(ctx, AllCoursesSubject(), 4)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer all.Close()
	one, err := bus.Subscribe(ctx, CourseSubject("6"), 4)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer one.Close()

	if err := bus.Publish(ctx, CourseSubject("5"), []byte("a")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	select {
	case msg := <-all.C():
		if string(msg.Payload) != "a" || msg.Subject != CourseSubject("5") {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	select {
	case msg := <-one.C():
		t.Fatalf("course 6 subscription received %+v", msg)
	default:
	}
}

func TestMemoryBus_FullSubscriberDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	sub, err := bus.Subscribe(ctx, ">", 1)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := bus.Publish(ctx, "x", []byte{byte(i)}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	if msg := <-sub.C(); msg.Payload[0] != 0 {
		t.Fatalf("expected first message to be kept, got %v", msg.Payload)
	}

	_ = sub.Close()
	_ = sub.Close()
	if _, ok := <-sub.C(); ok {
		t.Fatal("expected closed channel after Close")
	}
	if err := bus.Publish(ctx, "x", nil); err != nil {
		t.Fatalf("Publish() after unsubscribe error = %v", err)
	}

	_ = bus.Close()
	if err := bus.Publish(ctx, "x", nil); err == nil {
		t.Fatal("expected publish on closed bus to fail")
	}
	if _, err := bus.Subscribe(ctx, ">", 1); err == nil {
		t.Fatal("expected subscribe on closed bus to fail")
	}
}
