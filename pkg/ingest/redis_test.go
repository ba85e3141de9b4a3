package ingest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func requireRedisClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	addr := os.Getenv("NEXTSTEP_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisTransport_PublishSubscribe(t *testing.T) {
	client := requireRedisClient(t)
	prefix := "nextstep-test:" + time.Now().Format("150405.000000") + ":"
	tr := NewRedisTransport(client, prefix)
	defer tr.Close()
	ctx := context.Background()

	if !tr.Healthy(ctx) {
		t.Fatal("expected transport to be healthy")
	}
	sub, err := tr.Subscribe(ctx, "nextstep.v1.events.*", 4)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := tr.Publish(ctx, "nextstep.v1.events.5.extra", []byte("skip")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := tr.Publish(ctx, CourseSubject("5"), []byte("hello")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	select {
	case msg := <-sub.C():
		if msg.Subject != CourseSubject("5") || string(msg.Payload) != "hello" {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, ok := <-sub.C(); ok {
		t.Fatal("expected closed channel")
	}

	_ = tr.Close()
	if tr.Healthy(ctx) {
		t.Fatal("expected closed transport to be unhealthy")
	}
	if err := tr.Publish(ctx, CourseSubject("5"), nil); err == nil {
		t.Fatal("expected publish on closed transport to fail")
	}
}
