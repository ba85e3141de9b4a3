package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nextstep/nextstep/pkg/event"
)

type flakyTransport struct {
	mu       sync.Mutex
	failures int
	calls    int
	subjects []string
	payloads [][]byte
}

func (f *flakyTransport) Publish(_ context.Context, subject string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("transport unavailable")
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *flakyTransport) Subscribe(context.Context, string, int) (Subscription, error) {
	return nil, errors.New("not supported")
}

func (f *flakyTransport) Close() error { return nil }

func fastRetry(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		BackoffFactor:  2,
	}
}

func TestPublisher_GroupsByCourseAndChunks(t *testing.T) {
	tr := &flakyTransport{}
	p, err := NewPublisher("replay", tr, fastRetry(0), 2)
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	events := []event.RawEvent{
		rawEvent("1", "6", at),
		rawEvent("1", "5", at),
		rawEvent("2", "5", at.Add(time.Minute)),
		rawEvent("3", "5", at.Add(2*time.Minute)),
	}

	sent, err := p.PublishEvents(context.Background(), events)
	if err != nil {
		t.Fatalf("PublishEvents() error = %v", err)
	}
	if len(sent) != 3 {
		t.Fatalf("expected 3 envelopes, got %d", len(sent))
	}
	if sent[0].CourseID != "5" || len(sent[0].Events) != 2 || sent[0].Events[0].UserID != "1" {
		t.Fatalf("unexpected first envelope %+v", sent[0])
	}
	if sent[1].CourseID != "5" || sent[1].Events[0].UserID != "3" {
		t.Fatalf("unexpected second envelope %+v", sent[1])
	}
	if tr.subjects[2] != CourseSubject("6") {
		t.Fatalf("unexpected subject %q", tr.subjects[2])
	}
}

func TestPublisher_RetriesThenFails(t *testing.T) {
	tr := &flakyTransport{failures: 2}
	p, err := NewPublisher("replay", tr, fastRetry(2), 0)
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}
	env, err := BuildEnvelope("replay", "5", []event.RawEvent{rawEvent("1", "5", time.Now())})
	if err != nil {
		t.Fatalf("BuildEnvelope() error = %v", err)
	}
	if err := p.Publish(context.Background(), env); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if tr.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", tr.calls)
	}

	tr = &flakyTransport{failures: 10}
	p, _ = NewPublisher("replay", tr, fastRetry(1), 0)
	if err := p.Publish(context.Background(), env); err == nil {
		t.Fatal("expected publish to fail after retries")
	}
	if tr.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", tr.calls)
	}
}

func TestNewPublisher_ValidatesConfig(t *testing.T) {
	tr := &flakyTransport{}
	if _, err := NewPublisher("", tr, DefaultRetryConfig(), 0); err == nil {
		t.Fatal("expected error for empty source")
	}
	if _, err := NewPublisher("x", nil, DefaultRetryConfig(), 0); err == nil {
		t.Fatal("expected error for nil transport")
	}
	if _, err := NewPublisher("x", tr, RetryConfig{MaxRetries: 1}, 0); err == nil {
		t.Fatal("expected error for zero backoff")
	}
	if _, err := NewPublisher("x", tr, DefaultRetryConfig(), -1); err == nil {
		t.Fatal("expected error for negative batch size")
	}
}
