package ingest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nextstep/nextstep/pkg/event"
)

// RetryConfig controls retry/backoff behavior for publish attempts.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig returns the default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2,
	}
}

// Publisher splits raw events into per-course envelopes and publishes them.
type Publisher struct {
	transport Transport
	source    string
	retry     RetryConfig
	batchSize int
}

// NewPublisher creates a publisher. batchSize caps the events per envelope;
// zero means unlimited.
func NewPublisher(source string, transport Transport, retry RetryConfig, batchSize int) (*Publisher, error) {
	if source == "" {
		return nil, fmt.Errorf("ingest: source cannot be empty")
	}
	if transport == nil {
		return nil, fmt.Errorf("ingest: transport cannot be nil")
	}
	if retry.MaxRetries < 0 {
		return nil, fmt.Errorf("ingest: max retries cannot be negative")
	}
	if retry.InitialBackoff <= 0 || retry.MaxBackoff <= 0 || retry.BackoffFactor < 1 {
		return nil, fmt.Errorf("ingest: invalid retry config")
	}
	if batchSize < 0 {
		return nil, fmt.Errorf("ingest: batch size cannot be negative")
	}
	return &Publisher{transport: transport, source: source, retry: retry, batchSize: batchSize}, nil
}

// PublishEvents publishes events grouped by course, preserving their
// relative order within a course. It returns the published envelopes.
func (p *Publisher) PublishEvents(ctx context.Context, events []event.RawEvent) ([]Envelope, error) {
	byCourse := make(map[string][]event.RawEvent)
	for _, e := range events {
		byCourse[e.CourseID] = append(byCourse[e.CourseID], e)
	}
	courses := make([]string, 0, len(byCourse))
	for c := range byCourse {
		courses = append(courses, c)
	}
	sort.Strings(courses)

	var sent []Envelope
	for _, courseID := range courses {
		for _, chunk := range chunks(byCourse[courseID], p.batchSize) {
			env, err := BuildEnvelope(p.source, courseID, chunk)
			if err != nil {
				return sent, err
			}
			if err := p.Publish(ctx, env); err != nil {
				return sent, err
			}
			sent = append(sent, env)
		}
	}
	return sent, nil
}

// Publish sends one envelope with retry/backoff.
func (p *Publisher) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	subject := CourseSubject(env.CourseID)

	backoff := p.retry.InitialBackoff
	var publishErr error
	for attempt := 0; attempt <= p.retry.MaxRetries; attempt++ {
		publishErr = p.transport.Publish(ctx, subject, body)
		if publishErr == nil {
			metricsRecorder().RecordPublish("success")
			return nil
		}
		if attempt == p.retry.MaxRetries {
			break
		}
		metricsRecorder().RecordPublishRetry()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, p.retry.MaxBackoff, p.retry.BackoffFactor)
	}

	metricsRecorder().RecordPublish("failed")
	return fmt.Errorf("ingest: publish envelope %s: %w", env.EnvelopeID, publishErr)
}

func chunks(events []event.RawEvent, size int) [][]event.RawEvent {
	if size <= 0 || len(events) <= size {
		return [][]event.RawEvent{events}
	}
	var out [][]event.RawEvent
	for start := 0; start < len(events); start += size {
		end := min(start+size, len(events))
		out = append(out, events[start:end])
	}
	return out
}

func nextBackoff(current, max time.Duration, factor float64) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	return next
}
