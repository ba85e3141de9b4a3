package ingest

import (
	"context"
	"time"
)

// Message is a delivered transport message.
type Message struct {
	Subject   string
	Payload   []byte
	Timestamp time.Time
}

// Subscription is an open subscription of a Transport.
type Subscription interface {
	C() <-chan Message
	Close() error
}

// Transport moves encoded envelopes between producers and the consumer.
type Transport interface {
	Publish(ctx context.Context, subject string, payload []byte) error
	Subscribe(ctx context.Context, pattern string, buffer int) (Subscription, error)
	Close() error
}
