package ingest

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/nextstep/nextstep/pkg/event"
)

const (
	// SchemaVersionV1 is the initial envelope schema.
	SchemaVersionV1 = "v1"
)

// Envelope carries a batch of raw events of one course over a transport.
type Envelope struct {
	EnvelopeID    string           `json:"envelope_id"`
	SchemaVersion string           `json:"schema_version"`
	Source        string           `json:"source"`
	CourseID      string           `json:"course_id"`
	SentAt        time.Time        `json:"sent_at"`
	Events        []event.RawEvent `json:"events"`
}

// BuildEnvelope wraps events of courseID. Events without an id get one so
// that redelivered envelopes are recognized downstream.
func BuildEnvelope(source, courseID string, events []event.RawEvent) (Envelope, error) {
	if source == "" {
		return Envelope{}, fmt.Errorf("ingest: source is required")
	}
	if courseID == "" {
		return Envelope{}, fmt.Errorf("ingest: course id is required")
	}
	if len(events) == 0 {
		return Envelope{}, fmt.Errorf("ingest: envelope needs at least one event")
	}
	out := make([]event.RawEvent, len(events))
	for i, e := range events {
		if e.CourseID != courseID {
			return Envelope{}, fmt.Errorf("ingest: event %d belongs to course %q, not %q", i, e.CourseID, courseID)
		}
		out[i] = e.EnsureID()
	}
	return Envelope{
		EnvelopeID:    uuid.NewString(),
		SchemaVersion: SchemaVersionV1,
		Source:        source,
		CourseID:      courseID,
		SentAt:        time.Now().UTC(),
		Events:        out,
	}, nil
}

// EncodeEnvelope serializes an envelope.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("ingest: marshal envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses and checks an envelope.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("ingest: invalid envelope json: %w", err)
	}
	if e.SchemaVersion != SchemaVersionV1 {
		return Envelope{}, fmt.Errorf("ingest: unsupported schema version %q", e.SchemaVersion)
	}
	if e.EnvelopeID == "" {
		return Envelope{}, fmt.Errorf("ingest: envelope id is required")
	}
	return e, nil
}
