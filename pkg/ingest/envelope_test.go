package ingest

import (
	"strings"
	"testing"
	"time"

	"github.com/nextstep/nextstep/pkg/event"
)

func rawEvent(user, course string, at time.Time) event.RawEvent {
	return event.RawEvent{
		UserID:     user,
		CourseID:   course,
		ModuleRef:  "m1",
		ActionName: "view_content",
		Timestamp:  at,
	}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	env, err := BuildEnvelope("lms", "5", []event.RawEvent{rawEvent("1", "5", at), rawEvent("2", "5", at)})
	if err != nil {
		t.Fatalf("BuildEnvelope() error = %v", err)
	}
	for i, e := range env.Events {
		if e.ID == "" {
			t.Fatalf("event %d has no id", i)
		}
	}

	body, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("EncodeEnvelope() error = %v", err)
	}
	got, err := DecodeEnvelope(body)
	if err != nil {
		t.Fatalf("DecodeEnvelope() error = %v", err)
	}
	if got.EnvelopeID != env.EnvelopeID || len(got.Events) != 2 || got.Events[1].ID != env.Events[1].ID {
		t.Fatalf("decoded envelope differs: %+v", got)
	}
	if !got.Events[0].Timestamp.Equal(at) {
		t.Fatalf("timestamp changed: %v", got.Events[0].Timestamp)
	}
}

func TestBuildEnvelope_RejectsForeignCourse(t *testing.T) {
	_, err := BuildEnvelope("lms", "5", []event.RawEvent{rawEvent("1", "6", time.Now())})
	if err == nil || !strings.Contains(err.Error(), "belongs to course") {
		t.Fatalf("expected course mismatch error, got %v", err)
	}
	if _, err := BuildEnvelope("lms", "5", nil); err == nil {
		t.Fatal("expected error for empty envelope")
	}
}

func TestDecodeEnvelope_Rejects(t *testing.T) {
	cases := map[string]string{
		"not json":      `{`,
		"wrong version": `{"envelope_id":"x","schema_version":"v9"}`,
		"missing id":    `{"schema_version":"v1"}`,
	}
	for name, body := range cases {
		if _, err := DecodeEnvelope([]byte(body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
