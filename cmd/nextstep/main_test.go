package main

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/nextstep/nextstep/config"
	"github.com/nextstep/nextstep/pkg/errdefs"
	"github.com/nextstep/nextstep/pkg/event"
	"github.com/nextstep/nextstep/pkg/logger"
)

func testLogger() logger.Logger {
	return logger.NewWithWriter(&logger.Config{Level: logger.ErrorLevel, Format: "json"}, &bytes.Buffer{})
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.Type = "sqlite"
	cfg.Storage.SQLite.Path = filepath.Join(t.TempDir(), "nextstep.db")
	cfg.Metrics.Port = 19191
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return cfg
}

func writeEvents(t *testing.T, events []event.RawEvent) string {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("# exported learner activity\n\n")
	for _, e := range events {
		line, err := json.Marshal(e)
		if err != nil {
			t.Fatalf("marshal event: %v", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	path := filepath.Join(t.TempDir(), "events.jsonl")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write events: %v", err)
	}
	return path
}

func sessionEvents(users ...string) []event.RawEvent {
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	var events []event.RawEvent
	for _, user := range users {
		for i := 0; i < 5; i++ {
			events = append(events, event.RawEvent{
				ID:         fmt.Sprintf("%s-%d", user, i),
				UserID:     user,
				CourseID:   "5",
				ModuleRef:  "m1",
				ActionName: "view_content",
				Timestamp:  at.Add(time.Duration(i) * time.Minute),
			})
		}
	}
	return events
}

func TestReadEvents(t *testing.T) {
	in := strings.NewReader(`
# comment
{"user_id":"1","course_id":"5","action_name":"view_content","timestamp":"2026-03-02T09:00:00Z"}

{"user_id":"2","course_id":"5","action_name":"attempt_quiz","timestamp":"2026-03-02T09:01:00Z","score":0.5}
`)
	events, err := readEvents(in)
	if err != nil {
		t.Fatalf("readEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[1].Score == nil || *events[1].Score != 0.5 {
		t.Fatalf("score not decoded: %+v", events[1])
	}

	_, err = readEvents(strings.NewReader("{\"user_id\":\"1\"}\nnot json\n"))
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("expected line 2 error, got %v", err)
	}
}

func TestApp_ReplayPersistsAndRestores(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	path := writeEvents(t, sessionEvents("1", "2"))

	a, err := newApp(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	summary, err := a.replay(ctx, path)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if summary.Events != 10 || summary.Result == nil {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.Result.Accepted != 10 || summary.Result.Updates != 2 {
		t.Fatalf("unexpected ingest result %+v", summary.Result)
	}
	before, ok := a.manager.Export("5")
	if !ok {
		t.Fatal("expected a q-table for course 5")
	}
	if err := a.close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}

	restored, err := newApp(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("newApp after restart: %v", err)
	}
	defer restored.close(ctx)

	after, ok := restored.manager.Export("5")
	if !ok {
		t.Fatal("course 5 not restored")
	}
	if len(after.Entries) != len(before.Entries) {
		t.Fatalf("restored %d states, want %d", len(after.Entries), len(before.Entries))
	}
}

func TestApp_RestoreSkipsCorruptSnapshot(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	events := sessionEvents("1", "2")
	for i := range events {
		if events[i].UserID == "2" {
			events[i].CourseID = "6"
		}
	}
	a, err := newApp(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	summary, err := a.replay(ctx, writeEvents(t, events))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if summary.Result.Updates != 2 {
		t.Fatalf("unexpected ingest result %+v", summary.Result)
	}
	if err := a.close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err := sql.Open("sqlite", cfg.Storage.SQLite.Path)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if _, err := db.Exec(`UPDATE snapshots SET payload = ? WHERE course_id = ?`, []byte("{not a snapshot"), "6"); err != nil {
		t.Fatalf("overwrite payload: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close database: %v", err)
	}

	restored, err := newApp(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("newApp with a corrupt snapshot: %v", err)
	}
	defer restored.close(ctx)

	if _, ok := restored.manager.Export("5"); !ok {
		t.Fatal("course 5 not restored")
	}
	if _, ok := restored.manager.Export("6"); ok {
		t.Fatal("course 6 restored from a corrupt snapshot")
	}
}

func TestOnlyStateCorruption(t *testing.T) {
	corrupt := &errdefs.StateCorruptionError{Scope: "course 6", Reason: "checksum mismatch"}
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"single", corrupt, true},
		{"joined", errors.Join(corrupt, fmt.Errorf("load: %w", corrupt)), true},
		{"mixed", errors.Join(corrupt, errors.New("disk I/O error")), false},
		{"store failure", fmt.Errorf("list stored courses: %w", errors.New("database is locked")), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := onlyStateCorruption(tt.err); got != tt.want {
				t.Fatalf("onlyStateCorruption(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestApp_HealthAndMetrics(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(ctx, testConfig(t), testLogger())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close(ctx)

	h := a.opsHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/healthz status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode /healthz: %v", err)
	}
	if body.Status != "ok" || body.Checks["storage"] != "ok" {
		t.Fatalf("unexpected health body %+v", body)
	}
	if _, ok := body.Checks["redis"]; ok {
		t.Fatal("redis check registered for in-process transport")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "nextstep_http_requests_total") {
		t.Fatal("metrics output missing http request counter")
	}
}

func TestApp_RunConsumesPublishedEvents(t *testing.T) {
	a, err := newApp(context.Background(), testConfig(t), testLogger())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()

	events := sessionEvents("1")
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := a.publisher.PublishEvents(ctx, events); err != nil {
			t.Fatalf("publish: %v", err)
		}
		res, err := a.manager.GetState(ctx, "1", "5", "m1")
		if err != nil {
			t.Fatalf("GetState: %v", err)
		}
		if res.Found {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("published events were not consumed")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestApp_ApplyReload(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(ctx, testConfig(t), testLogger())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close(ctx)

	next := testConfig(t)
	next.Log.Level = "debug"
	next.Learning.Epsilon = 0.3
	next.Learning.TopK = 2
	a.applyReload(next)

	if a.log.GetLevel() != logger.DebugLevel {
		t.Fatalf("log level = %v, want debug", a.log.GetLevel())
	}
	got := a.manager.Tunables()
	if got.Epsilon != 0.3 || got.TopK != 2 {
		t.Fatalf("tunables not applied: %+v", got)
	}

	bad := testConfig(t)
	bad.Learning.Epsilon = 2
	a.applyReload(bad)
	if a.manager.Tunables().Epsilon != 0.3 {
		t.Fatal("invalid tunables replaced the running ones")
	}
}

func TestBuildOverrides(t *testing.T) {
	origPort, origLevel, origStorage, origDebug := *metricsPort, *logLevel, *storageType, *debugMode
	t.Cleanup(func() {
		*metricsPort, *logLevel, *storageType, *debugMode = origPort, origLevel, origStorage, origDebug
	})

	*metricsPort = 9300
	*logLevel = "warn"
	*storageType = "badger"
	*debugMode = true

	o := buildOverrides()
	if o["metrics.port"] != 9300 || o["log.level"] != "warn" || o["storage.type"] != "badger" || o["app.debug"] != true {
		t.Fatalf("unexpected overrides %v", o)
	}
}
