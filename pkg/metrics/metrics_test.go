package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nextstep/nextstep/pkg/collab"
	"github.com/nextstep/nextstep/pkg/ingest"
	"github.com/nextstep/nextstep/pkg/manager"
)

var (
	_ manager.MetricsRecorder = (*Manager)(nil)
	_ collab.MetricsRecorder  = (*Manager)(nil)
	_ ingest.MetricsRecorder  = (*Manager)(nil)
)

func TestNewManager(t *testing.T) {
	m := NewManager(DefaultConfig())
	if m == nil {
		t.Fatal("NewManager returned nil")
	}
	if !m.Enabled() {
		t.Error("Expected metrics to be enabled")
	}
}

func TestNewManager_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false

	m := NewManager(cfg)
	if m.Enabled() {
		t.Error("Expected metrics to be disabled")
	}
	if m.Registry() != nil {
		t.Error("Expected no registry when disabled")
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewManager(DefaultConfig())

	m.RecordEventIngested("accepted")
	m.RecordEventDropped("unknown_action")
	m.RecordUpdate("committed", 3*time.Millisecond)
	m.RecordReward(0.4)
	m.RecordRecommendation("learned")
	m.SetQTableEntries("5", 12)
	m.SetActiveContexts(3)
	m.RecordSnapshot("saved")
	m.RecordDependencyCall("clusters", "ok", time.Millisecond)
	m.RecordBreakerState("clusters", "open")
	m.RecordEnvelope("memory", "processed")
	m.RecordTransportDrop("redis", 2)
	m.RecordPublish("success")
	m.RecordPublishRetry()
	m.RecordBatch(10, time.Millisecond)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	body := w.Body.String()
	expected := []string{
		"nextstep_events_ingested_total",
		"nextstep_events_dropped_total",
		"nextstep_updates_total",
		"nextstep_update_duration_seconds",
		"nextstep_reward",
		"nextstep_recommendations_total",
		"nextstep_qtable_entries",
		"nextstep_contexts_active",
		"nextstep_snapshots_total",
		"nextstep_dependency_calls_total",
		"nextstep_dependency_duration_seconds",
		"nextstep_dependency_breaker_state",
		"nextstep_ingest_envelopes_total",
		"nextstep_ingest_transport_drops_total",
		"nextstep_ingest_publish_total",
		"nextstep_ingest_batch_events",
	}
	for _, metric := range expected {
		if !strings.Contains(body, metric) {
			t.Errorf("Expected metric %s not found in output", metric)
		}
	}
}

func TestRecordedValues(t *testing.T) {
	m := NewManager(DefaultConfig())

	m.RecordEventDropped("duplicate")
	m.RecordEventDropped("duplicate")
	m.SetQTableEntries("5", 7)
	m.SetQTableEntries("5", 9)
	m.RecordBreakerState("mastery", "half-open")
	m.RecordTransportDrop("memory", 3)

	if got := testutil.ToFloat64(m.eventsDropped.WithLabelValues("duplicate")); got != 2 {
		t.Errorf("dropped = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.qtableEntries.WithLabelValues("5")); got != 9 {
		t.Errorf("qtable entries = %v, want 9", got)
	}
	if got := testutil.ToFloat64(m.breakerState.WithLabelValues("mastery")); got != 1 {
		t.Errorf("breaker state = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.transportDrops.WithLabelValues("memory")); got != 3 {
		t.Errorf("transport drops = %v, want 3", got)
	}
}

func TestMetricsHandler_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	m := NewManager(cfg)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 when disabled, got %d", w.Code)
	}
}

func TestRouter_Healthz(t *testing.T) {
	m := NewManager(DefaultConfig())
	healthy := true
	r := NewRouter(m, "/metrics", map[string]HealthCheck{
		"store": func(context.Context) error { return nil },
		"redis": func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("connection refused")
		},
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected healthy response %d %s", w.Code, w.Body.String())
	}

	healthy = false
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), "connection refused") {
		t.Fatalf("unexpected unhealthy response %d %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/healthz", "503")); got != 1 {
		t.Errorf("healthz 503 requests = %v, want 1", got)
	}
	if !strings.Contains(w.Body.String(), `path="/healthz"`) {
		t.Error("Expected healthz requests in metrics output")
	}
}

func TestServe(t *testing.T) {
	m := NewManager(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- Serve(ctx, 19091, NewRouter(m, "", nil)) }()

	var resp *http.Response
	var err error
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://localhost:19091/healthz")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Failed to reach server: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Server error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("server did not shut down")
	}
}

func TestNoOpManager(t *testing.T) {
	m := NoOpManager()
	if m.Enabled() {
		t.Error("NoOpManager should not be enabled")
	}

	// These should not panic
	m.RecordEventIngested("accepted")
	m.RecordUpdate("committed", time.Second)
	m.RecordDependencyCall("clusters", "ok", time.Second)
	m.RecordBatch(1, time.Second)
	m.RecordHTTPRequest("GET", "/healthz", "200", time.Second)

	w := httptest.NewRecorder()
	NewRouter(m, "/metrics", nil).ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func BenchmarkRecordUpdate(b *testing.B) {
	m := NewManager(DefaultConfig())
	d := 100 * time.Microsecond
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordUpdate("committed", d)
	}
}

func BenchmarkNoOpRecording(b *testing.B) {
	m := NoOpManager()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordEventIngested("accepted")
		m.RecordUpdate("committed", time.Millisecond)
	}
}
