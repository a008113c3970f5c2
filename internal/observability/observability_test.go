package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/unosim/internal/config"
)

// --- Facade ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability for nil config")
	}
	if obs.Metrics == nil {
		t.Error("metrics should always be created")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Anomaly != nil {
		t.Error("anomaly should be nil when not enabled")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	// Should not panic.
	var obs *Observability
	obs.Shutdown(context.Background())
}

func TestTracerOrNil_Nil(t *testing.T) {
	var obs *Observability
	if obs.TracerOrNil() != nil {
		t.Error("TracerOrNil on nil Observability should be nil")
	}
}

// --- Metrics ---

func gatherValue(t *testing.T, m *MetricsCollector, name string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		var total float64
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				total += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				total += metric.GetGauge().GetValue()
			}
		}
		return total
	}
	return 0
}

func TestMetricsCollector_RegistersAndCounts(t *testing.T) {
	m := NewMetricsCollector()

	m.SessionsActive.Inc()
	m.SessionsTotal.WithLabelValues("exited").Inc()
	m.CompilesTotal.WithLabelValues("success").Inc()
	m.SandboxStartsTotal.WithLabelValues("docker", "ok").Inc()
	m.SerialBytesPaced.Add(42)
	m.OutputLimitKills.Inc()
	m.WSMessagesTotal.WithLabelValues("in", "sim.start").Inc()

	tests := []struct {
		name string
		want float64
	}{
		{"unosim_session_active", 1},
		{"unosim_session_runs_total", 1},
		{"unosim_compile_total", 1},
		{"unosim_sandbox_starts_total", 1},
		{"unosim_serial_bytes_paced_total", 42},
		{"unosim_sandbox_output_limit_kills_total", 1},
		{"unosim_ws_messages_total", 1},
	}
	for _, tt := range tests {
		if got := gatherValue(t, m, tt.name); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestMetricsCollector_IndependentRegistries(t *testing.T) {
	a := NewMetricsCollector()
	b := NewMetricsCollector()
	a.SessionsActive.Inc()

	if got := gatherValue(t, b, "unosim_session_active"); got != 0 {
		t.Errorf("registry b saw registry a's gauge: %v", got)
	}
}

func TestMetricsCollector_LabelCardinality(t *testing.T) {
	m := NewMetricsCollector()
	m.SessionsTotal.WithLabelValues("exited").Inc()
	m.SessionsTotal.WithLabelValues("timed_out").Inc()
	m.SessionsTotal.WithLabelValues("exited").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var family *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "unosim_session_runs_total" {
			family = f
		}
	}
	if family == nil || len(family.GetMetric()) != 2 {
		t.Fatalf("expected 2 label sets, got %+v", family)
	}
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	m := NewMetricsCollector()
	handler := HTTPMetricsMiddleware(m, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/thing", nil))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := gatherValue(t, m, "unosim_http_requests_total"); got != 1 {
		t.Errorf("unosim_http_requests_total = %v, want 1", got)
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

// --- Health ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if got := h.CheckHealth(); got.Status != "ok" {
		t.Errorf("CheckHealth = %+v", got)
	}
	if got := h.CheckReady(context.Background()); got.Status != "ok" {
		t.Errorf("CheckReady = %+v", got)
	}
}

func TestHealthChecker_DegradedOnFailure(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("toolchain", func(ctx context.Context) error { return nil })
	h.AddCheck("sandbox", func(ctx context.Context) error { return errors.New("docker daemon unreachable") })

	got := h.CheckReady(context.Background())
	if got.Status != "degraded" {
		t.Fatalf("status = %q, want degraded", got.Status)
	}
	if got.Checks["toolchain"].Status != "ok" {
		t.Errorf("toolchain check = %+v", got.Checks["toolchain"])
	}
	if got.Checks["sandbox"].Status != "fail" || got.Checks["sandbox"].Message == "" {
		t.Errorf("sandbox check = %+v", got.Checks["sandbox"])
	}
}

// --- Anomaly ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordError("compile")
	a.RecordSuccess("compile")
}

func TestAnomalyDetector_WindowPrunes(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      1,
	}, nil)

	for i := 0; i < 10; i++ {
		a.RecordError("run")
	}
	a.mu.Lock()
	if got := a.errorCounts["run"].sum(); got != 10 {
		t.Errorf("sum = %v, want 10", got)
	}
	a.mu.Unlock()

	time.Sleep(1100 * time.Millisecond)
	a.mu.Lock()
	if got := a.errorCounts["run"].sum(); got != 0 {
		t.Errorf("sum = %v after window expiry, want 0", got)
	}
	a.mu.Unlock()
}
