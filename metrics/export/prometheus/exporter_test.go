package prometheus

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Torutesu/tenantauth"
)

type fakeSource struct {
	snapshot tenantauth.MetricsSnapshot
	dropped  uint64
}

func (f fakeSource) MetricsSnapshot() tenantauth.MetricsSnapshot { return f.snapshot }
func (f fakeSource) AuditDropped() uint64                        { return f.dropped }

func TestRenderEmptyWhenMetricsDisabled(t *testing.T) {
	exp := NewPrometheusExporter(fakeSource{
		snapshot: tenantauth.MetricsSnapshot{
			Counters:   map[tenantauth.MetricID]uint64{},
			Histograms: map[tenantauth.MetricID][]uint64{},
		},
	})
	if got := exp.Render(); got != "" {
		t.Fatalf("expected empty output, got:\n%s", got)
	}
}

func TestRenderCountersAndHistogram(t *testing.T) {
	exp := NewPrometheusExporter(fakeSource{
		snapshot: tenantauth.MetricsSnapshot{
			Counters: map[tenantauth.MetricID]uint64{
				tenantauth.MetricLoginSuccess: 7,
			},
			Histograms: map[tenantauth.MetricID][]uint64{
				tenantauth.MetricOperationLatency: {1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
		dropped: 2,
	})

	out := exp.Render()
	for _, want := range []string{
		"tenantauth_login_success_total 7",
		"tenantauth_login_failure_total 0",
		`tenantauth_operation_latency_seconds_bucket{le="0.005"} 1`,
		`tenantauth_operation_latency_seconds_bucket{le="+Inf"} 36`,
		"tenantauth_operation_latency_seconds_count 36",
		"tenantauth_audit_dropped_total 2",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in output:\n%s", want, out)
		}
	}
}

func TestRenderSkipsDisabledHistogram(t *testing.T) {
	exp := NewPrometheusExporter(fakeSource{
		snapshot: tenantauth.MetricsSnapshot{
			Counters:   map[tenantauth.MetricID]uint64{tenantauth.MetricLoginSuccess: 1},
			Histograms: map[tenantauth.MetricID][]uint64{},
		},
	})
	if out := exp.Render(); strings.Contains(out, "latency") {
		t.Fatalf("histogram rendered without data:\n%s", out)
	}
}

func TestHandlerServesEngineMetrics(t *testing.T) {
	cfg := tenantauth.DefaultConfig()
	cfg.JWT.Secret = "exporter-secret-exporter-secret-00"
	engine, err := tenantauth.New().
		WithConfig(cfg).
		WithIdentityProvider(tenantauth.NewMemoryIdentities()).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer engine.Close()
	if err := engine.SetPassword(context.Background(), "u-1", "P@ss1234"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	NewPrometheusExporter(engine).Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "text/plain") {
		t.Fatalf("unexpected content type %q", got)
	}
	if !strings.Contains(rec.Body.String(), "tenantauth_password_set_total 1") {
		t.Fatalf("expected password_set counter:\n%s", rec.Body.String())
	}
}

func BenchmarkRender(b *testing.B) {
	exp := NewPrometheusExporter(fakeSource{
		snapshot: tenantauth.MetricsSnapshot{
			Counters: map[tenantauth.MetricID]uint64{
				tenantauth.MetricLoginSuccess:         1000,
				tenantauth.MetricLoginFailure:         40,
				tenantauth.MetricTokenRefreshed:       800,
				tenantauth.MetricTokenRejected:        10,
				tenantauth.MetricSessionCreated:       800,
				tenantauth.MetricSessionInvalidated:   20,
				tenantauth.MetricPasswordResetFailure: 3,
			},
			Histograms: map[tenantauth.MetricID][]uint64{
				tenantauth.MetricOperationLatency: {10, 20, 30, 40, 50, 60, 70, 80},
			},
		},
	})

	b.ReportAllocs()
	for b.Loop() {
		_ = exp.Render()
	}
}
