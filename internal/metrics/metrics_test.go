package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.Request(OutcomeAllowed)
	m.Request(OutcomeAllowed)
	m.Request(OutcomeBlocked)
	m.LimiterDenied("ip")

	if got := testutil.ToFloat64(m.requests.WithLabelValues(OutcomeAllowed)); got != 2 {
		t.Errorf("allowed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues(OutcomeBlocked)); got != 1 {
		t.Errorf("blocked = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.limiterDenials.WithLabelValues("ip")); got != 1 {
		t.Errorf("limiter denials = %v, want 1", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	// None of these may panic.
	m.Request(OutcomeAllowed)
	m.GeoLookup("hit")
	m.LimiterDenied("ip")
	m.DetectorFlag("x")
	m.DetectorError()
	m.DetectorRun(1)
	m.BlocklistError()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("nil metrics handler returned %d, want 404", rec.Code)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.GeoLookup("miss")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `edgeguard_geo_lookups_total{result="miss"} 1`) {
		t.Errorf("expected geo lookup counter in output, got:\n%s", body)
	}
}
