package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestHTTPMetricsCountsByRouteAndStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHTTPMetrics(reg)
	m.ObserveRequest("POST", "/api/v1/items", 201, 5*time.Millisecond)
	m.ObserveRequest("POST", "/api/v1/items", 201, 7*time.Millisecond)
	m.ObserveRequest("POST", "/api/v1/items", 400, time.Millisecond)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got, err := fetchCounterValue(mfs, "http_requests_total", "status", "201"); err != nil || got != 2 {
		t.Fatalf("expected 2 created requests, got %f (%v)", got, err)
	}
	if got, err := fetchHistogramSum(mfs, "http_request_duration_seconds", "route", "/api/v1/items"); err != nil || got <= 0 {
		t.Fatalf("expected duration sum > 0, got %f (%v)", got, err)
	}
}

func TestNilHTTPMetricsAreNoops(t *testing.T) {
	var m *HTTPMetrics
	m.ObserveRequest("GET", "/health/live", 200, time.Millisecond)
	NewHTTPMetrics(nil).ObserveRequest("GET", "", 200, time.Millisecond)
}
