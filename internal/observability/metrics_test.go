package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsObserveCall(t *testing.T) {
	t.Parallel()

	m := NewMetrics(prometheus.NewRegistry())
	m.ObserveCall("buffered", "completed", http.StatusOK, 120*time.Millisecond)
	m.ObserveCall("buffered", "completed", http.StatusTooManyRequests, 40*time.Millisecond)
	m.ObserveCall("stream", "upstream_error", 0, 2*time.Second)

	tests := []struct {
		labels []string
		want   float64
	}{
		{labels: []string{"buffered", "completed", "2xx"}, want: 1},
		{labels: []string{"buffered", "completed", "4xx"}, want: 1},
		{labels: []string{"stream", "upstream_error", "none"}, want: 1},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(m.requests.WithLabelValues(tt.labels...)); got != tt.want {
			t.Fatalf("requests%v=%v, want %v", tt.labels, got, tt.want)
		}
	}
	if got := testutil.CollectAndCount(m.duration); got != 2 {
		t.Fatalf("duration series=%d, want 2 (one per mode)", got)
	}
}

func TestMetricsAppendCounters(t *testing.T) {
	t.Parallel()

	m := NewMetrics(nil)
	m.AppendSucceeded()
	m.AppendSucceeded()
	m.AppendFailed("disk_full")
	m.AppendFailed("")
	m.LineForwarded()

	if got := testutil.ToFloat64(m.appends); got != 2 {
		t.Fatalf("appends=%v, want 2", got)
	}
	if got := testutil.ToFloat64(m.appendFailures.WithLabelValues("disk_full")); got != 1 {
		t.Fatalf("append failures[disk_full]=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.appendFailures.WithLabelValues("unknown")); got != 1 {
		t.Fatalf("append failures[unknown]=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.linesForwarded); got != 1 {
		t.Fatalf("lines forwarded=%v, want 1", got)
	}
}

func TestMetricsHandlerServesExposition(t *testing.T) {
	t.Parallel()

	m := NewMetrics(prometheus.NewRegistry())
	m.ObserveCall("stream", "completed", http.StatusOK, time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`llmtrace_relay_requests_total{mode="stream",outcome="completed",status_class="2xx"} 1`,
		"llmtrace_relay_duration_seconds_bucket",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("exposition missing %q", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ObserveCall("buffered", "completed", http.StatusOK, time.Millisecond)
	m.LineForwarded()
	m.AppendSucceeded()
	m.AppendFailed("timeout")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("nil metrics handler status=%d, want 404", rec.Code)
	}
}

func TestStatusClass(t *testing.T) {
	t.Parallel()

	for status, want := range map[int]string{0: "none", 200: "2xx", 302: "3xx", 404: "4xx", 502: "5xx", 999: "none"} {
		if got := statusClass(status); got != want {
			t.Fatalf("statusClass(%d)=%q, want %q", status, got, want)
		}
	}
}
