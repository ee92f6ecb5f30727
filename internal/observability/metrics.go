package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "llmtrace"

// relayDurationBuckets cover fast error replies up to long streamed
// completions.
var relayDurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// Metrics holds the Prometheus collectors served on the scrape endpoint.
// A nil *Metrics is valid and records nothing.
//
// Metrics:
//   - llmtrace_relay_requests_total{mode,outcome,status_class}
//   - llmtrace_relay_duration_seconds{mode}
//   - llmtrace_stream_lines_forwarded_total
//   - llmtrace_trace_appends_total
//   - llmtrace_trace_append_failures_total{error_class}
type Metrics struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	linesForwarded prometheus.Counter
	appends        prometheus.Counter
	appendFailures *prometheus.CounterVec
}

// NewMetrics registers the relay collectors, plus Go runtime and process
// collectors, on registry. A nil registry gets a fresh one.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "relay",
				Name:      "requests_total",
				Help:      "Chat-completion calls handled by the relay.",
			},
			[]string{"mode", "outcome", "status_class"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "relay",
				Name:      "duration_seconds",
				Help:      "Wall time from request receipt to trace append.",
				Buckets:   relayDurationBuckets,
			},
			[]string{"mode"},
		),
		linesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "lines_forwarded_total",
			Help:      "Upstream stream lines relayed to callers.",
		}),
		appends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "trace",
			Name:      "appends_total",
			Help:      "Trace records appended to the store.",
		}),
		appendFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "trace",
				Name:      "append_failures_total",
				Help:      "Trace appends that failed, by error class.",
			},
			[]string{"error_class"},
		),
	}

	registry.MustRegister(
		m.requests,
		m.duration,
		m.linesForwarded,
		m.appends,
		m.appendFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// ObserveCall records one finished relay call.
func (m *Metrics) ObserveCall(mode, outcome string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(mode, outcome, statusClass(status)).Inc()
	m.duration.WithLabelValues(mode).Observe(duration.Seconds())
}

func (m *Metrics) LineForwarded() {
	if m == nil {
		return
	}
	m.linesForwarded.Inc()
}

// AppendSucceeded counts a durable trace append.
func (m *Metrics) AppendSucceeded() {
	if m == nil {
		return
	}
	m.appends.Inc()
}

// AppendFailed counts a failed trace append under its error class.
func (m *Metrics) AppendFailed(errorClass string) {
	if m == nil {
		return
	}
	if errorClass == "" {
		errorClass = "unknown"
	}
	m.appendFailures.WithLabelValues(errorClass).Inc()
}

// statusClass folds status codes into 2xx..5xx to bound label cardinality.
func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "none"
	}
	return strconv.Itoa(status/100) + "xx"
}
