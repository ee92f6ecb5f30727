package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ongoingai/llmtrace/internal/config"
	"github.com/ongoingai/llmtrace/internal/correlation"
	"github.com/ongoingai/llmtrace/internal/pathutil"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "llmtrace"
	otherRoute          = "/other"
)

// Runtime exposes OpenTelemetry HTTP wrappers and relay metric hooks.
type Runtime struct {
	enabled bool
	routes  []string

	relayRequestCounter  metric.Int64Counter
	relayDuration        metric.Float64Histogram
	appendFailureCounter metric.Int64Counter

	shutdownFns []func(context.Context) error
}

// Setup initializes OpenTelemetry providers and runtime hooks. routes lists
// the paths the server mounts; any other path is reported as /other so span
// names and metric attributes stay low-cardinality.
func Setup(ctx context.Context, cfg config.OTelConfig, serviceVersion string, routes []string, logger *slog.Logger) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	runtime := &Runtime{routes: normalizeRoutes(routes)}
	if !cfg.Enabled {
		return runtime, nil
	}

	exportTimeout := time.Duration(cfg.ExportTimeoutMS) * time.Millisecond
	metricInterval := time.Duration(cfg.MetricExportIntervalMS) * time.Millisecond
	otlpEndpoint, inferredInsecure, err := normalizeOTLPEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	insecure := cfg.Insecure
	if strings.Contains(strings.TrimSpace(cfg.Endpoint), "://") {
		// An explicit scheme wins over the insecure toggle.
		insecure = inferredInsecure
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", strings.TrimSpace(cfg.ServiceName)),
		attribute.String("service.version", strings.TrimSpace(serviceVersion)),
	)

	if cfg.TracesEnabled {
		traceExporterOptions := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(otlpEndpoint),
			otlptracehttp.WithTimeout(exportTimeout),
		}
		if insecure {
			traceExporterOptions = append(traceExporterOptions, otlptracehttp.WithInsecure())
		}
		traceExporter, err := otlptracehttp.New(ctx, traceExporterOptions...)
		if err != nil {
			return nil, fmt.Errorf("initialize otel trace exporter: %w", err)
		}

		tracerProvider := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRatio))),
			sdktrace.WithBatcher(newScrubbingExporter(traceExporter)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tracerProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, tracerProvider.Shutdown)
	}

	if cfg.MetricsEnabled {
		metricExporterOptions := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(otlpEndpoint),
			otlpmetrichttp.WithTimeout(exportTimeout),
		}
		if insecure {
			metricExporterOptions = append(metricExporterOptions, otlpmetrichttp.WithInsecure())
		}
		metricExporter, err := otlpmetrichttp.New(ctx, metricExporterOptions...)
		if err != nil {
			_ = runtime.Shutdown(context.Background())
			return nil, fmt.Errorf("initialize otel metric exporter: %w", err)
		}

		reader := sdkmetric.NewPeriodicReader(
			metricExporter,
			sdkmetric.WithInterval(metricInterval),
			sdkmetric.WithTimeout(exportTimeout),
		)
		meterProvider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		)
		otel.SetMeterProvider(meterProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, meterProvider.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.TraceContext{})
	runtime.initInstruments(otel.Meter(instrumentationName), logger)
	runtime.enabled = true

	if logger != nil {
		logger.Info(
			"opentelemetry enabled",
			"otel_endpoint", otlpEndpoint,
			"otel_traces_enabled", cfg.TracesEnabled,
			"otel_metrics_enabled", cfg.MetricsEnabled,
			"otel_sampling_ratio", cfg.SamplingRatio,
		)
	}
	return runtime, nil
}

func (r *Runtime) initInstruments(meter metric.Meter, logger *slog.Logger) {
	warn := func(name string, err error) {
		if err != nil && logger != nil {
			logger.Warn("failed to create opentelemetry instrument", "metric", name, "error", err)
		}
	}

	var err error
	r.relayRequestCounter, err = meter.Int64Counter(
		"llmtrace.relay.requests",
		metric.WithDescription("Chat-completion calls handled by the relay."),
	)
	warn("llmtrace.relay.requests", err)

	r.relayDuration, err = meter.Float64Histogram(
		"llmtrace.relay.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Wall time from request receipt to trace append."),
	)
	warn("llmtrace.relay.duration", err)

	r.appendFailureCounter, err = meter.Int64Counter(
		"llmtrace.trace.append_failures",
		metric.WithDescription("Trace appends that failed, by error class."),
	)
	warn("llmtrace.trace.append_failures", err)
}

// Enabled reports whether OpenTelemetry instrumentation is active.
func (r *Runtime) Enabled() bool {
	return r != nil && r.enabled
}

// WrapHTTPHandler wraps an inbound HTTP handler with OpenTelemetry spans.
func (r *Runtime) WrapHTTPHandler(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}
	return otelhttp.NewHandler(
		next,
		"llmtrace.request",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return r.serverSpanName(req.Method, req.URL.Path)
		}),
	)
}

// SpanEnrichmentMiddleware tags the server span with the correlation id and
// marks 5xx responses as errors.
func (r *Runtime) SpanEnrichmentMiddleware(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusCapturingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(recorder, req)

		span := oteltrace.SpanFromContext(req.Context())
		if !span.IsRecording() {
			return
		}
		if statusCode := recorder.StatusCode(); statusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, fmt.Sprintf("http %d", statusCode))
		}
		if correlationID, ok := correlation.FromContext(req.Context()); ok {
			span.SetAttributes(attribute.String("llmtrace.correlation_id", correlationID))
		}
	})
}

// WrapHTTPTransport wraps the upstream transport with client spans.
func (r *Runtime) WrapHTTPTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if !r.Enabled() {
		return base
	}
	return otelhttp.NewTransport(
		base,
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return r.clientSpanName(req.Method, req.URL.Path)
		}),
	)
}

// RecordRelayCall counts one finished relay call and its duration.
func (r *Runtime) RecordRelayCall(ctx context.Context, mode, outcome string, status int, duration time.Duration) {
	if !r.Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if r.relayRequestCounter != nil {
		r.relayRequestCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("outcome", outcome),
			attribute.Int("status_code", status),
		))
	}
	if r.relayDuration != nil {
		r.relayDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
			attribute.String("mode", mode),
		))
	}
}

// RecordAppendFailure counts a trace record the store refused.
func (r *Runtime) RecordAppendFailure(ctx context.Context, errorClass string) {
	if !r.Enabled() || r.appendFailureCounter == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	r.appendFailureCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("error_class", strings.TrimSpace(errorClass)),
	))
}

// Shutdown flushes and stops OpenTelemetry providers.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil || len(r.shutdownFns) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var errs []error
	for i := len(r.shutdownFns) - 1; i >= 0; i-- {
		if err := r.shutdownFns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func normalizeOTLPEndpoint(raw string) (string, bool, error) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return "", false, errors.New("observability.otel.endpoint must not be empty")
	}
	if !strings.Contains(endpoint, "://") {
		return endpoint, false, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse observability.otel.endpoint: %w", err)
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", false, fmt.Errorf("observability.otel.endpoint must include host (got %q)", raw)
	}

	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "http":
		return parsed.Host, true, nil
	case "https":
		return parsed.Host, false, nil
	default:
		return "", false, fmt.Errorf("observability.otel.endpoint scheme must be http or https when provided (got %q)", parsed.Scheme)
	}
}

func normalizeRoutes(routes []string) []string {
	out := make([]string, 0, len(routes))
	for _, route := range routes {
		if strings.TrimSpace(route) == "" {
			continue
		}
		out = append(out, pathutil.NormalizePath(route))
	}
	return out
}

// routePatternForPath maps path to the mounted route it hits. Upstream URLs
// may carry a base path prefix, so a suffix match also counts.
func routePatternForPath(routes []string, path string) string {
	path = pathutil.NormalizePath(path)
	for _, route := range routes {
		if path == route {
			return route
		}
	}
	for _, route := range routes {
		if route != "/" && strings.HasSuffix(path, route) {
			return route
		}
	}
	return otherRoute
}

func (r *Runtime) serverSpanName(method, path string) string {
	return normalizedMethod(method) + " " + routePatternForPath(r.routes, path)
}

func (r *Runtime) clientSpanName(method, path string) string {
	return "upstream " + normalizedMethod(method) + " " + routePatternForPath(r.routes, path)
}

func normalizedMethod(method string) string {
	method = strings.TrimSpace(method)
	if method == "" {
		return "UNKNOWN"
	}
	return method
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

// Unwrap lets http.ResponseController reach Flush on the underlying writer.
func (w *statusCapturingResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusCapturingResponseWriter) Write(p []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusCapturingResponseWriter) StatusCode() int {
	if w.statusCode == 0 {
		return http.StatusOK
	}
	return w.statusCode
}

func (w *statusCapturingResponseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
