package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// scrubbingExporter redacts secrets from span attributes, event attributes
// and status descriptions before delegating to the wrapped exporter. It runs
// on the batch processor goroutine, off the request path.
type scrubbingExporter struct {
	next sdktrace.SpanExporter
}

func newScrubbingExporter(next sdktrace.SpanExporter) sdktrace.SpanExporter {
	return &scrubbingExporter{next: next}
}

func (e *scrubbingExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	out := make([]sdktrace.ReadOnlySpan, len(spans))
	for i, span := range spans {
		out[i] = redactSpan(span)
	}
	return e.next.ExportSpans(ctx, out)
}

func (e *scrubbingExporter) Shutdown(ctx context.Context) error {
	return e.next.Shutdown(ctx)
}

// redactSpan returns span untouched when it carries no secrets.
func redactSpan(span sdktrace.ReadOnlySpan) sdktrace.ReadOnlySpan {
	dirty := attributesContainSecret(span.Attributes()) || ContainsSecret(span.Status().Description)
	for _, event := range span.Events() {
		dirty = dirty || attributesContainSecret(event.Attributes)
	}
	if !dirty {
		return span
	}

	stub := tracetest.SpanStubFromReadOnlySpan(span)
	stub.Attributes = redactAttributes(stub.Attributes)
	for i := range stub.Events {
		stub.Events[i].Attributes = redactAttributes(stub.Events[i].Attributes)
	}
	stub.Status.Description = RedactSecrets(stub.Status.Description)
	return stub.Snapshot()
}

func attributesContainSecret(attrs []attribute.KeyValue) bool {
	for _, kv := range attrs {
		if kv.Value.Type() == attribute.STRING && ContainsSecret(kv.Value.AsString()) {
			return true
		}
	}
	return false
}

func redactAttributes(attrs []attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(attrs))
	for i, kv := range attrs {
		if kv.Value.Type() == attribute.STRING {
			kv = kv.Key.String(RedactSecrets(kv.Value.AsString()))
		}
		out[i] = kv
	}
	return out
}
