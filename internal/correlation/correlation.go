// Package correlation derives the id that ties a tool call's input and
// output scans to one audit record.
package correlation

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Header is the W3C trace context header.
const Header = "traceparent"

// ErrInvalidTraceparent is returned when no usable id can be derived.
var ErrInvalidTraceparent = errors.New("invalid traceparent")

// ID returns the trace-id segment of a traceparent value of the form
// version-traceid-parentid-flags.
func ID(traceparent string) (string, error) {
	if traceparent == "" {
		return "", ErrInvalidTraceparent
	}
	parts := strings.Split(traceparent, "-")
	if len(parts) < 2 || parts[1] == "" {
		return "", ErrInvalidTraceparent
	}
	return parts[1], nil
}

// FromRequest resolves the traceparent for an inbound tool call: the
// JSON-RPC params._meta value first, then the header. The header is only a
// fallback because every hop through the front door rewrites it.
func FromRequest(h http.Header, meta map[string]any) string {
	for _, key := range []string{"traceparent", "fastmcp.traceparent"} {
		if tp, ok := meta[key].(string); ok && tp != "" {
			return tp
		}
	}
	return h.Get(Header)
}

// Ensure returns a context carrying a span context for traceparent. When
// traceparent is empty a new span is started from the global tracer
// provider so that the call still gets an id. The returned func ends any
// span that was started.
func Ensure(ctx context.Context, traceparent string) (context.Context, string, func()) {
	if traceparent != "" {
		carrier := propagation.MapCarrier{Header: traceparent}
		ctx = propagation.TraceContext{}.Extract(ctx, carrier)
		return ctx, traceparent, func() {}
	}

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return ctx, Format(sc), func() {}
	}

	ctx, span := otel.Tracer("github.com/rsclarke/mcpgate/internal/correlation").Start(ctx, "tools/call")
	sc := span.SpanContext()
	if !sc.IsValid() {
		span.End()
		return ctx, "", func() {}
	}
	return ctx, Format(sc), func() { span.End() }
}

// Format renders sc as a traceparent header value.
func Format(sc trace.SpanContext) string {
	carrier := propagation.MapCarrier{}
	propagation.TraceContext{}.Inject(trace.ContextWithSpanContext(context.Background(), sc), carrier)
	return carrier[Header]
}
