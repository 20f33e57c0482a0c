package telemetry

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SetListeners(3)
	m.Reconciled(errors.New("x"))
	m.Relayed("a", "stream", 0.1)
	m.ToolCall("a", "ok")
	m.Scan("input", "clean")

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != 404 {
		t.Errorf("expected 404 from nil metrics handler, got %d", w.Code)
	}
}

func TestMetricsHandlerExposesCollectors(t *testing.T) {
	m := NewMetrics()
	m.SetListeners(2)
	m.Reconciled(nil)
	m.ToolCall("weather", "blocked")

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	body := w.Body.String()

	for _, want := range []string{
		"mcpgate_fleet_listeners 2",
		`mcpgate_reconcile_total{result="ok"} 1`,
		`mcpgate_tool_calls_total{alias="weather",outcome="blocked"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestRelayDurationHelp(t *testing.T) {
	m := NewMetrics()
	m.Relayed("files", "stream", 0.5)

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		if f.GetName() != "mcpgate_relay_duration_seconds" {
			continue
		}
		if help := f.GetHelp(); strings.Contains(help, "first response byte") || !strings.Contains(help, "streamed body") {
			t.Errorf("help = %q", help)
		}
		return
	}
	t.Fatal("mcpgate_relay_duration_seconds not registered")
}

func TestInitTracingMintsTraceIDs(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{Version: "test"}, nil)
	if err != nil {
		t.Fatalf("InitTracing failed: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	_, span := otel.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	if !span.SpanContext().TraceID().IsValid() {
		t.Error("expected a valid trace id from the installed provider")
	}
}
