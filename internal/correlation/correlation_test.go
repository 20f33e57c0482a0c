package correlation

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestID(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{"w3c", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", "4bf92f3577b34da6a3ce929d0e0e4736", false},
		{"two segments", "00-abc", "abc", false},
		{"missing", "", "", true},
		{"one segment", "00", "", true},
		{"empty id", "00--00f067aa0ba902b7-01", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ID(tt.header)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTraceparent) {
					t.Fatalf("expected ErrInvalidTraceparent, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ID failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestFromRequestPrefersMeta(t *testing.T) {
	h := http.Header{}
	h.Set("Traceparent", "00-aaa-bbb-01")
	meta := map[string]any{"traceparent": "00-ccc-ddd-01"}

	if got := FromRequest(h, meta); got != "00-ccc-ddd-01" {
		t.Errorf("expected meta value over header, got %q", got)
	}
	if got := FromRequest(h, nil); got != "00-aaa-bbb-01" {
		t.Errorf("expected header fallback, got %q", got)
	}
	if got := FromRequest(h, map[string]any{"traceparent": ""}); got != "00-aaa-bbb-01" {
		t.Errorf("empty meta value should fall back to header, got %q", got)
	}
	if got := FromRequest(http.Header{}, map[string]any{"fastmcp.traceparent": "00-eee-fff-01"}); got != "00-eee-fff-01" {
		t.Errorf("expected namespaced meta value, got %q", got)
	}
	if got := FromRequest(http.Header{}, nil); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}

func TestEnsureMintsWhenMissing(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	_, header, end := Ensure(context.Background(), "")
	defer end()

	id, err := ID(header)
	if err != nil {
		t.Fatalf("minted header %q is not parseable: %v", header, err)
	}
	if len(id) != 32 {
		t.Errorf("expected 32 hex trace id, got %q", id)
	}
}

func TestEnsureKeepsIncoming(t *testing.T) {
	in := "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	_, header, end := Ensure(context.Background(), in)
	defer end()
	if header != in {
		t.Errorf("expected %q, got %q", in, header)
	}
}
