package intercept

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type callRecord struct {
	hookID string
	phase  string
}

type mockHook struct {
	id        string
	beforeErr error
	afterErr  error
	deny      bool
	calls     *[]callRecord
}

func (m *mockHook) ID() string { return m.id }

func (m *mockHook) BeforeCall(_ context.Context, c *Call) error {
	if m.calls != nil {
		*m.calls = append(*m.calls, callRecord{m.id, "before"})
	}
	if m.deny {
		c.Deny(Denial{Code: CodeBlocked, Message: m.id})
	}
	return m.beforeErr
}

func (m *mockHook) AfterCall(_ context.Context, c *Call) error {
	if m.calls != nil {
		*m.calls = append(*m.calls, callRecord{m.id, "after"})
	}
	return m.afterErr
}

type beforeOnly struct{ id string }

func (b *beforeOnly) ID() string                              { return b.id }
func (b *beforeOnly) BeforeCall(context.Context, *Call) error { return nil }
func (b *beforeOnly) Config() map[string]any                  { return map[string]any{"mode": "x"} }

func TestRegisterDetectsCapabilities(t *testing.T) {
	p := NewPipeline(zap.NewNop())
	p.Register(&mockHook{id: "both"})
	p.Register(&beforeOnly{id: "before"})

	if len(p.before) != 2 {
		t.Errorf("expected 2 before hooks, got %d", len(p.before))
	}
	if len(p.after) != 1 {
		t.Errorf("expected 1 after hook, got %d", len(p.after))
	}

	infos := p.ListHooks()
	if len(infos) != 2 {
		t.Fatalf("expected 2 hook infos, got %d", len(infos))
	}
	if !infos[0].Before || !infos[0].After {
		t.Errorf("unexpected info for both: %+v", infos[0])
	}
	if !infos[1].Before || infos[1].After {
		t.Errorf("unexpected info for before: %+v", infos[1])
	}
	if infos[1].Config["mode"] != "x" {
		t.Errorf("expected config to be reported, got %v", infos[1].Config)
	}
}

func TestHookOrdering(t *testing.T) {
	var calls []callRecord
	p := NewPipeline(zap.NewNop())
	p.Register(&mockHook{id: "h1", calls: &calls})
	p.Register(&mockHook{id: "h2", calls: &calls})

	c := &Call{Alias: "a", Tool: "echo"}
	p.Before(context.Background(), c)
	p.After(context.Background(), c)

	expected := []callRecord{
		{"h1", "before"},
		{"h2", "before"},
		{"h1", "after"},
		{"h2", "after"},
	}
	if len(calls) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(calls), calls)
	}
	for i, exp := range expected {
		if calls[i] != exp {
			t.Errorf("call %d: expected %v, got %v", i, exp, calls[i])
		}
	}
}

func TestDenialStopsBeforeHooks(t *testing.T) {
	var calls []callRecord
	p := NewPipeline(zap.NewNop())
	p.Register(&mockHook{id: "h1", calls: &calls, deny: true})
	p.Register(&mockHook{id: "h2", calls: &calls, deny: true})

	c := &Call{}
	p.Before(context.Background(), c)

	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d: %v", len(calls), calls)
	}
	if d := c.Denied(); d == nil || d.Message != "h1" {
		t.Errorf("expected first denial to win, got %+v", d)
	}
}

func TestHookErrorsAreLoggedButDontStopPipeline(t *testing.T) {
	var calls []callRecord
	p := NewPipeline(zap.NewNop())
	p.Register(&mockHook{id: "h1", calls: &calls, beforeErr: errors.New("before"), afterErr: errors.New("after")})
	p.Register(&mockHook{id: "h2", calls: &calls})

	c := &Call{}
	p.Before(context.Background(), c)
	p.After(context.Background(), c)

	if len(calls) != 4 {
		t.Errorf("expected 4 calls despite errors, got %d: %v", len(calls), calls)
	}
	if c.Denied() != nil {
		t.Error("hook errors must not deny the call")
	}
}

func TestHookErrorLogFields(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	p := NewPipeline(zap.New(core))
	p.Register(&mockHook{id: "h1", beforeErr: errors.New("before"), afterErr: errors.New("after")})

	c := &Call{Alias: "files", Tool: "read_file"}
	p.Before(context.Background(), c)
	p.After(context.Background(), c)

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	for _, e := range entries {
		fields := e.ContextMap()
		if fields["alias"] != "files" || fields["tool"] != "read_file" || fields["hook"] != "h1" {
			t.Errorf("%q fields = %v", e.Message, fields)
		}
	}
}

func TestAnnotate(t *testing.T) {
	c := &Call{}
	if c.Annotations() != nil {
		t.Fatal("expected no annotations")
	}
	c.Annotate("input", map[string]any{"threat": true})
	c.Annotate("output", 1)
	if len(c.Annotations()) != 2 {
		t.Errorf("expected 2 annotations, got %v", c.Annotations())
	}
}

func TestNilPipeline(t *testing.T) {
	var p *Pipeline
	c := &Call{}
	p.Before(context.Background(), c)
	p.After(context.Background(), c)
	if !p.Empty() {
		t.Error("nil pipeline should be empty")
	}
}
