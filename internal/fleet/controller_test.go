package fleet

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeListener struct {
	alias    string
	port     int
	startErr error
	hang     bool

	mu       sync.Mutex
	started  bool
	shutdown bool
	closed   bool
}

func (l *fakeListener) Start(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.startErr != nil {
		return l.startErr
	}
	l.started = true
	return nil
}

func (l *fakeListener) Shutdown(ctx context.Context) error {
	if l.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.shutdown = true
	return nil
}

func (l *fakeListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

type fakeFactory struct {
	mu        sync.Mutex
	built     []*fakeListener
	failStart map[string]error
	hang      map[string]bool
}

func (f *fakeFactory) build(alias string, _ Spec, port int) (Listener, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := &fakeListener{alias: alias, port: port, startErr: f.failStart[alias], hang: f.hang[alias]}
	f.built = append(f.built, l)
	return l, nil
}

func (f *fakeFactory) last(alias string) *fakeListener {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.built) - 1; i >= 0; i-- {
		if f.built[i].alias == alias {
			return f.built[i]
		}
	}
	return nil
}

func newTestController(t *testing.T, opts ...Option) (*Controller, *RouteTable, *fakeFactory) {
	t.Helper()
	routes, err := NewRouteTable(filepath.Join(t.TempDir(), "server_routes.json"))
	if err != nil {
		t.Fatalf("NewRouteTable failed: %v", err)
	}
	f := &fakeFactory{failStart: map[string]error{}, hang: map[string]bool{}}
	return NewController(routes, f.build, opts...), routes, f
}

func specs(aliases ...string) map[string]Spec {
	out := make(map[string]Spec, len(aliases))
	for _, a := range aliases {
		out[a] = Spec(fmt.Sprintf(`{"url":"http://%s.invalid/mcp"}`, a))
	}
	return out
}

func assertRoutes(t *testing.T, routes *RouteTable, want map[string]int) {
	t.Helper()
	got := routes.Snapshot()
	if len(got) != len(want) {
		t.Fatalf("expected routes %v, got %v", want, got)
	}
	for alias, port := range want {
		if got[alias] != port {
			t.Errorf("alias %s: expected port %d, got %d", alias, port, got[alias])
		}
	}
	onDisk, err := LoadRouteTable(routes.Path())
	if err != nil {
		t.Fatalf("LoadRouteTable failed: %v", err)
	}
	if len(onDisk) != len(want) {
		t.Errorf("persisted routes %v do not match %v", onDisk, want)
	}
}

func TestReconcileAssignsPortsAndReusesLowestFree(t *testing.T) {
	c, routes, _ := newTestController(t)
	ctx := context.Background()

	if err := c.Reconcile(ctx, specs("a", "b")); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	assertRoutes(t, routes, map[string]int{"a": 8001, "b": 8002})

	if err := c.Reconcile(ctx, specs("b")); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	assertRoutes(t, routes, map[string]int{"b": 8002})

	if err := c.Reconcile(ctx, specs("b", "c")); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	assertRoutes(t, routes, map[string]int{"b": 8002, "c": 8001})
}

func TestReconcileLeavesUnchangedAliasesAlone(t *testing.T) {
	c, _, f := newTestController(t)
	ctx := context.Background()

	if err := c.Reconcile(ctx, specs("a", "b")); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	first := f.last("a")

	if err := c.Reconcile(ctx, specs("a", "b", "c")); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if f.last("a") != first {
		t.Error("alias a was restarted although it did not change")
	}
	if first.shutdown || first.closed {
		t.Error("alias a was stopped although it did not change")
	}
}

func TestReconcileRunningSetMatchesDesired(t *testing.T) {
	tests := []struct {
		name  string
		steps [][]string
	}{
		{"grow", [][]string{{"a"}, {"a", "b", "c"}}},
		{"shrink", [][]string{{"a", "b", "c"}, {"b"}}},
		{"replace all", [][]string{{"a", "b"}, {"c", "d"}}},
		{"empty", [][]string{{"a", "b"}, {}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, routes, _ := newTestController(t)
			for _, step := range tt.steps {
				if err := c.Reconcile(context.Background(), specs(step...)); err != nil {
					t.Fatalf("Reconcile failed: %v", err)
				}
				running := c.Running()
				if len(running) != len(step) {
					t.Fatalf("expected %d running, got %v", len(step), running)
				}
				seen := map[int]bool{}
				for _, inst := range running {
					if seen[inst.Port] {
						t.Errorf("port %d assigned twice", inst.Port)
					}
					seen[inst.Port] = true
					if p, ok := routes.Lookup(inst.Alias); !ok || p != inst.Port {
						t.Errorf("route for %s is %d, running on %d", inst.Alias, p, inst.Port)
					}
				}
				if len(routes.Snapshot()) != len(step) {
					t.Errorf("route table has %d entries, want %d", len(routes.Snapshot()), len(step))
				}
			}
		})
	}
}

func TestReconcilePartialFailure(t *testing.T) {
	c, routes, f := newTestController(t)
	f.failStart["bad"] = errors.New("address already in use")

	err := c.Reconcile(context.Background(), specs("good", "bad", "other"))
	var rerr *ReconcileError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected *ReconcileError, got %v", err)
	}
	if len(rerr.Failures) != 1 || rerr.Failures[0].Alias != "bad" || rerr.Failures[0].Op != "start" {
		t.Fatalf("unexpected failures: %v", rerr.Failures)
	}

	var lerr *LifecycleError
	if !errors.As(err, &lerr) {
		t.Error("expected errors.As to reach the LifecycleError")
	}

	if _, ok := routes.Lookup("bad"); ok {
		t.Error("failed alias kept its route")
	}
	if len(c.Running()) != 2 {
		t.Errorf("expected 2 running aliases, got %v", c.Running())
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	c, routes, _ := newTestController(t)
	ctx := context.Background()

	if err := c.Add(ctx, "a", specs("a")["a"]); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	removed, err := c.Remove(ctx, "a")
	if err != nil || !removed {
		t.Fatalf("first Remove: removed=%v err=%v", removed, err)
	}
	removed, err = c.Remove(ctx, "a")
	if err != nil {
		t.Fatalf("second Remove errored: %v", err)
	}
	if removed {
		t.Error("second Remove reported removal")
	}
	assertRoutes(t, routes, map[string]int{})
}

func TestAddReplacesRunningInstance(t *testing.T) {
	c, routes, f := newTestController(t)
	ctx := context.Background()

	if err := c.Add(ctx, "a", Spec(`{"url":"http://one.invalid"}`)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	old := f.last("a")

	if err := c.Add(ctx, "a", Spec(`{"url":"http://two.invalid"}`)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if !old.shutdown {
		t.Error("old listener was not shut down before replacement")
	}
	if f.last("a") == old {
		t.Error("no new listener was built")
	}
	assertRoutes(t, routes, map[string]int{"a": 8001})
}

func TestRemoveForceClosesAfterGrace(t *testing.T) {
	c, _, f := newTestController(t, WithGracePeriod(20*time.Millisecond))
	f.hang["slow"] = true
	ctx := context.Background()

	if err := c.Add(ctx, "slow", specs("slow")["slow"]); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	start := time.Now()
	removed, err := c.Remove(ctx, "slow")
	if err != nil || !removed {
		t.Fatalf("Remove: removed=%v err=%v", removed, err)
	}
	if !f.last("slow").closed {
		t.Error("listener was not force closed")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Remove blocked well past the grace period")
	}
}

func TestConcurrentAddsGetDistinctPorts(t *testing.T) {
	c, routes, _ := newTestController(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			alias := fmt.Sprintf("alias-%02d", i)
			if err := c.Add(ctx, alias, specs(alias)[alias]); err != nil {
				t.Errorf("Add %s failed: %v", alias, err)
			}
		}()
	}
	wg.Wait()

	seen := map[int]string{}
	for alias, port := range routes.Snapshot() {
		if other, dup := seen[port]; dup {
			t.Errorf("port %d assigned to %s and %s", port, alias, other)
		}
		seen[port] = alias
		if port < 8001 || port > 8016 {
			t.Errorf("port %d outside the expected dense range", port)
		}
	}
	if len(seen) != 16 {
		t.Errorf("expected 16 routes, got %d", len(seen))
	}
}

func TestOnChangeRunsOnEveryMutation(t *testing.T) {
	var calls int
	c, _, _ := newTestController(t, WithOnChange(func() { calls++ }))
	ctx := context.Background()

	_ = c.Reconcile(ctx, specs("a"))
	_ = c.Add(ctx, "b", specs("b")["b"])
	_, _ = c.Remove(ctx, "b")
	_, _ = c.Remove(ctx, "missing")

	if calls != 3 {
		t.Errorf("expected 3 change notifications, got %d", calls)
	}
}

func TestStale(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()
	_ = c.Reconcile(ctx, map[string]Spec{
		"a": Spec(`{"url": "http://a"}`),
		"b": Spec(`{"url":"http://b"}`),
	})

	stale := c.Stale(map[string]Spec{
		"a": Spec(`{"url":"http://a"}`),
		"b": Spec(`{"url":"http://b2"}`),
	})
	if len(stale) != 1 || stale[0] != "b" {
		t.Errorf("expected [b], got %v", stale)
	}
}

func TestShutdownStopsEverything(t *testing.T) {
	c, routes, f := newTestController(t)
	ctx := context.Background()
	_ = c.Reconcile(ctx, specs("a", "b"))

	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if len(c.Running()) != 0 {
		t.Error("fleet not empty after shutdown")
	}
	for _, alias := range []string{"a", "b"} {
		if !f.last(alias).shutdown {
			t.Errorf("%s not shut down", alias)
		}
	}
	assertRoutes(t, routes, map[string]int{})
}
