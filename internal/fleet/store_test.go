package fleet

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestConfigStoreMissingFileIsEmpty(t *testing.T) {
	s := NewConfigStore(filepath.Join(t.TempDir(), "config.json"))
	cfg, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg) != 0 {
		t.Errorf("expected empty config, got %v", cfg)
	}
}

func TestConfigStoreAcceptsComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
  // weather tools
  "weather": {"url": "http://localhost:9000/mcp", "headers": {"X-Team": "ops"}},
  "search": {"url": "http://localhost:9100/mcp"}, /* trailing comma next */
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewConfigStore(path).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg) != 2 {
		t.Fatalf("expected 2 aliases, got %d", len(cfg))
	}
	if _, ok := cfg["weather"]; !ok {
		t.Error("weather alias missing")
	}
}

func TestConfigStoreMalformed(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not an object", `["a"]`},
		{"truncated", `{"a": {"url": "x"`},
		{"null spec", `{"a": null}`},
		{"empty alias", `{"": {"url": "x"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := NewConfigStore(path).Load()
			if !errors.Is(err, ErrConfig) {
				t.Errorf("expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestConfigStorePutDelete(t *testing.T) {
	s := NewConfigStore(filepath.Join(t.TempDir(), "nested", "config.json"))

	if err := s.Put("a", Spec(`{"url":"http://a"}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Put("b", Spec(`{"url":"http://b"}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	found, err := s.Delete("a")
	if err != nil || !found {
		t.Fatalf("Delete a: found=%v err=%v", found, err)
	}
	found, err = s.Delete("a")
	if err != nil || found {
		t.Fatalf("second Delete a: found=%v err=%v", found, err)
	}

	cfg, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg) != 1 {
		t.Fatalf("expected 1 alias, got %v", cfg)
	}
	if !sameSpec(cfg["b"], Spec(`{"url":"http://b"}`)) {
		t.Errorf("unexpected spec for b: %s", cfg["b"])
	}
}

func TestNewRouteTableDiscardsStaleEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server_routes.json")
	if err := os.WriteFile(path, []byte(`{"ghost": 8001}`), 0o644); err != nil {
		t.Fatal(err)
	}

	routes, err := NewRouteTable(path)
	if err != nil {
		t.Fatalf("NewRouteTable failed: %v", err)
	}
	if _, ok := routes.Lookup("ghost"); ok {
		t.Error("stale route survived")
	}
	port, err := routes.allocate("a", 8001)
	if err != nil || port != 8001 {
		t.Errorf("expected 8001, got %d (%v)", port, err)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reloads atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, zap.NewNop(), func() { reloads.Add(1) })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(path, []byte(`{"a": {"url": "http://a"}}`), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for reloads.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if reloads.Load() == 0 {
		t.Fatal("reload was not called")
	}
	time.Sleep(400 * time.Millisecond)
	if n := reloads.Load(); n != 1 {
		t.Errorf("expected burst to coalesce into 1 reload, got %d", n)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch returned error: %v", err)
	}
}
