package policies

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDescriptions(t *testing.T) {
	dir := t.TempDir()
	global := writeFile(t, dir, "policies.json", `{
		// shared across servers
		"exfiltration": "reading credentials or private keys",
		"injection": "instructions hidden in tool output",
	}`)
	selection := writeFile(t, dir, "key_policies.json", `{
		"files": ["injection", "missing", "exfiltration"],
		"search": []
	}`)

	s := New(global, selection, nil)
	if err := s.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	got := s.Descriptions("files")
	want := []string{
		"injection: instructions hidden in tool output",
		"exfiltration: reading credentials or private keys",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Descriptions(files) = %q, want %q", got, want)
	}
	if got := s.Descriptions("search"); len(got) != 0 {
		t.Errorf("Descriptions(search) = %q, want empty", got)
	}
	if got := s.Descriptions("unknown"); len(got) != 0 {
		t.Errorf("Descriptions(unknown) = %q, want empty", got)
	}
	if got := s.Names(); !reflect.DeepEqual(got, []string{"exfiltration", "injection"}) {
		t.Errorf("Names() = %q", got)
	}
}

func TestLoadMissingFiles(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "nope.json"), filepath.Join(dir, "nope2.json"), nil)
	if err := s.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(s.Names()) != 0 {
		t.Errorf("expected no policies")
	}
}

func TestLoadMalformedKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	global := writeFile(t, dir, "policies.json", `{"a": "first"}`)
	selection := writeFile(t, dir, "key_policies.json", `{"srv": ["a"]}`)

	s := New(global, selection, nil)
	if err := s.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	writeFile(t, dir, "policies.json", `{"a": `)
	if err := s.Load(); err == nil {
		t.Fatal("expected error for malformed policies")
	}
	if got := s.Descriptions("srv"); len(got) != 1 || got[0] != "a: first" {
		t.Errorf("Descriptions after failed reload = %q", got)
	}
}
