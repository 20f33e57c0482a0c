package fleet

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/jsonc"
)

// ErrConfig marks malformed persisted state.
var ErrConfig = errors.New("config error")

// Spec is an opaque backend specification. The fleet never inspects it;
// the listener factory does.
type Spec = json.RawMessage

// ConfigStore persists the desired alias to backend spec mapping.
type ConfigStore struct {
	mu   sync.Mutex
	path string
}

// NewConfigStore returns a store backed by path.
func NewConfigStore(path string) *ConfigStore {
	return &ConfigStore{path: path}
}

// Path returns the backing file path.
func (s *ConfigStore) Path() string { return s.path }

// Load reads the desired configuration. A missing file is an empty
// configuration. Comments and trailing commas are accepted.
func (s *ConfigStore) Load() (map[string]Spec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *ConfigStore) loadLocked() (map[string]Spec, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]Spec), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := make(map[string]Spec)
	clean := bytes.TrimSpace(jsonc.ToJSON(data))
	if len(clean) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(clean, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfig, s.path, err)
	}
	for alias, spec := range cfg {
		if alias == "" {
			return nil, fmt.Errorf("%w: %s: empty alias", ErrConfig, s.path)
		}
		if len(spec) == 0 || string(spec) == "null" {
			return nil, fmt.Errorf("%w: %s: alias %q has no backend spec", ErrConfig, s.path, alias)
		}
	}
	return cfg, nil
}

// Save replaces the persisted configuration.
func (s *ConfigStore) Save(cfg map[string]Spec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(cfg)
}

func (s *ConfigStore) saveLocked(cfg map[string]Spec) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	return writeFileAtomic(s.path, data)
}

// Put inserts or replaces one alias.
func (s *ConfigStore) Put(alias string, spec Spec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.loadLocked()
	if err != nil {
		return err
	}
	cfg[alias] = spec
	return s.saveLocked(cfg)
}

// Delete removes one alias and reports whether it was present.
func (s *ConfigStore) Delete(alias string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.loadLocked()
	if err != nil {
		return false, err
	}
	if _, ok := cfg[alias]; !ok {
		return false, nil
	}
	delete(cfg, alias)
	return true, s.saveLocked(cfg)
}
