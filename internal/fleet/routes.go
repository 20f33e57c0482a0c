package fleet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// DefaultRoutesPath is the Route Table location when none is configured.
func DefaultRoutesPath() string {
	return filepath.Join(os.TempDir(), "mcpgate", "server_routes.json")
}

// RouteTable is the persisted alias to port mapping. The Relay reads it;
// only the Controller writes it.
type RouteTable struct {
	mu     sync.RWMutex
	path   string
	routes map[string]int
}

// NewRouteTable creates an empty Route Table backed by path. Entries left
// over from a previous process are discarded since none of their listeners
// survive a restart.
func NewRouteTable(path string) (*RouteTable, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create routes dir: %w", err)
	}
	t := &RouteTable{path: path, routes: make(map[string]int)}
	if err := t.persist(); err != nil {
		return nil, err
	}
	return t, nil
}

// LoadRouteTable reads a Route Table file without taking ownership of it.
func LoadRouteTable(path string) (map[string]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	routes := make(map[string]int)
	if err := json.Unmarshal(data, &routes); err != nil {
		return nil, fmt.Errorf("%w: routes %s: %v", ErrConfig, path, err)
	}
	return routes, nil
}

// Lookup returns the port assigned to alias.
func (t *RouteTable) Lookup(alias string) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	port, ok := t.routes[alias]
	return port, ok
}

// Snapshot returns a copy of all entries.
func (t *RouteTable) Snapshot() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]int, len(t.routes))
	for alias, port := range t.routes {
		out[alias] = port
	}
	return out
}

// Aliases returns the routed aliases in sorted order.
func (t *RouteTable) Aliases() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.routes))
	for alias := range t.routes {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}

// Path returns the backing file path.
func (t *RouteTable) Path() string { return t.path }

// allocate records the lowest port >= base not already present in the
// table and returns it.
func (t *RouteTable) allocate(alias string, base int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	used := make(map[int]struct{}, len(t.routes))
	for _, p := range t.routes {
		used[p] = struct{}{}
	}
	port := base
	for ; port <= 65535; port++ {
		if _, taken := used[port]; !taken {
			break
		}
	}
	if port > 65535 {
		return 0, fmt.Errorf("no free port at or above %d", base)
	}

	t.routes[alias] = port
	if err := t.persistLocked(); err != nil {
		delete(t.routes, alias)
		return 0, err
	}
	return port, nil
}

func (t *RouteTable) remove(alias string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.routes[alias]; !ok {
		return nil
	}
	delete(t.routes, alias)
	return t.persistLocked()
}

func (t *RouteTable) persist() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.persistLocked()
}

func (t *RouteTable) persistLocked() error {
	data, err := json.MarshalIndent(t.routes, "", "  ")
	if err != nil {
		return fmt.Errorf("encode routes: %w", err)
	}
	return writeFileAtomic(t.path, data)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
