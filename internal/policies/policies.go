// Package policies loads the named attack descriptions handed to the
// classifier and the per-server selection of them.
package policies

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/tidwall/jsonc"
	"go.uber.org/zap"
)

// Set holds global policies (name -> description) and the names selected
// for each server alias.
type Set struct {
	mu        sync.RWMutex
	global    map[string]string
	selection map[string][]string

	globalPath    string
	selectionPath string
	logger        *zap.Logger
}

func New(globalPath, selectionPath string, logger *zap.Logger) *Set {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Set{
		global:        map[string]string{},
		selection:     map[string][]string{},
		globalPath:    globalPath,
		selectionPath: selectionPath,
		logger:        logger,
	}
}

// Load reads both files. A missing file counts as empty; a malformed one
// is an error and leaves the previous contents in place.
func (s *Set) Load() error {
	global := map[string]string{}
	if err := readJSONC(s.globalPath, &global); err != nil {
		return fmt.Errorf("load policies: %w", err)
	}
	selection := map[string][]string{}
	if err := readJSONC(s.selectionPath, &selection); err != nil {
		return fmt.Errorf("load key policies: %w", err)
	}

	s.mu.Lock()
	s.global = global
	s.selection = selection
	s.mu.Unlock()

	s.logger.Debug("policies loaded",
		zap.Int("policies", len(global)),
		zap.Int("servers", len(selection)))
	return nil
}

// Descriptions returns the descriptions selected for alias, formatted as
// "name: description" in selection order. Unknown names are skipped.
func (s *Set) Descriptions(alias string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := s.selection[alias]
	out := make([]string, 0, len(names))
	for _, name := range names {
		desc, ok := s.global[name]
		if !ok {
			s.logger.Warn("unknown policy selected", zap.String("alias", alias), zap.String("policy", name))
			continue
		}
		out = append(out, name+": "+desc)
	}
	return out
}

// Names lists every global policy name.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.global))
	for name := range s.global {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func readJSONC(path string, v any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	data = bytes.TrimSpace(jsonc.ToJSON(data))
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
