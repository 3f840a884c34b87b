package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// ServerDefinition describes one MCP server child process. Identity is the
// manifest key, mirrored into ID when loaded.
type ServerDefinition struct {
	ID      string            `json:"-"`
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
}

// manifestFile is the on-disk shape: {"mcpServers": {"<id>": {...}}}.
type manifestFile struct {
	MCPServers map[string]ServerDefinition `json:"mcpServers"`
}

// Manifest is the JSON-file-backed set of server definitions. Every mutation
// rewrites the whole file. Single-writer at the process level (no cross-
// process locking), but safe for concurrent use inside the process: the
// supervisor, the HTTP layer, and the broadcaster tick all touch it from
// their own goroutines.
//
// The manifest is read and written with encoding/json rather than viper
// because env keys are case-sensitive and must round-trip byte-for-byte.
type Manifest struct {
	path string

	mu   sync.RWMutex
	defs map[string]ServerDefinition
}

// LoadManifest reads the manifest at path. Configuration trouble is never
// fatal: a missing file gets a minimal example definition written out, and
// an unparseable file falls back to the same default in memory, leaving the
// broken file on disk untouched until the next successful mutation.
func LoadManifest(path string) (*Manifest, error) {
	m := &Manifest{path: path, defs: make(map[string]ServerDefinition)}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		m.defs["example"] = exampleDefinition()
		if err := m.save(); err != nil {
			return nil, fmt.Errorf("write default manifest: %w", err)
		}
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var mf manifestFile
	if err := json.Unmarshal(b, &mf); err != nil {
		m.defs["example"] = exampleDefinition()
		return m, nil
	}
	for id, def := range mf.MCPServers {
		def.ID = id
		if def.Env == nil {
			def.Env = map[string]string{}
		}
		m.defs[id] = def
	}
	return m, nil
}

func exampleDefinition() ServerDefinition {
	return ServerDefinition{
		ID:      "example",
		Command: "echo",
		Args:    []string{"MCP server placeholder"},
		Env:     map[string]string{},
	}
}

// Path returns the backing file path.
func (m *Manifest) Path() string { return m.path }

// Get returns the definition for id, if present.
func (m *Manifest) Get(id string) (ServerDefinition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.defs[id]
	return d, ok
}

// IDs returns all defined server ids, sorted.
func (m *Manifest) IDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.defs))
	for id := range m.defs {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Upsert adds or overwrites a definition and persists immediately.
func (m *Manifest) Upsert(def ServerDefinition) error {
	if def.ID == "" {
		return fmt.Errorf("server definition requires an id")
	}
	if def.Env == nil {
		def.Env = map[string]string{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs[def.ID] = def
	return m.save()
}

// Remove deletes a definition and persists. It reports false for unknown ids.
// A running server is not stopped by removal; callers stop first.
func (m *Manifest) Remove(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.defs[id]; !ok {
		return false, nil
	}
	delete(m.defs, id)
	return true, m.save()
}

// All returns a copy of every definition keyed by id.
func (m *Manifest) All() map[string]ServerDefinition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ServerDefinition, len(m.defs))
	for id, d := range m.defs {
		out[id] = d
	}
	return out
}

// Replace swaps the entire definition set and persists.
func (m *Manifest) Replace(defs map[string]ServerDefinition) error {
	next := make(map[string]ServerDefinition, len(defs))
	for id, d := range defs {
		d.ID = id
		if d.Env == nil {
			d.Env = map[string]string{}
		}
		next[id] = d
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs = next
	return m.save()
}

func (m *Manifest) save() error {
	mf := manifestFile{MCPServers: m.defs}
	b, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}
	return os.WriteFile(m.path, b, 0o600)
}
