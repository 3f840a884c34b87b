package contextstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"
)

const metadataKey = "_metadata"

// Store persists named JSON context documents and function-descriptor groups
// as one file per id under dir/contexts and dir/functions. Writes rewrite the
// whole file; the process is the single writer.
type Store struct {
	dir    string
	logger *slog.Logger
}

// New creates a Store rooted at dir, creating the subdirectories as needed.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, sub := range []string{"contexts", "functions"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o750); err != nil {
			return nil, fmt.Errorf("create context dir: %w", err)
		}
	}
	return &Store{dir: dir, logger: logger}, nil
}

// isSafeID accepts ids that can be used as file names under the store dir:
// letters, digits, '.', '_' and '-', with no ".." sequence. Ids arrive from
// the network via context operations, so anything else is rejected before it
// reaches the filesystem.
func isSafeID(id string) bool {
	if id == "" || strings.Contains(id, "..") {
		return false
	}
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func (s *Store) contextPath(id string) string {
	return filepath.Join(s.dir, "contexts", id+".json")
}

func (s *Store) groupPath(name string) string {
	return filepath.Join(s.dir, "functions", name+".json")
}

// Create stores a new context and returns its id. An empty id generates one.
func (s *Store) Create(data map[string]any, id string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	} else if !isSafeID(id) {
		return "", fmt.Errorf("invalid context id %q", id)
	}
	if data == nil {
		data = map[string]any{}
	}
	now := time.Now().UTC().Format(time.RFC3339)
	doc := cloneMap(data)
	doc[metadataKey] = map[string]any{
		"id":         id,
		"created_at": now,
		"updated_at": now,
	}
	if err := s.writeJSON(s.contextPath(id), doc); err != nil {
		return "", err
	}
	return id, nil
}

// Get returns the data of a context without its metadata. A missing context
// returns an empty map and ok=false.
func (s *Store) Get(id string) (map[string]any, bool) {
	if !isSafeID(id) {
		return map[string]any{}, false
	}
	doc, err := s.readJSON(s.contextPath(id))
	if err != nil {
		return map[string]any{}, false
	}
	delete(doc, metadataKey)
	return doc, true
}

// Save updates a context. With merge=true, data is deep-merged into the
// existing document: maps recurse, non-map leaves replace. With merge=false
// the data replaces the document wholesale. created_at is preserved either
// way; updated_at is refreshed. A missing context is created.
func (s *Store) Save(id string, data map[string]any, merge bool) error {
	if !isSafeID(id) {
		return fmt.Errorf("invalid context id %q", id)
	}
	path := s.contextPath(id)
	existing, err := s.readJSON(path)
	if err != nil {
		_, cerr := s.Create(data, id)
		return cerr
	}
	meta, _ := existing[metadataKey].(map[string]any)
	if meta == nil {
		meta = map[string]any{"id": id, "created_at": time.Now().UTC().Format(time.RFC3339)}
	}
	delete(existing, metadataKey)

	var next map[string]any
	if merge {
		next = existing
		if err := mergo.Merge(&next, cloneMap(data), mergo.WithOverride); err != nil {
			return fmt.Errorf("merge context %s: %w", id, err)
		}
	} else {
		next = cloneMap(data)
	}
	meta["updated_at"] = time.Now().UTC().Format(time.RFC3339)
	next[metadataKey] = meta
	return s.writeJSON(path, next)
}

// Delete removes a context. It reports false for unknown ids.
func (s *Store) Delete(id string) bool {
	if !isSafeID(id) {
		return false
	}
	if err := os.Remove(s.contextPath(id)); err != nil {
		return false
	}
	return true
}

// List returns all context ids, sorted.
func (s *Store) List() []string {
	return s.listDir(filepath.Join(s.dir, "contexts"))
}

func (s *Store) listDir(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) readJSON(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func (s *Store) writeJSON(path string, doc map[string]any) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		s.logger.Error("context write failed", "path", path, "error", err)
		return err
	}
	return nil
}

// cloneMap deep-copies a JSON-like tree so merges never alias caller data.
func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = cloneValue(e)
		}
		return cp
	default:
		return v
	}
}
