package contextstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Function groups are discovery documents: {fn_name: descriptor, ...}.
// Unlike contexts they are always replaced wholesale, never merged.

// SaveGroup stores or replaces a named function group.
func (s *Store) SaveGroup(name string, functions map[string]any) error {
	if !isSafeID(name) {
		return fmt.Errorf("invalid function group name %q", name)
	}
	doc := cloneMap(functions)
	now := time.Now().UTC().Format(time.RFC3339)
	created := now
	if existing, err := s.readJSON(s.groupPath(name)); err == nil {
		if meta, ok := existing[metadataKey].(map[string]any); ok {
			if c, ok := meta["created_at"].(string); ok {
				created = c
			}
		}
	}
	doc[metadataKey] = map[string]any{
		"id":         name,
		"created_at": created,
		"updated_at": now,
	}
	return s.writeJSON(s.groupPath(name), doc)
}

// GetGroup returns the function descriptors of a group without metadata.
func (s *Store) GetGroup(name string) (map[string]any, bool) {
	if !isSafeID(name) {
		return map[string]any{}, false
	}
	doc, err := s.readJSON(s.groupPath(name))
	if err != nil {
		return map[string]any{}, false
	}
	delete(doc, metadataKey)
	return doc, true
}

// DeleteGroup removes a group. It reports false for unknown names.
func (s *Store) DeleteGroup(name string) bool {
	return isSafeID(name) && os.Remove(s.groupPath(name)) == nil
}

// ListGroups returns all group names, sorted.
func (s *Store) ListGroups() []string {
	return s.listDir(filepath.Join(s.dir, "functions"))
}
