package contextstore

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// snapshot is the export document shape.
type snapshot struct {
	Contexts   map[string]map[string]any `json:"contexts"`
	Functions  map[string]map[string]any `json:"functions"`
	ExportedAt string                    `json:"exported_at"`
}

// ExportAll serializes every context and function group (metadata included)
// into a single JSON file at path.
func (s *Store) ExportAll(path string) error {
	snap := snapshot{
		Contexts:   make(map[string]map[string]any),
		Functions:  make(map[string]map[string]any),
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
	}
	for _, id := range s.List() {
		doc, err := s.readJSON(s.contextPath(id))
		if err != nil {
			s.logger.Warn("skipping unreadable context on export", "id", id, "error", err)
			continue
		}
		snap.Contexts[id] = doc
	}
	for _, name := range s.ListGroups() {
		doc, err := s.readJSON(s.groupPath(name))
		if err != nil {
			s.logger.Warn("skipping unreadable function group on export", "name", name, "error", err)
			continue
		}
		snap.Functions[name] = doc
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

// ImportAll re-populates the store from an export file. Existing ids are
// skipped unless overwrite is true.
func (s *Store) ImportAll(path string, overwrite bool) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read export %s: %w", path, err)
	}
	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return fmt.Errorf("parse export %s: %w", path, err)
	}
	for id, doc := range snap.Contexts {
		if !isSafeID(id) {
			s.logger.Warn("skipping context with unsafe id on import", "id", id)
			continue
		}
		if _, exists := s.Get(id); exists && !overwrite {
			continue
		}
		if err := s.writeJSON(s.contextPath(id), doc); err != nil {
			return err
		}
	}
	for name, doc := range snap.Functions {
		if !isSafeID(name) {
			s.logger.Warn("skipping function group with unsafe name on import", "name", name)
			continue
		}
		if _, exists := s.GetGroup(name); exists && !overwrite {
			continue
		}
		if err := s.writeJSON(s.groupPath(name), doc); err != nil {
			return err
		}
	}
	return nil
}
