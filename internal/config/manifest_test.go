package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadManifestMissingFileWritesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcp_servers.json")

	m, err := LoadManifest(path)
	require.NoError(t, err)

	def, ok := m.Get("example")
	require.True(t, ok, "default manifest should contain an example entry")
	assert.Equal(t, "echo", def.Command)

	// The file must exist on disk with the documented shape.
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b, &raw))
	_, ok = raw["mcpServers"]
	assert.True(t, ok)
}

func TestManifestUpsertPersistsImmediately(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcp_servers.json")
	m, err := LoadManifest(path)
	require.NoError(t, err)

	def := ServerDefinition{
		ID:      "filesystem",
		Command: "npx",
		Args:    []string{"-y", "@modelcontextprotocol/server-filesystem", "/tmp"},
		Env:     map[string]string{"API_KEY": "secret", "Mixed_Case": "kept"},
	}
	require.NoError(t, m.Upsert(def))

	// Reload from disk: definition and env key casing must round-trip.
	m2, err := LoadManifest(path)
	require.NoError(t, err)
	got, ok := m2.Get("filesystem")
	require.True(t, ok)
	assert.Equal(t, def.Command, got.Command)
	assert.Equal(t, def.Args, got.Args)
	assert.Equal(t, "secret", got.Env["API_KEY"])
	assert.Equal(t, "kept", got.Env["Mixed_Case"])
}

func TestManifestUpsertOverwritesSameID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.json")
	m, err := LoadManifest(path)
	require.NoError(t, err)

	require.NoError(t, m.Upsert(ServerDefinition{ID: "srv", Command: "old"}))
	require.NoError(t, m.Upsert(ServerDefinition{ID: "srv", Command: "new"}))

	got, _ := m.Get("srv")
	assert.Equal(t, "new", got.Command)
}

func TestManifestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.json")
	m, err := LoadManifest(path)
	require.NoError(t, err)

	removed, err := m.Remove("nope")
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = m.Remove("example")
	require.NoError(t, err)
	assert.True(t, removed)

	m2, err := LoadManifest(path)
	require.NoError(t, err)
	_, ok := m2.Get("example")
	assert.False(t, ok)
}

func TestManifestReplace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.json")
	m, err := LoadManifest(path)
	require.NoError(t, err)

	err = m.Replace(map[string]ServerDefinition{
		"a": {Command: "cmd-a"},
		"b": {Command: "cmd-b", Args: []string{"x"}},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, m.IDs())
	_, ok := m.Get("example")
	assert.False(t, ok, "replace drops previous entries")
}

func TestLoadManifestMalformedFallsBackToDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	m, err := LoadManifest(path)
	require.NoError(t, err, "a broken manifest is never fatal")
	_, ok := m.Get("example")
	assert.True(t, ok)

	// The broken file is left in place until the next successful mutation.
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(b))
}

func TestManifestConcurrentMutateAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.json")
	m, err := LoadManifest(path)
	require.NoError(t, err)

	// Writers (upsert, remove, replace) race against readers (get, list, all)
	// the way the HTTP layer, the supervisor, and the broadcaster tick do.
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := fmt.Sprintf("srv-%d", w)
			for i := 0; i < 50; i++ {
				require.NoError(t, m.Upsert(ServerDefinition{ID: id, Command: "echo"}))
				if i%10 == 9 {
					_, err := m.Remove(id)
					require.NoError(t, err)
				}
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		require.NoError(t, m.Replace(map[string]ServerDefinition{"fixed": {Command: "echo"}}))
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				m.Get("srv-0")
				_ = m.IDs()
				_ = m.All()
			}
		}()
	}
	wg.Wait()
}
