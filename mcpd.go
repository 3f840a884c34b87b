// Package mcpd supervises local MCP (Model Context Protocol) server
// processes: a manifest-driven process supervisor, a typed message
// dispatcher, a JSON context store, and a WebSocket status broadcaster.
package mcpd

import (
	"log/slog"

	"github.com/mcpd-dev/mcpd/internal/broadcast"
	"github.com/mcpd-dev/mcpd/internal/config"
	"github.com/mcpd-dev/mcpd/internal/contextstore"
	"github.com/mcpd-dev/mcpd/internal/history"
	"github.com/mcpd-dev/mcpd/internal/protocol"
	"github.com/mcpd-dev/mcpd/internal/supervisor"
)

// Re-export core types for external consumers. These are aliases, so
// conversions are zero-cost.

type ServerDefinition = config.ServerDefinition

type Manifest = config.Manifest

type Supervisor = supervisor.Supervisor

type SupervisorOptions = supervisor.Options

type Result = supervisor.Result

type State = supervisor.State

type ContextStore = contextstore.Store

type Envelope = protocol.Envelope

type Dispatcher = protocol.Dispatcher

type Registry = protocol.Registry

type Broadcaster = broadcast.Broadcaster

type HistorySink = history.Sink

// LoadManifest reads (or bootstraps) the server manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	return config.LoadManifest(path)
}

// NewSupervisor constructs a process supervisor over the manifest.
func NewSupervisor(m *Manifest, opts SupervisorOptions, log *slog.Logger) *Supervisor {
	return supervisor.New(m, opts, log)
}

// NewContextStore opens a context store rooted at dir.
func NewContextStore(dir string, log *slog.Logger) (*ContextStore, error) {
	return contextstore.New(dir, log)
}

// NewRegistry creates an empty function registry.
func NewRegistry() *Registry { return protocol.NewRegistry() }

// NewDispatcher builds a dispatcher with the given sync-handler pool size.
func NewDispatcher(reg *Registry, contexts *ContextStore, workers int, log *slog.Logger) *Dispatcher {
	return protocol.NewDispatcher(reg, contexts, workers, log)
}

// RegisterStandardFunctions wires the supervisor's control operations and
// the context store's CRUD into the registry.
func RegisterStandardFunctions(reg *Registry, sup *Supervisor, contexts *ContextStore) {
	protocol.RegisterSupervisor(reg, sup)
	protocol.RegisterContextStore(reg, contexts)
}
