package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart EventType = "start"
	EventStop  EventType = "stop"
)

// Event records one lifecycle transition of a managed MCP server.
type Event struct {
	Type       EventType `json:"type"`
	ServerID   string    `json:"server_id"`
	PID        int       `json:"pid"`
	OccurredAt time.Time `json:"occurred_at"`
	ExitErr    string    `json:"exit_err,omitempty"`
}

// Sink is a destination for lifecycle events. Implementations must be safe
// for concurrent use. Sink failures are logged by the caller, never fatal.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}
