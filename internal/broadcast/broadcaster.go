package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mcpd-dev/mcpd/internal/metrics"
	"github.com/mcpd-dev/mcpd/internal/supervisor"
)

// StatusPayload is the snapshot pushed to every subscriber on each tick.
type StatusPayload struct {
	Type      string             `json:"type"`
	Servers   []supervisor.State `json:"servers"`
	Timestamp string             `json:"timestamp"`
}

// Command is an inbound control request from a listener.
type Command struct {
	Action string `json:"action"` // start, stop, restart, refresh
	ID     string `json:"id"`
}

// Ack is the direct acknowledgement sent back to the issuing listener.
type Ack struct {
	Type    string `json:"type"`
	Action  string `json:"action"`
	ID      string `json:"id,omitempty"`
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// subscriber wraps a connection with a write lock so the tick loop and the
// command reader never interleave frames.
type subscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *subscriber) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(v)
}

// Broadcaster pushes process-status snapshots to all subscribed listeners on
// a fixed interval and executes inbound control commands. A failed send
// prunes only that listener; the loop and the other listeners are unaffected.
type Broadcaster struct {
	sup      *supervisor.Supervisor
	interval time.Duration
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// New builds a Broadcaster. interval defaults to 5s when non-positive.
func New(sup *supervisor.Supervisor, interval time.Duration, log *slog.Logger) *Broadcaster {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{
		sup:      sup,
		interval: interval,
		logger:   log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: make(map[*subscriber]struct{}),
	}
}

// Run drives the tick loop until ctx is canceled, then closes every
// subscriber connection.
func (b *Broadcaster) Run(ctx context.Context) {
	t := time.NewTicker(b.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			return
		case <-t.C:
			b.BroadcastNow()
		}
	}
}

// BroadcastNow pushes the current supervisor snapshot to every subscriber.
func (b *Broadcaster) BroadcastNow() {
	payload := StatusPayload{
		Type:      "status",
		Servers:   b.sup.List(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	for _, sub := range b.subscribers() {
		if err := sub.writeJSON(payload); err != nil {
			b.logger.Debug("dropping status listener", "error", err)
			b.remove(sub)
		}
	}
	metrics.IncBroadcastTick()
}

// ServeHTTP upgrades the request to a WebSocket, subscribes it, and reads
// inbound commands until the connection goes away.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	sub := &subscriber{conn: conn}
	b.add(sub)
	b.logger.Info("status listener connected", "remote", r.RemoteAddr)

	// Send an initial snapshot so new listeners don't wait a full tick.
	if err := sub.writeJSON(StatusPayload{
		Type:      "status",
		Servers:   b.sup.List(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		b.remove(sub)
		_ = conn.Close()
		return
	}

	// The request context dies when ServeHTTP returns, which is immediately;
	// command execution must not inherit it.
	go b.readCommands(sub)
}

func (b *Broadcaster) readCommands(sub *subscriber) {
	defer func() {
		b.remove(sub)
		_ = sub.conn.Close()
		b.logger.Info("status listener disconnected", "remote", sub.conn.RemoteAddr())
	}()
	for {
		_, raw, err := sub.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		var cmd Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			_ = sub.writeJSON(Ack{Type: "ack", OK: false, Message: "malformed command: " + err.Error()})
			continue
		}
		ack := b.execute(context.Background(), cmd)
		if err := sub.writeJSON(ack); err != nil {
			return
		}
		// All listeners see the post-command state immediately.
		b.BroadcastNow()
	}
}

func (b *Broadcaster) execute(ctx context.Context, cmd Command) Ack {
	ack := Ack{Type: "ack", Action: cmd.Action, ID: cmd.ID}
	switch cmd.Action {
	case "refresh":
		ack.OK = true
	case "start":
		res := b.sup.Start(ctx, cmd.ID)
		ack.OK, ack.Message = res.OK, res.Message
	case "stop":
		res := b.sup.Stop(ctx, cmd.ID)
		ack.OK, ack.Message = res.OK, res.Message
	case "restart":
		res := b.sup.Restart(ctx, cmd.ID)
		ack.OK, ack.Message = res.OK, res.Message
	default:
		ack.Message = "unknown action: " + cmd.Action
	}
	return ack
}

func (b *Broadcaster) subscribers() []*subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*subscriber, 0, len(b.subs))
	for s := range b.subs {
		out = append(out, s)
	}
	return out
}

func (b *Broadcaster) add(s *subscriber) {
	b.mu.Lock()
	b.subs[s] = struct{}{}
	n := len(b.subs)
	b.mu.Unlock()
	metrics.SetSubscribers(n)
}

func (b *Broadcaster) remove(s *subscriber) {
	b.mu.Lock()
	delete(b.subs, s)
	n := len(b.subs)
	b.mu.Unlock()
	metrics.SetSubscribers(n)
}

func (b *Broadcaster) closeAll() {
	for _, sub := range b.subscribers() {
		sub.mu.Lock()
		_ = sub.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(time.Second))
		_ = sub.conn.Close()
		sub.mu.Unlock()
		b.remove(sub)
	}
}
