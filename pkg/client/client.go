package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mcpd-dev/mcpd/internal/config"
	"github.com/mcpd-dev/mcpd/internal/supervisor"
)

// Client talks to a running mcpd daemon over its HTTP control surface.
type Client struct {
	baseURL string
	http    *http.Client
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// DefaultConfig returns the local-daemon defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8719/api",
		Timeout: 30 * time.Second,
	}
}

// New creates an mcpd API client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

// IsReachable reports whether the daemon answers its health endpoint.
func (c *Client) IsReachable(ctx context.Context) bool {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return false
	}
	u.Path = "/healthz"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// List returns the runtime state of every defined server.
func (c *Client) List(ctx context.Context) ([]supervisor.State, error) {
	var out []supervisor.State
	err := c.do(ctx, http.MethodGet, "/servers", nil, &out)
	return out, err
}

// Status returns one server's runtime state.
func (c *Client) Status(ctx context.Context, id string) (supervisor.State, error) {
	var out supervisor.State
	err := c.do(ctx, http.MethodGet, "/servers/"+id, nil, &out)
	return out, err
}

// Register upserts a server definition.
func (c *Client) Register(ctx context.Context, def config.ServerDefinition) error {
	body := map[string]any{"command": def.Command, "args": def.Args, "env": def.Env}
	return c.do(ctx, http.MethodPut, "/servers/"+def.ID, body, nil)
}

// Unregister removes a server definition.
func (c *Client) Unregister(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/servers/"+id, nil, nil)
}

// Start starts one server. Soft failures (already running, unknown id) come
// back as a non-OK Result, not an error.
func (c *Client) Start(ctx context.Context, id string) (supervisor.Result, error) {
	return c.doResult(ctx, "/servers/"+id+"/start")
}

// Stop stops one server.
func (c *Client) Stop(ctx context.Context, id string) (supervisor.Result, error) {
	return c.doResult(ctx, "/servers/"+id+"/stop")
}

// Restart restarts one server.
func (c *Client) Restart(ctx context.Context, id string) (supervisor.Result, error) {
	return c.doResult(ctx, "/servers/"+id+"/restart")
}

// doResult decodes a supervisor.Result regardless of HTTP status; control
// endpoints express soft failures through the Result code.
func (c *Client) doResult(ctx context.Context, path string) (supervisor.Result, error) {
	var res supervisor.Result
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return res, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return res, err
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return res, err
	}
	if err := json.Unmarshal(b, &res); err != nil {
		return res, fmt.Errorf("daemon: %s returned %d: %s", path, resp.StatusCode, string(b))
	}
	return res, nil
}

// StartAll starts every defined server.
func (c *Client) StartAll(ctx context.Context) (map[string]supervisor.Result, error) {
	out := map[string]supervisor.Result{}
	err := c.do(ctx, http.MethodPost, "/start-all", nil, &out)
	return out, err
}

// StopAll stops every defined server.
func (c *Client) StopAll(ctx context.Context) (map[string]supervisor.Result, error) {
	out := map[string]supervisor.Result{}
	err := c.do(ctx, http.MethodPost, "/stop-all", nil, &out)
	return out, err
}

// Export writes the context snapshot on the daemon host.
func (c *Client) Export(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodPost, "/context/export", map[string]any{"path": path}, nil)
}

// Import restores the context snapshot from a file on the daemon host.
func (c *Client) Import(ctx context.Context, path string, overwrite bool) error {
	return c.do(ctx, http.MethodPost, "/context/import", map[string]any{"path": path, "overwrite": overwrite}, nil)
}

// Send submits a raw protocol envelope and returns the raw response.
func (c *Client) Send(ctx context.Context, envelope []byte) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.doRaw(ctx, http.MethodPost, "/mcp/message", envelope, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}
	return c.doRaw(ctx, method, path, payload, out)
}

func (c *Client) doRaw(ctx context.Context, method, path string, payload []byte, out any) error {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(b, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("daemon: %s", apiErr.Error)
		}
		if json.Unmarshal(b, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("daemon: %s", apiErr.Message)
		}
		return fmt.Errorf("daemon: %s %s returned %d", method, path, resp.StatusCode)
	}
	if out != nil && len(b) > 0 {
		return json.Unmarshal(b, out)
	}
	return nil
}
