package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/mcpd-dev/mcpd/internal/contextstore"
	"github.com/mcpd-dev/mcpd/internal/supervisor"
)

// ErrContextNotFound marks lookups of absent contexts so the dispatcher can
// answer with a context_not_found envelope instead of a generic execution
// error.
var ErrContextNotFound = errors.New("context not found")

// RegisterSupervisor exposes the supervisor's control operations as callable
// functions. Start/stop/restart are blocking (grace periods, exit polls), so
// they register as sync handlers and run on the bounded pool.
func RegisterSupervisor(r *Registry, sup *supervisor.Supervisor) {
	r.RegisterSync("server_start", func(ctx context.Context, args map[string]any) (any, error) {
		id, err := stringArg(args, "id")
		if err != nil {
			return nil, err
		}
		return sup.Start(ctx, id), nil
	})
	r.RegisterSync("server_stop", func(ctx context.Context, args map[string]any) (any, error) {
		id, err := stringArg(args, "id")
		if err != nil {
			return nil, err
		}
		return sup.Stop(ctx, id), nil
	})
	r.RegisterSync("server_restart", func(ctx context.Context, args map[string]any) (any, error) {
		id, err := stringArg(args, "id")
		if err != nil {
			return nil, err
		}
		return sup.Restart(ctx, id), nil
	})
	r.RegisterAsync("server_list", func(ctx context.Context, args map[string]any) (any, error) {
		return sup.List(), nil
	})
	r.RegisterAsync("server_status", func(ctx context.Context, args map[string]any) (any, error) {
		id, err := stringArg(args, "id")
		if err != nil {
			return nil, err
		}
		return sup.Status(id), nil
	})
}

// RegisterContextStore exposes context CRUD as callable functions.
func RegisterContextStore(r *Registry, store *contextstore.Store) {
	r.RegisterAsync("context_create", func(ctx context.Context, args map[string]any) (any, error) {
		data, _ := args["data"].(map[string]any)
		id, _ := args["id"].(string)
		newID, err := store.Create(data, id)
		if err != nil {
			return nil, err
		}
		return map[string]any{"id": newID}, nil
	})
	r.RegisterAsync("context_get", func(ctx context.Context, args map[string]any) (any, error) {
		id, err := stringArg(args, "id")
		if err != nil {
			return nil, err
		}
		data, ok := store.Get(id)
		if !ok {
			return nil, fmt.Errorf("context %q: %w", id, ErrContextNotFound)
		}
		return data, nil
	})
	r.RegisterAsync("context_save", func(ctx context.Context, args map[string]any) (any, error) {
		id, err := stringArg(args, "id")
		if err != nil {
			return nil, err
		}
		data, _ := args["data"].(map[string]any)
		merge := true
		if m, ok := args["merge"].(bool); ok {
			merge = m
		}
		if err := store.Save(id, data, merge); err != nil {
			return nil, err
		}
		return map[string]any{"id": id, "status": "saved"}, nil
	})
	r.RegisterAsync("context_delete", func(ctx context.Context, args map[string]any) (any, error) {
		id, err := stringArg(args, "id")
		if err != nil {
			return nil, err
		}
		return map[string]any{"deleted": store.Delete(id)}, nil
	})
	r.RegisterAsync("context_list", func(ctx context.Context, args map[string]any) (any, error) {
		return store.List(), nil
	})
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("argument %q must be a non-empty string", key)
	}
	return v, nil
}
