package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/semaphore"

	"github.com/mcpd-dev/mcpd/internal/contextstore"
	"github.com/mcpd-dev/mcpd/internal/metrics"
)

// Dispatcher routes envelopes to registered functions and the context store.
// Every failure is converted to a typed error envelope; Handle never returns
// an error and never panics across the boundary.
type Dispatcher struct {
	registry *Registry
	contexts *contextstore.Store
	logger   *slog.Logger

	// pool bounds concurrently running synchronous handlers.
	pool *semaphore.Weighted
}

// NewDispatcher builds a dispatcher with a bounded sync-handler pool of
// the given size (defaults to 8 when non-positive).
func NewDispatcher(registry *Registry, contexts *contextstore.Store, workers int, log *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 8
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		contexts: contexts,
		logger:   log,
		pool:     semaphore.NewWeighted(int64(workers)),
	}
}

// HandleRaw parses raw bytes into an envelope and dispatches it. Malformed
// input yields an mcp_processing_error envelope rather than an error.
func (d *Dispatcher) HandleRaw(ctx context.Context, raw []byte) Envelope {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		metrics.IncDispatch("malformed", CodeMCPProcessingError)
		return NewErrorEnvelope(CodeMCPProcessingError, "malformed envelope: "+err.Error(), "")
	}
	return d.Handle(ctx, env)
}

// Handle dispatches one envelope and returns the response envelope.
func (d *Dispatcher) Handle(ctx context.Context, env Envelope) (resp Envelope) {
	// Truly unexpected faults surface as mcp_processing_error instead of
	// crossing the component boundary.
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic during dispatch", "type", env.Type, "panic", r)
			metrics.IncDispatch(env.Type, CodeMCPProcessingError)
			resp = NewErrorEnvelope(CodeMCPProcessingError, fmt.Sprintf("internal error: %v", r), env.RequestID)
		}
	}()

	switch env.Type {
	case TypeFunctionCall:
		return d.handleFunctionCall(ctx, env)
	case TypeContextUpdate:
		return d.handleContextUpdate(env)
	case TypeTest:
		metrics.IncDispatch(env.Type, "ok")
		return NewEnvelope(TypeTest, map[string]any{"status": "ok"}, env.RequestID)
	default:
		metrics.IncDispatch(env.Type, CodeMCPProcessingError)
		return NewErrorEnvelope(CodeMCPProcessingError,
			fmt.Sprintf("unsupported envelope type %q", env.Type), env.RequestID)
	}
}

func (d *Dispatcher) handleFunctionCall(ctx context.Context, env Envelope) Envelope {
	var call FunctionCall
	if err := json.Unmarshal(env.Content, &call); err != nil {
		metrics.IncDispatch(env.Type, CodeMCPProcessingError)
		return NewErrorEnvelope(CodeMCPProcessingError, "malformed function_call content: "+err.Error(), env.RequestID)
	}
	h, ok := d.registry.lookup(call.Name)
	if !ok {
		metrics.IncDispatch(env.Type, CodeFunctionNotFound)
		return NewErrorEnvelope(CodeFunctionNotFound,
			fmt.Sprintf("function %q is not registered", call.Name), env.RequestID)
	}

	result, err := d.invoke(ctx, h, call.Arguments)
	if errors.Is(err, ErrContextNotFound) {
		metrics.IncDispatch(env.Type, CodeContextNotFound)
		return NewErrorEnvelope(CodeContextNotFound, err.Error(), env.RequestID)
	}
	if err != nil {
		d.logger.Warn("function execution failed", "function", call.Name, "error", err)
		metrics.IncDispatch(env.Type, CodeFunctionExecutionErr)
		return NewErrorEnvelope(CodeFunctionExecutionErr,
			fmt.Sprintf("function %q failed: %v", call.Name, err), env.RequestID)
	}
	metrics.IncDispatch(env.Type, "ok")
	return NewEnvelope(TypeFunctionResponse, FunctionResponse{
		CallID: call.CallID,
		Result: result,
		Status: "success",
	}, env.RequestID)
}

// invoke runs the handler, recovering panics into errors. Sync handlers go
// through the bounded pool; acquisition respects the caller's context.
func (d *Dispatcher) invoke(ctx context.Context, h handler, args map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	if args == nil {
		args = map[string]any{}
	}
	if !h.sync {
		return h.fn(ctx, args)
	}
	if err := d.pool.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("dispatch pool: %w", err)
	}
	defer d.pool.Release(1)
	return h.fn(ctx, args)
}

func (d *Dispatcher) handleContextUpdate(env Envelope) Envelope {
	var upd ContextUpdate
	if err := json.Unmarshal(env.Content, &upd); err != nil {
		metrics.IncDispatch(env.Type, CodeMCPProcessingError)
		return NewErrorEnvelope(CodeMCPProcessingError, "malformed context_update content: "+err.Error(), env.RequestID)
	}
	if upd.ContextID == "" {
		metrics.IncDispatch(env.Type, CodeMCPProcessingError)
		return NewErrorEnvelope(CodeMCPProcessingError, "context_update requires context_id", env.RequestID)
	}
	if err := d.contexts.Save(upd.ContextID, upd.Data, true); err != nil {
		metrics.IncDispatch(env.Type, CodeMCPProcessingError)
		return NewErrorEnvelope(CodeMCPProcessingError,
			fmt.Sprintf("context update for %q failed: %v", upd.ContextID, err), env.RequestID)
	}
	metrics.IncDispatch(env.Type, "ok")
	return NewEnvelope(TypeContextUpdate, map[string]any{
		"status":     "updated",
		"context_id": upd.ContextID,
	}, env.RequestID)
}
