package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpd-dev/mcpd/internal/contextstore"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *Registry, *contextstore.Store) {
	t.Helper()
	store, err := contextstore.New(t.TempDir(), nil)
	require.NoError(t, err)
	reg := NewRegistry()
	return NewDispatcher(reg, store, 4, nil), reg, store
}

func decodeError(t *testing.T, env Envelope) ErrorContent {
	t.Helper()
	require.Equal(t, TypeError, env.Type)
	var ec ErrorContent
	require.NoError(t, json.Unmarshal(env.Content, &ec))
	return ec
}

func decodeResponse(t *testing.T, env Envelope) FunctionResponse {
	t.Helper()
	require.Equal(t, TypeFunctionResponse, env.Type)
	var fr FunctionResponse
	require.NoError(t, json.Unmarshal(env.Content, &fr))
	return fr
}

func TestFunctionCallSuccess(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)
	reg.RegisterAsync("add", func(_ context.Context, args map[string]any) (any, error) {
		return args["a"].(float64) + args["b"].(float64), nil
	})

	env := NewFunctionCall("add", map[string]any{"a": float64(2), "b": float64(3)}, "call-1")
	resp := d.Handle(context.Background(), env)

	fr := decodeResponse(t, resp)
	assert.Equal(t, "call-1", fr.CallID)
	assert.Equal(t, "success", fr.Status)
	assert.Equal(t, float64(5), fr.Result)
	assert.Equal(t, env.RequestID, resp.RequestID)
	assert.Equal(t, Version, resp.Version)
}

func TestFunctionCallUnknownFunction(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)

	resp := d.Handle(context.Background(), NewFunctionCall("nope", nil, ""))
	ec := decodeError(t, resp)
	assert.Equal(t, CodeFunctionNotFound, ec.Code)
	assert.Contains(t, ec.Message, "nope")

	// The dispatcher must stay usable after an unknown-function error.
	reg.RegisterAsync("ping", func(context.Context, map[string]any) (any, error) {
		return "pong", nil
	})
	resp = d.Handle(context.Background(), NewFunctionCall("ping", nil, ""))
	fr := decodeResponse(t, resp)
	assert.Equal(t, "pong", fr.Result)
}

func TestFunctionCallExecutionError(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)
	reg.RegisterAsync("fail", func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("disk on fire")
	})

	resp := d.Handle(context.Background(), NewFunctionCall("fail", nil, ""))
	ec := decodeError(t, resp)
	assert.Equal(t, CodeFunctionExecutionErr, ec.Code)
	assert.Contains(t, ec.Message, "disk on fire")
}

func TestFunctionCallPanicBecomesExecutionError(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)
	reg.RegisterSync("explode", func(context.Context, map[string]any) (any, error) {
		panic("kaboom")
	})

	resp := d.Handle(context.Background(), NewFunctionCall("explode", nil, ""))
	ec := decodeError(t, resp)
	assert.Equal(t, CodeFunctionExecutionErr, ec.Code)
	assert.Contains(t, ec.Message, "kaboom")
}

func TestHandleRawMalformedJSON(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	resp := d.HandleRaw(context.Background(), []byte("{not an envelope"))
	ec := decodeError(t, resp)
	assert.Equal(t, CodeMCPProcessingError, ec.Code)
}

func TestHandleUnsupportedType(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	resp := d.Handle(context.Background(), NewEnvelope("telepathy", nil, "req-9"))
	ec := decodeError(t, resp)
	assert.Equal(t, CodeMCPProcessingError, ec.Code)
	assert.Equal(t, "req-9", resp.RequestID)
}

func TestHandleTestEnvelope(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	resp := d.Handle(context.Background(), NewEnvelope(TypeTest, nil, "req-1"))
	require.Equal(t, TypeTest, resp.Type)
	var body map[string]any
	require.NoError(t, json.Unmarshal(resp.Content, &body))
	assert.Equal(t, "ok", body["status"])
}

func TestContextUpdateMergesIntoStore(t *testing.T) {
	d, _, store := newTestDispatcher(t)
	_, err := store.Create(map[string]any{"a": map[string]any{"x": float64(1)}}, "ctx")
	require.NoError(t, err)

	env := NewEnvelope(TypeContextUpdate, ContextUpdate{
		ContextID: "ctx",
		Data:      map[string]any{"a": map[string]any{"y": float64(2)}},
	}, "req-2")
	resp := d.Handle(context.Background(), env)

	require.Equal(t, TypeContextUpdate, resp.Type)
	var ack map[string]any
	require.NoError(t, json.Unmarshal(resp.Content, &ack))
	assert.Equal(t, "updated", ack["status"])
	assert.Equal(t, "ctx", ack["context_id"])

	data, ok := store.Get("ctx")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"x": float64(1), "y": float64(2)}, data["a"])
}

func TestContextUpdateRejectsTraversalID(t *testing.T) {
	d, _, store := newTestDispatcher(t)

	env := NewEnvelope(TypeContextUpdate, ContextUpdate{
		ContextID: "../../escaped",
		Data:      map[string]any{"x": float64(1)},
	}, "req-3")
	resp := d.Handle(context.Background(), env)

	ec := decodeError(t, resp)
	assert.Equal(t, CodeMCPProcessingError, ec.Code)
	assert.Contains(t, ec.Message, "invalid context id")
	assert.Empty(t, store.List())
}

func TestContextUpdateWithoutID(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	resp := d.Handle(context.Background(), NewEnvelope(TypeContextUpdate, ContextUpdate{}, ""))
	ec := decodeError(t, resp)
	assert.Equal(t, CodeMCPProcessingError, ec.Code)
	assert.Contains(t, ec.Message, "context_id")
}

func TestSyncPoolBoundsConcurrency(t *testing.T) {
	store, err := contextstore.New(t.TempDir(), nil)
	require.NoError(t, err)
	reg := NewRegistry()
	d := NewDispatcher(reg, store, 2, nil)

	var inFlight, peak atomic.Int32
	reg.RegisterSync("slow", func(context.Context, map[string]any) (any, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		inFlight.Add(-1)
		return nil, nil
	})

	done := make(chan struct{})
	for i := 0; i < 6; i++ {
		go func() {
			d.Handle(context.Background(), NewFunctionCall("slow", nil, ""))
			done <- struct{}{}
		}()
	}
	for i := 0; i < 6; i++ {
		<-done
	}
	assert.LessOrEqual(t, peak.Load(), int32(2), "sync handlers exceed the worker pool")
}

func TestAsyncHandlersBypassPool(t *testing.T) {
	store, err := contextstore.New(t.TempDir(), nil)
	require.NoError(t, err)
	reg := NewRegistry()
	d := NewDispatcher(reg, store, 1, nil)

	release := make(chan struct{})
	started := make(chan struct{}, 3)
	reg.RegisterAsync("block", func(context.Context, map[string]any) (any, error) {
		started <- struct{}{}
		<-release
		return nil, nil
	})

	for i := 0; i < 3; i++ {
		go d.Handle(context.Background(), NewFunctionCall("block", nil, ""))
	}
	for i := 0; i < 3; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("async handler blocked behind the sync pool")
		}
	}
	close(release)
}

func TestUnregisterRemovesFunction(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)
	reg.RegisterAsync("temp", func(context.Context, map[string]any) (any, error) {
		return nil, nil
	})
	require.Contains(t, reg.Names(), "temp")

	reg.Unregister("temp")
	resp := d.Handle(context.Background(), NewFunctionCall("temp", nil, ""))
	ec := decodeError(t, resp)
	assert.Equal(t, CodeFunctionNotFound, ec.Code)
}
