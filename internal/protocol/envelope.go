package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Version is the protocol version stamped on every envelope.
const Version = "1.0"

// Envelope types.
const (
	TypeFunctionCall     = "function_call"
	TypeFunctionResponse = "function_response"
	TypeContextUpdate    = "context_update"
	TypeError            = "error"
	TypeTest             = "test"
)

// Error codes carried in error envelopes.
const (
	CodeFunctionNotFound     = "function_not_found"
	CodeFunctionExecutionErr = "function_execution_error"
	CodeContextNotFound      = "context_not_found"
	CodeMCPProcessingError   = "mcp_processing_error"
)

// Envelope is the typed message wrapper exchanged through the dispatcher.
// Envelopes are stateless single-use units correlated by call_id/request_id.
type Envelope struct {
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content"`
	RequestID string          `json:"request_id,omitempty"`
	Timestamp string          `json:"timestamp"`
	Version   string          `json:"version"`
}

// FunctionCall is the content of a function_call envelope.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	CallID    string         `json:"call_id"`
}

// FunctionResponse is the content of a function_response envelope.
type FunctionResponse struct {
	CallID string `json:"call_id"`
	Result any    `json:"result"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ContextUpdate is the content of a context_update envelope.
type ContextUpdate struct {
	ContextID string         `json:"context_id"`
	Data      map[string]any `json:"data"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ErrorContent is the content of an error envelope.
type ErrorContent struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// NewEnvelope wraps content in an envelope of the given type. Marshal
// failures are impossible for the content types used here, so the raw
// content falls back to null on error.
func NewEnvelope(envType string, content any, requestID string) Envelope {
	raw, err := json.Marshal(content)
	if err != nil {
		raw = []byte("null")
	}
	return Envelope{
		Type:      envType,
		Content:   raw,
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   Version,
	}
}

// NewFunctionCall builds a function_call envelope, generating a call id if
// none is given.
func NewFunctionCall(name string, args map[string]any, callID string) Envelope {
	if callID == "" {
		callID = uuid.NewString()
	}
	return NewEnvelope(TypeFunctionCall, FunctionCall{Name: name, Arguments: args, CallID: callID}, uuid.NewString())
}

// NewErrorEnvelope builds an error envelope correlated by requestID.
func NewErrorEnvelope(code, message string, requestID string) Envelope {
	return NewEnvelope(TypeError, ErrorContent{Code: code, Message: message}, requestID)
}
