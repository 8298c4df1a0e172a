// Package tool – tool.go defines the contract implemented by every
// AI-callable tool provider. Tools are invoked by the completion provider
// through structured arguments, not by inbound events, which is why their
// loading path is separate from capability providers.
package tool

import (
	"context"
	"encoding/json"

	"github.com/jholhewres/relay/pkg/relay/bus"
)

// Error kinds. These are stable strings surfaced in tool results and logs,
// not Go types.
const (
	ErrValidation    = "validation_error"
	ErrConfiguration = "configuration_error"
	ErrExecution     = "execution_error"
	ErrTimeout       = "timeout_error"
	ErrNotFound      = "not_found"
	ErrUserNotFound  = "user_not_found"
	ErrSecurity      = "security_error"
	ErrSendFailed    = "send_failed"
	ErrInvalidAction = "invalid_action"
)

// Metadata describes a tool to the loader and the completion provider.
type Metadata struct {
	// Name is the tool identifier exposed to the LLM and used as the
	// configuration key.
	Name string

	// Description tells the LLM what the tool does.
	Description string

	// Keywords help request deduplication summarize invocations.
	Keywords []string

	// Category groups related tools (e.g. "search", "media").
	Category string

	// Priority orders tool listings; higher first.
	Priority int
}

// Error is a structured tool failure.
type Error struct {
	// Kind is one of the Err* constants.
	Kind string `json:"kind"`

	Message string `json:"message"`

	// Retryable hints upstream logic whether retrying could succeed. The
	// orchestrator itself never auto-retries.
	Retryable bool `json:"retryable"`
}

func (e *Error) Error() string { return e.Kind + ": " + e.Message }

// Result is the outcome of one tool execution.
type Result struct {
	Success bool `json:"success"`

	// Data is the payload on success, serialized for the LLM.
	Data any `json:"data,omitempty"`

	// Err is populated when Success is false.
	Err *Error `json:"error,omitempty"`
}

// Ok builds a successful result.
func Ok(data any) *Result { return &Result{Success: true, Data: data} }

// Fail builds a failed result with a structured error.
func Fail(kind, message string, retryable bool) *Result {
	return &Result{Success: false, Err: &Error{Kind: kind, Message: message, Retryable: retryable}}
}

// Context carries per-invocation state into a tool execution.
type Context struct {
	// Message is the inbound message that triggered the AI run.
	Message *bus.Message

	// Bus lets tools publish side effects (outbound messages, typing).
	Bus *bus.Bus
}

// Tool is the contract implemented by every tool provider.
type Tool interface {
	// Metadata returns the static description of the tool.
	Metadata() Metadata

	// Schema returns the JSON-schema parameter definition sent to the LLM
	// and used to validate arguments before execution.
	Schema() json.RawMessage

	// Execute runs the tool. Implementations return a Result for expected
	// failures; a returned error is treated as an execution_error.
	Execute(ctx context.Context, args map[string]any, tc *Context) (*Result, error)
}

// SelfValidator is optionally implemented by tools that need startup
// validation (e.g. a credential check). Returning false excludes the tool
// from the loaded set with a warning, not a hard failure.
type SelfValidator interface {
	Validate() bool
}
