// Package llm defines the language model boundary used by the classifier
// and the workflow engine, and a langchaingo-backed implementation with
// client-side rate limiting and bounded retry.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("troubleshootd/llm")

var (
	// ErrLLMCallFailure is returned once retries are exhausted or the error
	// is not retryable.
	ErrLLMCallFailure = errors.New("language model call failed")

	// ErrInvalidConfig indicates invalid provider configuration.
	ErrInvalidConfig = errors.New("invalid llm configuration")

	// ErrEmptyResponse is returned when the model produced no choices.
	ErrEmptyResponse = errors.New("empty model response")
)

// Role of a transcript message following the prompt.
type Role string

const (
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

// Message is one transcript entry after the initial prompt.
type Message struct {
	Role    Role
	Content string
}

// ToolSpec advertises a callable tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema
}

// Request is a single generation request.
type Request struct {
	System      string
	Prompt      string
	Messages    []Message
	Tools       []ToolSpec
	Temperature float64
	MaxTokens   int

	// Timeout bounds each attempt. Zero uses the provider default.
	Timeout time.Duration
}

// ToolCall is a model request to run a tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Generation is the model output.
type Generation struct {
	Text      string
	ToolCalls []ToolCall
}

// Provider generates completions.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Generation, error)
}
