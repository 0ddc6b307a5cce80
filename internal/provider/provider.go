// Package provider defines the model-backend contract and the uniform chat
// request/response shapes shared by all backends.
package provider

import (
	"context"
	"encoding/json"
)

// Message is one chat message in the uniform shape sent to a backend.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Images     []string   `json:"images,omitempty"` // base64
}

// ToolCall is a structured request, emitted by a model response, to invoke
// one host-side action. Name is encoded as "<skill>__<action>".
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDef describes one tool offered to the model.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Options carries per-request tuning and the offered tool set. A nil Tools
// slice offers no tools.
type Options struct {
	Tools       []ToolDef
	Temperature float64
	MaxTokens   int
}

// ChatResponse is the uniform response shape returned by every backend.
type ChatResponse struct {
	Content    string
	Model      string
	TokensUsed int
	ToolCalls  []ToolCall
}

// ModelInfo describes one model a backend offers.
type ModelInfo struct {
	Name string `json:"name"`
}

// StreamFunc receives each incremental text fragment as it arrives.
type StreamFunc func(delta string)

// Client is the contract every model backend implements.
type Client interface {
	Name() string
	IsAvailable(ctx context.Context) bool
	ListModels(ctx context.Context) ([]ModelInfo, error)
	Chat(ctx context.Context, model string, messages []Message, opts *Options) (*ChatResponse, error)
	// ChatStream forwards text increments through fn and returns the same
	// final response shape as Chat.
	ChatStream(ctx context.Context, model string, messages []Message, opts *Options, fn StreamFunc) (*ChatResponse, error)
}

// ImageDescriber is the optional extended capability for backends that can
// describe images.
type ImageDescriber interface {
	DescribeImage(ctx context.Context, model, imageB64 string) (string, error)
}
