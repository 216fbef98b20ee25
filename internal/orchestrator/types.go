// Package orchestrator drives multi-turn LLM conversations with tool
// use. It owns the request loop: send the conversation, stream text,
// execute requested tools, feed results back, and repeat until the
// model produces a final answer or hits the iteration bound.
package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/clara-ai/clara/internal/tools"
)

// Message is one turn in a conversation. Role is "user", "assistant"
// or "tool".
type Message struct {
	Role        string       `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolReturn `json:"tool_results,omitempty"`
	Images      []Image      `json:"images,omitempty"`
}

// ToolCall is a model request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolReturn carries a tool's output back into the conversation.
type ToolReturn struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Image is an inline image for vision-capable models.
type Image struct {
	MediaType string `json:"media_type"`
	Data      []byte `json:"data"`
}

// CompletionRequest is one provider call.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []tools.Tool
	MaxTokens int
}

// Chunk is one increment of a streaming provider response. Exactly one
// of Text, ToolCall, Done or Error is meaningful per chunk.
type Chunk struct {
	Text     string
	ToolCall *ToolCall
	Done     bool
	Error    error
}

// Provider is a streaming LLM backend. Implementations must be safe
// for concurrent use.
type Provider interface {
	// Complete sends a request and returns a channel of chunks. The
	// channel is closed when the stream ends.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *Chunk, error)

	// Name identifies the provider for logs and metrics.
	Name() string

	// SupportsTools reports native tool-calling support.
	SupportsTools() bool
}

// EventKind discriminates orchestrator stream events.
type EventKind int

const (
	// EventChunk carries incremental response text.
	EventChunk EventKind = iota
	// EventToolStart announces a tool invocation.
	EventToolStart
	// EventToolResult reports a finished tool invocation.
	EventToolResult
	// EventComplete closes the stream with the final response.
	EventComplete
	// EventError closes the stream with a failure.
	EventError
)

// Event is one item in the response stream handed to the gateway.
type Event struct {
	Kind EventKind

	// EventChunk.
	Text        string
	Accumulated string

	// EventToolStart / EventToolResult.
	ToolName  string
	Step      int
	Arguments json.RawMessage
	Success   bool
	Preview   string

	// EventComplete.
	FinalText string
	ToolCount int
	Files     []tools.File

	// EventError.
	Err error
}

// Request is one unit of generation work.
type Request struct {
	RequestID string
	UserID    string
	ChannelID string
	Tier      string
	Messages  []Message
}
