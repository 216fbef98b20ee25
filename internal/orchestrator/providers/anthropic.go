// Package providers implements native LLM backends for the
// orchestrator: Anthropic Claude and OpenAI-compatible chat APIs. Both
// stream tokens as they arrive, accumulate tool calls across stream
// events, and retry transient failures with backoff.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/clara-ai/clara/internal/orchestrator"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// AnthropicProvider implements orchestrator.Provider over the Anthropic
// Messages API. Safe for concurrent use; each Complete call owns an
// independent stream.
type AnthropicProvider struct {
	client       anthropic.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// AnthropicConfig configures an AnthropicProvider. Only APIKey is
// required.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int           // default 3
	RetryDelay   time.Duration // default 1s, doubled per attempt
	DefaultModel string        // default claude-sonnet-4-20250514
}

// NewAnthropicProvider creates a provider for the Anthropic API.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = defaultAnthropicModel
	}

	opts := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		defaultModel: config.DefaultModel,
	}, nil
}

func (p *AnthropicProvider) Name() string        { return "anthropic" }
func (p *AnthropicProvider) SupportsTools() bool { return true }

// Complete sends a streaming request. Retries with exponential backoff
// on transient failures; streaming errors arrive via chunk.Error.
func (p *AnthropicProvider) Complete(ctx context.Context, req *orchestrator.CompletionRequest) (<-chan *orchestrator.Chunk, error) {
	chunks := make(chan *orchestrator.Chunk)

	go func() {
		defer close(chunks)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		var err error
		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			stream, err = p.createStream(ctx, req)
			if err == nil {
				break
			}
			if !isRetryable(err) {
				send(ctx, chunks, &orchestrator.Chunk{Error: err, Done: true})
				return
			}
			if attempt < p.maxRetries {
				backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
			}
		}
		if err != nil {
			send(ctx, chunks, &orchestrator.Chunk{Error: fmt.Errorf("anthropic: retries exhausted: %w", err), Done: true})
			return
		}

		p.processStream(ctx, stream, chunks)
	}()

	return chunks, nil
}

func (p *AnthropicProvider) createStream(ctx context.Context, req *orchestrator.CompletionRequest) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		toolParams, err := p.convertTools(req)
		if err != nil {
			return nil, err
		}
		params.Tools = toolParams
	}

	return p.client.Messages.NewStreaming(ctx, params), nil
}

// toolUseAccumulator reassembles a tool call that streams in pieces:
// content_block_start carries the ID and name, input_json_delta events
// carry argument fragments, content_block_stop finalizes.
type toolUseAccumulator struct {
	call  *orchestrator.ToolCall
	input strings.Builder
}

func (a *toolUseAccumulator) start(id, name string) {
	a.call = &orchestrator.ToolCall{ID: id, Name: name}
	a.input.Reset()
}

func (a *toolUseAccumulator) fragment(partialJSON string) {
	a.input.WriteString(partialJSON)
}

// finish returns the assembled call, or nil when no tool_use block is
// open. A call with no input fragments gets empty-object arguments.
func (a *toolUseAccumulator) finish() *orchestrator.ToolCall {
	if a.call == nil {
		return nil
	}
	input := a.input.String()
	if input == "" {
		input = "{}"
	}
	call := a.call
	call.Input = json.RawMessage(input)
	a.call = nil
	return call
}

// processStream converts Anthropic SSE events into chunks.
func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *orchestrator.Chunk) {
	var acc toolUseAccumulator

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				acc.start(toolUse.ID, toolUse.Name)
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !send(ctx, chunks, &orchestrator.Chunk{Text: delta.Text}) {
						return
					}
				}
			case "input_json_delta":
				acc.fragment(delta.PartialJSON)
			}

		case "content_block_stop":
			if call := acc.finish(); call != nil {
				if !send(ctx, chunks, &orchestrator.Chunk{ToolCall: call}) {
					return
				}
			}

		case "message_stop":
			send(ctx, chunks, &orchestrator.Chunk{Done: true})
			return

		case "error":
			send(ctx, chunks, &orchestrator.Chunk{Error: errors.New("anthropic: stream error"), Done: true})
			return
		}
	}

	if err := stream.Err(); err != nil {
		send(ctx, chunks, &orchestrator.Chunk{Error: err, Done: true})
		return
	}
	send(ctx, chunks, &orchestrator.Chunk{Done: true})
}

func (p *AnthropicProvider) convertMessages(messages []orchestrator.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, res := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(res.ToolCallID, res.Content, res.IsError))
		}
		for _, call := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(call.Input, &input); err != nil {
				return nil, fmt.Errorf("tool call %s input: %w", call.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
		for _, img := range msg.Images {
			content = append(content, anthropic.NewImageBlockBase64(img.MediaType, encodeBase64(img.Data)))
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			// User and tool roles both map to user messages.
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func (p *AnthropicProvider) convertTools(req *orchestrator.CompletionRequest) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			return nil, fmt.Errorf("anthropic: tool %s schema: %w", tool.Name(), err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name())
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: tool %s: missing tool definition", tool.Name())
		}
		param.OfTool.Description = anthropic.String(tool.Description())
		result = append(result, param)
	}
	return result, nil
}
