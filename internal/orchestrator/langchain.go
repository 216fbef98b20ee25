package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"

	"github.com/clara-ai/clara/internal/tools"
)

// WithLangchainModel routes completions through a langchaingo backend
// instead of a native Provider. Satisfies ModeLangchain.
func WithLangchainModel(m llms.Model) Option {
	return func(o *Orchestrator) {
		o.strategy = &langchainStrategy{model: m}
		o.providerLabel = "langchain"
	}
}

// langchainStrategy routes completions through a langchaingo model.
// Useful for backends the native providers don't cover (Ollama,
// OpenRouter-compatible endpoints) at the cost of coarser streaming.
type langchainStrategy struct {
	model llms.Model
}

func (s *langchainStrategy) complete(ctx context.Context, req *CompletionRequest) (<-chan *Chunk, error) {
	content, err := toLangchainMessages(req)
	if err != nil {
		return nil, err
	}

	opts := []llms.CallOption{}
	if req.Model != "" {
		opts = append(opts, llms.WithModel(req.Model))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		lcTools, err := toLangchainTools(req.Tools)
		if err != nil {
			return nil, err
		}
		opts = append(opts, llms.WithTools(lcTools))
	}

	out := make(chan *Chunk)
	go func() {
		defer close(out)

		streamed := false
		opts := append(opts, llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if len(chunk) > 0 {
				streamed = true
				select {
				case out <- &Chunk{Text: string(chunk)}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		}))

		resp, err := s.model.GenerateContent(ctx, content, opts...)
		if err != nil {
			emitChunk(ctx, out, &Chunk{Error: fmt.Errorf("langchain: %w", err), Done: true})
			return
		}
		if len(resp.Choices) == 0 {
			emitChunk(ctx, out, &Chunk{Done: true})
			return
		}

		choice := resp.Choices[0]
		// Some backends ignore the streaming func when tools are in
		// play; deliver the content once either way.
		if !streamed && choice.Content != "" {
			if !emitChunk(ctx, out, &Chunk{Text: choice.Content}) {
				return
			}
		}
		for _, tc := range choice.ToolCalls {
			if tc.FunctionCall == nil || tc.FunctionCall.Name == "" {
				continue
			}
			id := tc.ID
			if id == "" {
				id = "lccall_" + uuid.NewString()[:8]
			}
			if !emitChunk(ctx, out, &Chunk{ToolCall: &ToolCall{
				ID:    id,
				Name:  tc.FunctionCall.Name,
				Input: json.RawMessage(tc.FunctionCall.Arguments),
			}}) {
				return
			}
		}
		emitChunk(ctx, out, &Chunk{Done: true})
	}()
	return out, nil
}

func toLangchainMessages(req *CompletionRequest) ([]llms.MessageContent, error) {
	var content []llms.MessageContent
	if req.System != "" {
		content = append(content, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "assistant":
			mc := llms.MessageContent{Role: llms.ChatMessageTypeAI}
			if msg.Content != "" {
				mc.Parts = append(mc.Parts, llms.TextContent{Text: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				mc.Parts = append(mc.Parts, llms.ToolCall{
					ID:   call.ID,
					Type: "function",
					FunctionCall: &llms.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Input),
					},
				})
			}
			content = append(content, mc)

		case "tool":
			mc := llms.MessageContent{Role: llms.ChatMessageTypeTool}
			for _, res := range msg.ToolResults {
				mc.Parts = append(mc.Parts, llms.ToolCallResponse{
					ToolCallID: res.ToolCallID,
					Content:    res.Content,
				})
			}
			content = append(content, mc)

		default:
			mc := llms.MessageContent{Role: llms.ChatMessageTypeHuman}
			if msg.Content != "" {
				mc.Parts = append(mc.Parts, llms.TextContent{Text: msg.Content})
			}
			for _, img := range msg.Images {
				mc.Parts = append(mc.Parts, llms.BinaryPart(img.MediaType, img.Data))
			}
			for _, res := range msg.ToolResults {
				mc.Parts = append(mc.Parts, llms.ToolCallResponse{
					ToolCallID: res.ToolCallID,
					Content:    res.Content,
				})
			}
			content = append(content, mc)
		}
	}
	return content, nil
}

func toLangchainTools(available []tools.Tool) ([]llms.Tool, error) {
	out := make([]llms.Tool, 0, len(available))
	for _, t := range available {
		var params map[string]any
		if err := json.Unmarshal(t.Schema(), &params); err != nil {
			return nil, fmt.Errorf("tool %s schema: %w", t.Name(), err)
		}
		out = append(out, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  params,
			},
		})
	}
	return out, nil
}
