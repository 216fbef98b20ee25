package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/clara-ai/clara/internal/tools"
)

// ToolCallMode selects how tool definitions reach the model.
type ToolCallMode string

const (
	// ModeNative uses the provider's function-calling API.
	ModeNative ToolCallMode = "native"
	// ModeXML describes tools in the system prompt and parses
	// <tool_call> blocks out of the response text. For providers
	// without a function-calling API.
	ModeXML ToolCallMode = "xml"
	// ModeLangchain routes calls through the langchaingo abstraction.
	ModeLangchain ToolCallMode = "langchain"
)

// ParseToolCallMode validates a mode string, defaulting to native.
func ParseToolCallMode(s string) (ToolCallMode, error) {
	switch ToolCallMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeNative:
		return ModeNative, nil
	case ModeXML:
		return ModeXML, nil
	case ModeLangchain:
		return ModeLangchain, nil
	default:
		return ModeNative, fmt.Errorf("unknown tool call mode %q", s)
	}
}

// strategy abstracts one provider round-trip under a tool-call mode.
type strategy interface {
	complete(ctx context.Context, req *CompletionRequest) (<-chan *Chunk, error)
}

// emitChunk delivers a chunk unless the request is cancelled. The
// consumer can stop reading mid-stream; a false result tells the
// producer to stop instead of blocking forever.
func emitChunk(ctx context.Context, out chan<- *Chunk, c *Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// nativeStrategy passes tools straight through to the provider.
type nativeStrategy struct {
	provider Provider
}

func (s *nativeStrategy) complete(ctx context.Context, req *CompletionRequest) (<-chan *Chunk, error) {
	return s.provider.Complete(ctx, req)
}

const (
	toolCallOpen  = "<tool_call>"
	toolCallClose = "</tool_call>"
)

// xmlStrategy prompts the model to express tool calls as
// <tool_call>{"name":...,"arguments":{...}}</tool_call> blocks and
// recovers them from the text stream. Text outside blocks streams
// through unchanged.
type xmlStrategy struct {
	provider Provider
}

func (s *xmlStrategy) complete(ctx context.Context, req *CompletionRequest) (<-chan *Chunk, error) {
	prompted := *req
	prompted.System = joinSections(req.System, renderToolPrompt(req.Tools))
	prompted.Tools = nil

	inner, err := s.provider.Complete(ctx, &prompted)
	if err != nil {
		return nil, err
	}

	out := make(chan *Chunk)
	go func() {
		defer close(out)
		p := &xmlParser{ctx: ctx, out: out}
		for chunk := range inner {
			ok := true
			switch {
			case chunk.Error != nil, chunk.Done:
				ok = p.flush() && emitChunk(ctx, out, chunk)
			case chunk.Text != "":
				ok = p.feed(chunk.Text)
			case chunk.ToolCall != nil:
				ok = emitChunk(ctx, out, chunk)
			}
			if !ok {
				return
			}
		}
	}()
	return out, nil
}

// xmlParser incrementally splits a text stream into plain text and
// tool-call blocks. It withholds any suffix that could be the start of
// a marker until the next feed resolves it. The methods report false
// when the consumer is gone and parsing should stop.
type xmlParser struct {
	ctx     context.Context
	out     chan<- *Chunk
	buf     strings.Builder
	inBlock bool
}

func (p *xmlParser) send(c *Chunk) bool {
	return emitChunk(p.ctx, p.out, c)
}

func (p *xmlParser) feed(text string) bool {
	p.buf.WriteString(text)
	for {
		s := p.buf.String()
		if p.inBlock {
			end := strings.Index(s, toolCallClose)
			if end < 0 {
				return true
			}
			if !p.emitToolCall(s[:end]) {
				return false
			}
			p.buf.Reset()
			p.buf.WriteString(s[end+len(toolCallClose):])
			p.inBlock = false
			continue
		}
		start := strings.Index(s, toolCallOpen)
		if start >= 0 {
			if start > 0 && !p.send(&Chunk{Text: s[:start]}) {
				return false
			}
			p.buf.Reset()
			p.buf.WriteString(s[start+len(toolCallOpen):])
			p.inBlock = true
			continue
		}
		// Emit everything except a tail that might be a partial marker.
		keep := partialMarkerLen(s, toolCallOpen)
		if emit := s[:len(s)-keep]; emit != "" {
			if !p.send(&Chunk{Text: emit}) {
				return false
			}
			p.buf.Reset()
			p.buf.WriteString(s[len(s)-keep:])
		}
		return true
	}
}

func (p *xmlParser) flush() bool {
	ok := true
	if p.inBlock {
		// Unterminated block at end of stream; surface it as text so
		// nothing silently vanishes.
		ok = p.send(&Chunk{Text: toolCallOpen + p.buf.String()})
	} else if p.buf.Len() > 0 {
		ok = p.send(&Chunk{Text: p.buf.String()})
	}
	p.buf.Reset()
	p.inBlock = false
	return ok
}

func (p *xmlParser) emitToolCall(body string) bool {
	var call struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &call); err != nil || call.Name == "" {
		// Malformed block; give the model its own text back.
		return p.send(&Chunk{Text: toolCallOpen + body + toolCallClose})
	}
	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	return p.send(&Chunk{ToolCall: &ToolCall{
		ID:    "xmlcall_" + uuid.NewString()[:8],
		Name:  call.Name,
		Input: args,
	}})
}

// partialMarkerLen returns the length of the longest suffix of s that
// is a proper prefix of marker.
func partialMarkerLen(s, marker string) int {
	max := len(marker) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, marker[:n]) {
			return n
		}
	}
	return 0
}

func renderToolPrompt(available []tools.Tool) string {
	if len(available) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("You have access to the following tools.\n\n")
	for _, t := range available {
		fmt.Fprintf(&b, "## %s\n%s\nParameters (JSON Schema): %s\n\n",
			t.Name(), t.Description(), string(t.Schema()))
	}
	b.WriteString("To call a tool, emit exactly one block per call:\n\n")
	b.WriteString(toolCallOpen + `{"name": "tool_name", "arguments": {...}}` + toolCallClose + "\n\n")
	b.WriteString("Emit no other text inside the block. " +
		"After the results come back you may call more tools or answer.")
	return b.String()
}

func joinSections(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
