package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clara-ai/clara/internal/tools"
)

// scriptedProvider replays canned chunk sequences, one per Complete
// call, repeating the last turn when the script runs out.
type scriptedProvider struct {
	turns    [][]*Chunk
	requests []*CompletionRequest
	tools    bool
}

func (f *scriptedProvider) Name() string        { return "scripted" }
func (f *scriptedProvider) SupportsTools() bool { return f.tools }

func (f *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *Chunk, error) {
	f.requests = append(f.requests, req)
	idx := len(f.requests) - 1
	if idx >= len(f.turns) {
		idx = len(f.turns) - 1
	}
	turn := f.turns[idx]

	ch := make(chan *Chunk)
	go func() {
		defer close(ch)
		for _, c := range turn {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

type staticTool struct {
	name   string
	result *tools.Result
	calls  int
}

func (s *staticTool) Name() string            { return s.name }
func (s *staticTool) Description() string     { return "static test tool" }
func (s *staticTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (s *staticTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	s.calls++
	return s.result, nil
}

func text(parts ...string) []*Chunk {
	var out []*Chunk
	for _, p := range parts {
		out = append(out, &Chunk{Text: p})
	}
	return append(out, &Chunk{Done: true})
}

func newTestOrchestrator(t *testing.T, p Provider, reg *tools.Registry, mutate ...func(*Config)) *Orchestrator {
	t.Helper()
	if reg == nil {
		reg = tools.NewRegistry()
	}
	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	exec := tools.NewExecutor(reg, 2, 0, nil, nil)
	o, err := New(p, reg, exec, cfg, nil, nil)
	require.NoError(t, err)
	return o
}

func collect(t *testing.T, events <-chan *Event) []*Event {
	t.Helper()
	var out []*Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func finalOf(t *testing.T, evs []*Event) *Event {
	t.Helper()
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	require.Equal(t, EventComplete, last.Kind)
	return last
}

func TestPlainTextResponse(t *testing.T) {
	p := &scriptedProvider{tools: true, turns: [][]*Chunk{text("Hello", ", world")}}
	o := newTestOrchestrator(t, p, nil)

	evs := collect(t, o.Generate(context.Background(), &Request{
		RequestID: "r1",
		Messages:  []Message{{Role: "user", Content: "hi"}},
	}))

	var chunks []string
	for _, ev := range evs {
		if ev.Kind == EventChunk {
			chunks = append(chunks, ev.Text)
		}
	}
	assert.Equal(t, []string{"Hello", ", world"}, chunks)

	final := finalOf(t, evs)
	assert.Equal(t, "Hello, world", final.FinalText)
	assert.Zero(t, final.ToolCount)
}

func TestAccumulatedGrows(t *testing.T) {
	p := &scriptedProvider{tools: true, turns: [][]*Chunk{text("a", "b", "c")}}
	o := newTestOrchestrator(t, p, nil)

	evs := collect(t, o.Generate(context.Background(), &Request{
		RequestID: "r1", Messages: []Message{{Role: "user", Content: "hi"}},
	}))

	var acc []string
	for _, ev := range evs {
		if ev.Kind == EventChunk {
			acc = append(acc, ev.Accumulated)
		}
	}
	assert.Equal(t, []string{"a", "ab", "abc"}, acc)
}

func TestToolLoop(t *testing.T) {
	reg := tools.NewRegistry()
	tool := &staticTool{name: "lookup", result: &tools.Result{Content: "42"}}
	require.NoError(t, reg.Register(tool))

	p := &scriptedProvider{tools: true, turns: [][]*Chunk{
		{
			{Text: "Let me check."},
			{ToolCall: &ToolCall{ID: "t1", Name: "lookup", Input: json.RawMessage(`{"q":"x"}`)}},
			{Done: true},
		},
		text("The answer is 42."),
	}}
	o := newTestOrchestrator(t, p, reg)

	evs := collect(t, o.Generate(context.Background(), &Request{
		RequestID: "r1", Messages: []Message{{Role: "user", Content: "what is x?"}},
	}))

	var kinds []EventKind
	for _, ev := range evs {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, EventToolStart)
	assert.Contains(t, kinds, EventToolResult)
	assert.Equal(t, 1, tool.calls)

	final := finalOf(t, evs)
	assert.Equal(t, 1, final.ToolCount)
	assert.Contains(t, final.FinalText, "The answer is 42.")

	// The second provider call must carry the tool exchange.
	require.Len(t, p.requests, 2)
	second := p.requests[1].Messages
	var sawCall, sawResult bool
	for _, msg := range second {
		if len(msg.ToolCalls) > 0 {
			sawCall = true
		}
		for _, res := range msg.ToolResults {
			if res.Content == "42" {
				sawResult = true
			}
		}
	}
	assert.True(t, sawCall, "assistant tool call recorded in conversation")
	assert.True(t, sawResult, "tool result fed back to the model")
}

func TestToolFilesCollected(t *testing.T) {
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(&staticTool{
		name: "grab",
		result: &tools.Result{
			Content: "attached",
			Files:   []tools.File{{Filename: "out.txt", Data: []byte("data")}},
		},
	}))

	p := &scriptedProvider{tools: true, turns: [][]*Chunk{
		{
			{ToolCall: &ToolCall{ID: "t1", Name: "grab", Input: json.RawMessage(`{}`)}},
			{Done: true},
		},
		text("done"),
	}}
	o := newTestOrchestrator(t, p, reg)

	evs := collect(t, o.Generate(context.Background(), &Request{
		RequestID: "r1", Messages: []Message{{Role: "user", Content: "grab it"}},
	}))

	final := finalOf(t, evs)
	require.Len(t, final.Files, 1)
	assert.Equal(t, "out.txt", final.Files[0].Filename)
}

func TestAutoContinue(t *testing.T) {
	p := &scriptedProvider{tools: true, turns: [][]*Chunk{
		text("I found the file. Shall I proceed with the changes?"),
		text("Done, all changes applied."),
	}}
	o := newTestOrchestrator(t, p, nil)

	evs := collect(t, o.Generate(context.Background(), &Request{
		RequestID: "r1", Messages: []Message{{Role: "user", Content: "fix it"}},
	}))

	final := finalOf(t, evs)
	assert.Equal(t,
		"I found the file. Shall I proceed with the changes?\n\nDone, all changes applied.",
		final.FinalText)

	require.Len(t, p.requests, 2)
	last := p.requests[1].Messages[len(p.requests[1].Messages)-1]
	assert.Equal(t, "user", last.Role)
	assert.Equal(t, "Yes, please proceed.", last.Content)
}

func TestSystemPromptCarriesToolConventions(t *testing.T) {
	p := &scriptedProvider{tools: true, turns: [][]*Chunk{text("ok")}}
	o := newTestOrchestrator(t, p, nil, func(c *Config) { c.System = "You are Clara." })

	collect(t, o.Generate(context.Background(), &Request{
		RequestID: "r1", Messages: []Message{{Role: "user", Content: "hi"}},
	}))

	require.Len(t, p.requests, 1)
	sys := p.requests[0].System
	assert.True(t, strings.HasPrefix(sys, toolConventions),
		"conventions lead the system prompt")
	assert.Contains(t, sys, "send it as a file")
	assert.Contains(t, sys, "Do not ask for permission")
	assert.Contains(t, sys, "You are Clara.")
}

func TestSystemPromptWithoutConfiguredPrompt(t *testing.T) {
	p := &scriptedProvider{tools: true, turns: [][]*Chunk{text("ok")}}
	o := newTestOrchestrator(t, p, nil)

	collect(t, o.Generate(context.Background(), &Request{
		RequestID: "r1", Messages: []Message{{Role: "user", Content: "hi"}},
	}))

	require.Len(t, p.requests, 1)
	assert.Equal(t, toolConventions, p.requests[0].System)
}

func TestAutoContinueCapped(t *testing.T) {
	p := &scriptedProvider{tools: true, turns: [][]*Chunk{
		text("Should I continue?"),
	}}
	o := newTestOrchestrator(t, p, nil, func(c *Config) { c.MaxAutoContinues = 2 })

	evs := collect(t, o.Generate(context.Background(), &Request{
		RequestID: "r1", Messages: []Message{{Role: "user", Content: "go"}},
	}))

	final := finalOf(t, evs)
	// Initial turn plus two auto-continues, then it stops asking.
	assert.Len(t, p.requests, 3)
	assert.Equal(t,
		"Should I continue?\n\nShould I continue?\n\nShould I continue?",
		final.FinalText)
}

func TestIterationBoundSummarizes(t *testing.T) {
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(&staticTool{name: "spin", result: &tools.Result{Content: "ok"}}))

	toolTurn := []*Chunk{
		{ToolCall: &ToolCall{ID: "t", Name: "spin", Input: json.RawMessage(`{}`)}},
		{Done: true},
	}
	p := &scriptedProvider{tools: true, turns: [][]*Chunk{
		toolTurn,
		toolTurn,
		text("Summary: I ran out of steps."),
	}}
	o := newTestOrchestrator(t, p, reg, func(c *Config) { c.MaxIterations = 2 })

	evs := collect(t, o.Generate(context.Background(), &Request{
		RequestID: "r1", Messages: []Message{{Role: "user", Content: "loop"}},
	}))

	final := finalOf(t, evs)
	assert.Contains(t, final.FinalText, "Summary: I ran out of steps.")
	assert.Equal(t, 2, final.ToolCount)

	// The summary call carries no tools and a wrap-up instruction.
	require.Len(t, p.requests, 3)
	summaryReq := p.requests[2]
	assert.Empty(t, summaryReq.Tools)
	lastMsg := summaryReq.Messages[len(summaryReq.Messages)-1]
	assert.Contains(t, lastMsg.Content, "Do not call any more tools")
}

func TestProviderErrorEmitsErrorEvent(t *testing.T) {
	p := &scriptedProvider{tools: true, turns: [][]*Chunk{
		{{Error: errors.New("upstream exploded"), Done: true}},
	}}
	o := newTestOrchestrator(t, p, nil)

	evs := collect(t, o.Generate(context.Background(), &Request{
		RequestID: "r1", Messages: []Message{{Role: "user", Content: "hi"}},
	}))

	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	require.Equal(t, EventError, last.Kind)
	assert.ErrorContains(t, last.Err, "upstream exploded")
}

func TestCancellationClosesWithoutTerminalEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	blocking := make(chan struct{})

	p := &blockingProvider{release: blocking}
	o := newTestOrchestrator(t, p, nil)

	events := o.Generate(ctx, &Request{
		RequestID: "r1", Messages: []Message{{Role: "user", Content: "hi"}},
	})
	cancel()
	close(blocking)

	evs := []*Event{}
	for ev := range events {
		evs = append(evs, ev)
	}
	for _, ev := range evs {
		assert.NotEqual(t, EventComplete, ev.Kind)
	}
}

type blockingProvider struct {
	release chan struct{}
}

func (b *blockingProvider) Name() string        { return "blocking" }
func (b *blockingProvider) SupportsTools() bool { return true }

func (b *blockingProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *Chunk, error) {
	ch := make(chan *Chunk)
	go func() {
		defer close(ch)
		select {
		case <-ctx.Done():
		case <-b.release:
		}
	}()
	return ch, nil
}

func TestSeeksPermission(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"Shall I proceed with the migration?", true},
		{"Do you want me to delete these files?", true},
		{"Would you like a summary instead?", true},
		{"I can do that. Should I continue?", true},
		{"May I run the deployment now?", true},
		{"All done. The build passed.", false},
		{"What is your favorite color?", false},
		{"Here are the results:\n1. foo\n2. bar", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, seeksPermission(tc.text), tc.text)
	}
}

func TestNewRejectsMissingBackend(t *testing.T) {
	reg := tools.NewRegistry()
	exec := tools.NewExecutor(reg, 1, 0, nil, nil)
	_, err := New(nil, reg, exec, DefaultConfig(), nil, nil)
	assert.ErrorIs(t, err, ErrNoProvider)
}
