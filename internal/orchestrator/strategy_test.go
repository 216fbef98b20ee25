package orchestrator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clara-ai/clara/internal/tools"
)

func TestParseToolCallMode(t *testing.T) {
	cases := []struct {
		in      string
		want    ToolCallMode
		wantErr bool
	}{
		{"", ModeNative, false},
		{"native", ModeNative, false},
		{"NATIVE", ModeNative, false},
		{"xml", ModeXML, false},
		{"langchain", ModeLangchain, false},
		{" xml ", ModeXML, false},
		{"grpc", ModeNative, true},
	}
	for _, tc := range cases {
		got, err := ParseToolCallMode(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

// runParser feeds pieces through an xmlParser and returns the emitted
// chunks after flush.
func runParser(pieces ...string) []*Chunk {
	out := make(chan *Chunk, 64)
	p := &xmlParser{ctx: context.Background(), out: out}
	for _, piece := range pieces {
		p.feed(piece)
	}
	p.flush()
	close(out)

	var got []*Chunk
	for c := range out {
		got = append(got, c)
	}
	return got
}

func joinText(chunks []*Chunk) string {
	var s string
	for _, c := range chunks {
		s += c.Text
	}
	return s
}

func toolCallsOf(chunks []*Chunk) []*ToolCall {
	var calls []*ToolCall
	for _, c := range chunks {
		if c.ToolCall != nil {
			calls = append(calls, c.ToolCall)
		}
	}
	return calls
}

func TestXMLParserPlainText(t *testing.T) {
	got := runParser("just ", "plain ", "text")
	assert.Equal(t, "just plain text", joinText(got))
	assert.Empty(t, toolCallsOf(got))
}

func TestXMLParserExtractsToolCall(t *testing.T) {
	got := runParser(`before <tool_call>{"name":"lookup","arguments":{"q":"x"}}</tool_call> after`)

	assert.Equal(t, "before  after", joinText(got))
	calls := toolCallsOf(got)
	require.Len(t, calls, 1)
	assert.Equal(t, "lookup", calls[0].Name)
	assert.JSONEq(t, `{"q":"x"}`, string(calls[0].Input))
}

func TestXMLParserMarkerSplitAcrossChunks(t *testing.T) {
	got := runParser(
		"checking <tool",
		`_call>{"name":"lookup","argum`,
		`ents":{}}</tool_`,
		"call> done",
	)

	assert.Equal(t, "checking  done", joinText(got))
	calls := toolCallsOf(got)
	require.Len(t, calls, 1)
	assert.Equal(t, "lookup", calls[0].Name)
}

func TestXMLParserMultipleCalls(t *testing.T) {
	got := runParser(
		`<tool_call>{"name":"a"}</tool_call><tool_call>{"name":"b","arguments":{"k":1}}</tool_call>`,
	)
	calls := toolCallsOf(got)
	require.Len(t, calls, 2)
	assert.Equal(t, "a", calls[0].Name)
	assert.JSONEq(t, `{}`, string(calls[0].Input))
	assert.Equal(t, "b", calls[1].Name)
}

func TestXMLParserMalformedBlockSurfacesAsText(t *testing.T) {
	got := runParser(`<tool_call>not json at all</tool_call>`)
	assert.Empty(t, toolCallsOf(got))
	assert.Contains(t, joinText(got), "not json at all")
}

func TestXMLParserUnterminatedBlockFlushes(t *testing.T) {
	got := runParser(`tail <tool_call>{"name":"x"`)
	assert.Empty(t, toolCallsOf(got))
	assert.Contains(t, joinText(got), `<tool_call>{"name":"x"`)
}

func TestPartialMarkerLen(t *testing.T) {
	assert.Equal(t, 0, partialMarkerLen("hello", "<tool_call>"))
	assert.Equal(t, 1, partialMarkerLen("hello<", "<tool_call>"))
	assert.Equal(t, 5, partialMarkerLen("x<tool", "<tool_call>"))
	assert.Equal(t, 10, partialMarkerLen("<tool_call", "<tool_call>"))
	// A complete marker is not partial.
	assert.Equal(t, 0, partialMarkerLen("<tool_call>", "<tool_call>"))
}

func TestRenderToolPrompt(t *testing.T) {
	assert.Empty(t, renderToolPrompt(nil))

	reg := []*staticTool{{name: "alpha"}, {name: "beta"}}
	prompt := renderToolPrompt([]tools.Tool{reg[0], reg[1]})
	assert.Contains(t, prompt, "## alpha")
	assert.Contains(t, prompt, "## beta")
	assert.Contains(t, prompt, toolCallOpen)
}

func TestXMLStrategyWrapsProvider(t *testing.T) {
	p := &scriptedProvider{turns: [][]*Chunk{
		{
			{Text: `Looking. <tool_call>{"name":"lookup","arguments":{}}`},
			{Text: `</tool_call>`},
			{Done: true},
		},
	}}
	s := &xmlStrategy{provider: p}

	tool := &staticTool{name: "lookup"}
	ch, err := s.complete(context.Background(), &CompletionRequest{
		Messages: []Message{{Role: "user", Content: "go"}},
		Tools:    []tools.Tool{tool},
	})
	require.NoError(t, err)

	var got []*Chunk
	for c := range ch {
		got = append(got, c)
	}
	calls := toolCallsOf(got)
	require.Len(t, calls, 1)
	assert.Equal(t, "lookup", calls[0].Name)
	assert.Equal(t, "Looking. ", joinText(got))

	// The provider saw a tool prompt, not native tool definitions.
	require.Len(t, p.requests, 1)
	assert.Empty(t, p.requests[0].Tools)
	assert.Contains(t, p.requests[0].System, "## lookup")
}

func TestXMLCallGetsGeneratedID(t *testing.T) {
	got := runParser(`<tool_call>{"name":"x","arguments":{}}</tool_call>`)
	calls := toolCallsOf(got)
	require.Len(t, calls, 1)
	assert.NotEmpty(t, calls[0].ID)
	var args map[string]any
	require.NoError(t, json.Unmarshal(calls[0].Input, &args))
}
