package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoTool struct {
	name string
	fn   func(ctx context.Context, params json.RawMessage) (*Result, error)
}

func (e *echoTool) Name() string             { return e.name }
func (e *echoTool) Description() string      { return "test tool" }
func (e *echoTool) Schema() json.RawMessage  { return json.RawMessage(`{"type":"object"}`) }
func (e *echoTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	return e.fn(ctx, params)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	tool := &echoTool{name: "echo"}
	require.NoError(t, r.Register(tool))
	assert.ErrorIs(t, r.Register(tool), ErrDuplicateTool)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(&echoTool{name: name}))
	}
	var names []string
	for _, tool := range r.List() {
		names = append(names, tool.Name())
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names)
}

func TestExecutorUnknownTool(t *testing.T) {
	e := NewExecutor(NewRegistry(), 2, 0, nil, nil)
	res := e.Run(context.Background(), "nonexistent", nil)
	assert.True(t, res.IsError)
	assert.Equal(t, "Error: unknown tool nonexistent", res.Content)
}

func TestExecutorPanicBecomesErrorResult(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&echoTool{
		name: "bomb",
		fn: func(ctx context.Context, params json.RawMessage) (*Result, error) {
			panic("kaboom")
		},
	}))
	e := NewExecutor(r, 2, 0, nil, nil)
	res := e.Run(context.Background(), "bomb", nil)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "kaboom")
}

func TestExecutorTruncatesOutput(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&echoTool{
		name: "bigmouth",
		fn: func(ctx context.Context, params json.RawMessage) (*Result, error) {
			return &Result{Content: strings.Repeat("x", 200)}, nil
		},
	}))
	e := NewExecutor(r, 2, 100, nil, nil)
	res := e.Run(context.Background(), "bigmouth", nil)
	assert.Contains(t, res.Content, "[output truncated: 100 of 200 bytes shown]")
	assert.True(t, strings.HasPrefix(res.Content, strings.Repeat("x", 100)))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 100))

	long := strings.Repeat("a", 60)
	got := Truncate(long, 50)
	assert.Contains(t, got, "[output truncated: 50 of 60 bytes shown]")

	// Never splits a multibyte rune.
	multi := strings.Repeat("é", 30) // 2 bytes each
	got = Truncate(multi, 31)
	assert.True(t, strings.HasSuffix(strings.SplitN(got, "\n", 2)[0], "é"))
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "a b c", Preview("a\n b\t\tc", 100))
	long := strings.Repeat("word ", 100)
	got := Preview(long, 50)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.LessOrEqual(t, len(got), 53)
}

func TestShellTool(t *testing.T) {
	tool := &ShellTool{}

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"command":"echo hello"}`))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "hello\n", res.Content)

	res, err = tool.Execute(context.Background(), json.RawMessage(`{"command":"exit 3"}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "exit status")

	res, err = tool.Execute(context.Background(), json.RawMessage(`{"command":""}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestShellToolTimeout(t *testing.T) {
	tool := &ShellTool{DefaultTimeout: 100 * time.Millisecond}
	start := time.Now()
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"command":"sleep 5"}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "timed out")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSendFileTool(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.txt")
	require.NoError(t, os.WriteFile(path, []byte("contents"), 0o644))

	tool := &SendFileTool{}
	res, err := tool.Execute(context.Background(),
		json.RawMessage(fmt.Sprintf(`{"path":%q}`, path)))
	require.NoError(t, err)
	require.Len(t, res.Files, 1)
	assert.Equal(t, "report.txt", res.Files[0].Filename)
	assert.Equal(t, []byte("contents"), res.Files[0].Data)

	res, err = tool.Execute(context.Background(), json.RawMessage(`{"path":"/no/such/file"}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	small := &SendFileTool{MaxSize: 2}
	res, err = small.Execute(context.Background(),
		json.RawMessage(fmt.Sprintf(`{"path":%q}`, path)))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "limit")
}

func TestTimeTool(t *testing.T) {
	fixed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tool := &TimeTool{Now: func() time.Time { return fixed }}

	res, err := tool.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Contains(t, res.Content, "June 1, 2024")

	res, err = tool.Execute(context.Background(), json.RawMessage(`{"timezone":"nowhere/bogus"}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestRegisterBuiltins(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r))
	for _, name := range []string{"run_shell", "send_file", "get_time"} {
		_, ok := r.Get(name)
		assert.True(t, ok, name)
	}
}
