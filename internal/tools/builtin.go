package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ShellTool runs a shell command and returns its combined output.
type ShellTool struct {
	// DefaultTimeout bounds commands that don't ask for one. Default 30s.
	DefaultTimeout time.Duration
	// MaxTimeout caps the per-call timeout_seconds parameter. Default 5m.
	MaxTimeout time.Duration
}

func (s *ShellTool) Name() string { return "run_shell" }

func (s *ShellTool) Description() string {
	return "Run a shell command on the gateway host and return its output. " +
		"Use for file inspection, system queries, and short scripts."
}

func (s *ShellTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "Shell command to run"},
			"timeout_seconds": {"type": "integer", "description": "Optional timeout, default 30"}
		},
		"required": ["command"]
	}`)
}

func (s *ShellTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var input struct {
		Command        string `json:"command"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return ErrorResult("Error: invalid arguments: %v", err), nil
	}
	if strings.TrimSpace(input.Command) == "" {
		return ErrorResult("Error: command is required"), nil
	}

	timeout := s.DefaultTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxTimeout := s.MaxTimeout
	if maxTimeout <= 0 {
		maxTimeout = 5 * time.Minute
	}
	if input.TimeoutSeconds > 0 {
		timeout = time.Duration(input.TimeoutSeconds) * time.Second
		if timeout > maxTimeout {
			timeout = maxTimeout
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", input.Command)
	out, err := cmd.CombinedOutput()
	output := string(out)

	if runCtx.Err() == context.DeadlineExceeded {
		return ErrorResult("Error: command timed out after %s\n%s", timeout, output), nil
	}
	if err != nil {
		if output == "" {
			output = err.Error()
		}
		return &Result{
			Content: fmt.Sprintf("%s\n[exit status: %v]", output, err),
			IsError: true,
		}, nil
	}
	if output == "" {
		output = "(no output)"
	}
	return &Result{Content: output}, nil
}

// SendFileTool reads a file from disk and attaches it to the response.
type SendFileTool struct {
	// MaxSize caps attachments. Default 10 MiB.
	MaxSize int64
}

func (s *SendFileTool) Name() string { return "send_file" }

func (s *SendFileTool) Description() string {
	return "Send a file from the gateway host to the user as an attachment."
}

func (s *SendFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Absolute path of the file to send"},
			"filename": {"type": "string", "description": "Optional name shown to the user"}
		},
		"required": ["path"]
	}`)
}

func (s *SendFileTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var input struct {
		Path     string `json:"path"`
		Filename string `json:"filename"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return ErrorResult("Error: invalid arguments: %v", err), nil
	}
	if input.Path == "" {
		return ErrorResult("Error: path is required"), nil
	}

	maxSize := s.MaxSize
	if maxSize <= 0 {
		maxSize = 10 << 20
	}

	info, err := os.Stat(input.Path)
	if err != nil {
		return ErrorResult("Error: %v", err), nil
	}
	if info.IsDir() {
		return ErrorResult("Error: %s is a directory", input.Path), nil
	}
	if info.Size() > maxSize {
		return ErrorResult("Error: file is %d bytes, limit is %d", info.Size(), maxSize), nil
	}

	data, err := os.ReadFile(input.Path)
	if err != nil {
		return ErrorResult("Error: %v", err), nil
	}

	name := input.Filename
	if name == "" {
		name = filepath.Base(input.Path)
	}
	return &Result{
		Content: fmt.Sprintf("Attached %s (%d bytes)", name, len(data)),
		Files:   []File{{Filename: name, Data: data}},
	}, nil
}

// TimeTool reports the current time, optionally in a named zone.
type TimeTool struct {
	// Now is a test seam; defaults to time.Now.
	Now func() time.Time
}

func (t *TimeTool) Name() string { return "get_time" }

func (t *TimeTool) Description() string {
	return "Get the current date and time, optionally in a specific IANA timezone."
}

func (t *TimeTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"timezone": {"type": "string", "description": "IANA zone name, e.g. America/New_York"}
		}
	}`)
}

func (t *TimeTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var input struct {
		Timezone string `json:"timezone"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &input); err != nil {
			return ErrorResult("Error: invalid arguments: %v", err), nil
		}
	}

	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	current := now()

	if input.Timezone != "" {
		loc, err := time.LoadLocation(input.Timezone)
		if err != nil {
			return ErrorResult("Error: unknown timezone %q", input.Timezone), nil
		}
		current = current.In(loc)
	}
	return &Result{Content: current.Format("Monday, January 2, 2006 15:04:05 MST")}, nil
}

// RegisterBuiltins adds the standard tool set to a registry.
func RegisterBuiltins(r *Registry) error {
	for _, t := range []Tool{&ShellTool{}, &SendFileTool{}, &TimeTool{}} {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
