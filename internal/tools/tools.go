// Package tools defines the tool surface the LLM can call during a
// conversation: the Tool interface, a registry, and a bounded executor.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Tool is one callable capability exposed to the model.
type Tool interface {
	// Name returns the tool name for function calling. Must be a valid
	// function name (alphanumeric, underscores).
	Name() string

	// Description tells the model what the tool does and when to use it.
	Description() string

	// Schema returns the JSON Schema for the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool. Failures the model should see go in the
	// Result with IsError set; a returned error means the execution
	// machinery itself broke.
	Execute(ctx context.Context, params json.RawMessage) (*Result, error)
}

// Result is a tool's output.
type Result struct {
	// Content is the text fed back to the model.
	Content string `json:"content"`

	// IsError marks failure results the model should recover from.
	IsError bool `json:"is_error,omitempty"`

	// Files are artifacts to deliver to the user alongside the
	// response (screenshots, generated documents).
	Files []File `json:"files,omitempty"`
}

// File is an artifact produced by a tool.
type File struct {
	Filename  string `json:"filename"`
	MediaType string `json:"media_type,omitempty"`
	Data      []byte `json:"data,omitempty"`
}

// ErrorResult builds a failure result the model can see and react to.
func ErrorResult(format string, args ...any) *Result {
	return &Result{Content: fmt.Sprintf(format, args...), IsError: true}
}

// ErrDuplicateTool indicates a name collision at registration.
var ErrDuplicateTool = errors.New("tool already registered")

// Registry holds the tools available to the orchestrator.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Names are unique.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("%s: %w", t.Name(), ErrDuplicateTool)
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools sorted by name, for stable prompt rendering.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
