// Package hooks executes configured side effects when gateway events
// fire. A hook is either a shell command run with a CLARA_* environment
// describing the event, or an in-process callback. Hooks are usually
// declared in YAML and attached to the event bus at startup.
package hooks

import (
	"context"
	"time"

	"github.com/clara-ai/clara/internal/events"
)

// Kind distinguishes how a hook runs.
type Kind string

const (
	// KindShell runs a shell command.
	KindShell Kind = "shell"
	// KindCallback invokes an in-process function.
	KindCallback Kind = "callback"
)

// Callback is an in-process hook body.
type Callback func(ctx context.Context, event *events.Event) error

// Hook is one configured reaction to an event type. Event may be a
// concrete type or the "*" wildcard.
type Hook struct {
	Name        string
	Event       string
	Kind        Kind
	Command     string        // KindShell
	Callback    Callback      // KindCallback
	Timeout     time.Duration // shell hooks; 0 means DefaultTimeout
	WorkingDir  string
	Priority    events.Priority
	Enabled     bool
	Description string
}

// Result records one hook execution.
type Result struct {
	HookName  string        `json:"hook_name"`
	EventType string        `json:"event_type"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Output    string        `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
}
