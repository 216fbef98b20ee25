package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/clara-ai/clara/internal/events"
	"github.com/clara-ai/clara/internal/infra"
)

// DefaultTimeout bounds shell hooks that don't set one.
const DefaultTimeout = 30 * time.Second

// DefaultHistorySize bounds the retained hook results.
const DefaultHistorySize = 50

// ErrDuplicateHook is returned by Add for an already-registered name.
var ErrDuplicateHook = errors.New("hook already registered")

// Manager attaches hooks to the event bus and records their outcomes.
// Hook failures land in the result history and the log; they never
// propagate to the component that emitted the event.
type Manager struct {
	mu      sync.Mutex
	emitter *events.Emitter
	regIDs  map[string]string // hook name -> emitter registration
	hooks   map[string]*Hook
	history *infra.Ring[Result]
	logger  *slog.Logger
}

// NewManager creates a hook manager bound to an emitter.
func NewManager(emitter *events.Emitter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		emitter: emitter,
		regIDs:  make(map[string]string),
		hooks:   make(map[string]*Hook),
		history: infra.NewRing[Result](DefaultHistorySize),
		logger:  logger.With("component", "hooks"),
	}
}

// Add registers a hook. Disabled hooks are recorded but never attached
// to the bus.
func (m *Manager) Add(hook *Hook) error {
	if strings.TrimSpace(hook.Name) == "" {
		return errors.New("hook name required")
	}
	if hook.Event == "" {
		return fmt.Errorf("hook %s: event required", hook.Name)
	}
	switch hook.Kind {
	case KindShell:
		if strings.TrimSpace(hook.Command) == "" {
			return fmt.Errorf("hook %s: shell hook requires command", hook.Name)
		}
	case KindCallback:
		if hook.Callback == nil {
			return fmt.Errorf("hook %s: callback hook requires callback", hook.Name)
		}
	default:
		return fmt.Errorf("hook %s: unknown kind %q", hook.Name, hook.Kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hooks[hook.Name]; ok {
		return fmt.Errorf("%s: %w", hook.Name, ErrDuplicateHook)
	}
	m.hooks[hook.Name] = hook

	if !hook.Enabled {
		m.logger.Debug("hook registered disabled", "hook", hook.Name, "event", hook.Event)
		return nil
	}

	id := m.emitter.On(hook.Event, m.handlerFor(hook),
		events.WithName(hook.Name),
		events.WithPriority(hook.Priority))
	m.regIDs[hook.Name] = id
	m.logger.Info("hook registered",
		"hook", hook.Name, "event", hook.Event, "kind", hook.Kind)
	return nil
}

// Remove detaches and forgets a hook by name.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.hooks[name]
	if !ok {
		return false
	}
	delete(m.hooks, name)
	if id, attached := m.regIDs[name]; attached {
		m.emitter.Off(id)
		delete(m.regIDs, name)
	}
	return true
}

// Hooks returns a snapshot of registered hooks.
func (m *Manager) Hooks() []Hook {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Hook, 0, len(m.hooks))
	for _, h := range m.hooks {
		out = append(out, *h)
	}
	return out
}

// History returns up to n recent hook results, oldest first.
func (m *Manager) History(n int) []Result {
	return m.history.Last(n)
}

func (m *Manager) handlerFor(hook *Hook) events.Handler {
	return func(ctx context.Context, event *events.Event) error {
		start := time.Now()
		var (
			output string
			err    error
		)
		switch hook.Kind {
		case KindShell:
			output, err = m.runShell(ctx, hook, event)
		case KindCallback:
			err = hook.Callback(ctx, event)
		}

		result := Result{
			HookName:  hook.Name,
			EventType: string(event.Type),
			StartedAt: start,
			Duration:  time.Since(start),
			Output:    output,
		}
		if err != nil {
			result.Error = err.Error()
			m.logger.Warn("hook failed",
				"hook", hook.Name, "event", event.Type, "error", err)
		} else {
			m.logger.Debug("hook ran",
				"hook", hook.Name, "event", event.Type, "duration", result.Duration)
		}
		m.history.Push(result)
		return err
	}
}

// runShell executes the hook command with the event exported as
// CLARA_* environment variables. ${VAR} references in the command
// resolve against that same environment before the shell sees it.
func (m *Manager) runShell(ctx context.Context, hook *Hook, event *events.Event) (string, error) {
	timeout := hook.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	env := EventEnv(event)
	command := os.Expand(hook.Command, func(key string) string {
		if v, ok := env[key]; ok {
			return v
		}
		return os.Getenv(key)
	})

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = hook.WorkingDir
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if runCtx.Err() == context.DeadlineExceeded {
		return output, fmt.Errorf("hook timed out after %s", timeout)
	}
	if err != nil {
		return output, fmt.Errorf("hook command failed: %w", err)
	}
	return output, nil
}

// EventEnv renders an event as CLARA_* environment variables: the
// event type and timestamp, correlation fields, the full data payload
// as JSON, and scalar data entries individually.
func EventEnv(event *events.Event) map[string]string {
	env := map[string]string{
		"CLARA_EVENT_TYPE": string(event.Type),
		"CLARA_TIMESTAMP":  event.Timestamp.UTC().Format(time.RFC3339),
	}
	if event.NodeID != "" {
		env["CLARA_NODE_ID"] = event.NodeID
	}
	if event.Platform != "" {
		env["CLARA_PLATFORM"] = event.Platform
	}
	if event.UserID != "" {
		env["CLARA_USER_ID"] = event.UserID
	}
	if event.ChannelID != "" {
		env["CLARA_CHANNEL_ID"] = event.ChannelID
	}
	if event.RequestID != "" {
		env["CLARA_REQUEST_ID"] = event.RequestID
	}

	if len(event.Data) > 0 {
		if blob, err := json.Marshal(event.Data); err == nil {
			env["CLARA_EVENT_DATA"] = string(blob)
		}
		for key, value := range event.Data {
			if s, ok := scalarString(value); ok {
				env["CLARA_"+envKey(key)] = s
			}
		}
	}
	return env
}

func scalarString(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	default:
		return "", false
	}
}

func envKey(key string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(key) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}
