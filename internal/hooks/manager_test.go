package hooks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clara-ai/clara/internal/events"
)

func newManager(t *testing.T) (*Manager, *events.Emitter) {
	t.Helper()
	emitter := events.NewEmitter(0, nil)
	return NewManager(emitter, nil), emitter
}

func TestAddValidation(t *testing.T) {
	m, _ := newManager(t)

	cases := []struct {
		name    string
		hook    *Hook
		wantErr string
	}{
		{"no name", &Hook{Event: "x", Kind: KindShell, Command: "true"}, "name required"},
		{"no event", &Hook{Name: "h", Kind: KindShell, Command: "true"}, "event required"},
		{"shell without command", &Hook{Name: "h", Event: "x", Kind: KindShell}, "requires command"},
		{"callback without callback", &Hook{Name: "h", Event: "x", Kind: KindCallback}, "requires callback"},
		{"unknown kind", &Hook{Name: "h", Event: "x", Kind: "python"}, "unknown kind"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := m.Add(tc.hook)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestAddDuplicate(t *testing.T) {
	m, _ := newManager(t)
	hook := &Hook{Name: "h", Event: "x", Kind: KindShell, Command: "true", Enabled: true}
	require.NoError(t, m.Add(hook))
	assert.ErrorIs(t, m.Add(hook), ErrDuplicateHook)
}

func TestCallbackHookFires(t *testing.T) {
	m, emitter := newManager(t)
	var calls atomic.Int32
	require.NoError(t, m.Add(&Hook{
		Name: "counter", Event: string(events.EventGatewayStartup),
		Kind: KindCallback, Enabled: true,
		Callback: func(ctx context.Context, event *events.Event) error {
			calls.Add(1)
			return nil
		},
	}))

	emitter.Emit(context.Background(), events.New(events.EventGatewayStartup))
	emitter.Emit(context.Background(), events.New(events.EventGatewayShutdown))

	assert.Equal(t, int32(1), calls.Load())
	history := m.History(10)
	require.Len(t, history, 1)
	assert.Equal(t, "counter", history[0].HookName)
	assert.Equal(t, string(events.EventGatewayStartup), history[0].EventType)
	assert.Empty(t, history[0].Error)
}

func TestWildcardHook(t *testing.T) {
	m, emitter := newManager(t)
	var calls atomic.Int32
	require.NoError(t, m.Add(&Hook{
		Name: "all", Event: events.Wildcard, Kind: KindCallback, Enabled: true,
		Callback: func(ctx context.Context, event *events.Event) error {
			calls.Add(1)
			return nil
		},
	}))

	emitter.Emit(context.Background(), events.New(events.EventGatewayStartup))
	emitter.Emit(context.Background(), events.New(events.EventMessageReceived))

	assert.Equal(t, int32(2), calls.Load())
}

func TestDisabledHookNeverAttaches(t *testing.T) {
	m, emitter := newManager(t)
	var ran atomic.Bool
	require.NoError(t, m.Add(&Hook{
		Name: "off", Event: string(events.EventGatewayStartup),
		Kind: KindCallback, Enabled: false,
		Callback: func(ctx context.Context, event *events.Event) error {
			ran.Store(true)
			return nil
		},
	}))

	assert.Equal(t, 0, emitter.HandlerCount(string(events.EventGatewayStartup)))
	emitter.Emit(context.Background(), events.New(events.EventGatewayStartup))
	assert.False(t, ran.Load())
	assert.Empty(t, m.History(10))
	assert.Len(t, m.Hooks(), 1)
}

func TestRemoveDetaches(t *testing.T) {
	m, emitter := newManager(t)
	require.NoError(t, m.Add(&Hook{
		Name: "h", Event: "custom.event", Kind: KindShell, Command: "true", Enabled: true,
	}))
	require.Equal(t, 1, emitter.HandlerCount("custom.event"))

	assert.True(t, m.Remove("h"))
	assert.Equal(t, 0, emitter.HandlerCount("custom.event"))
	assert.False(t, m.Remove("h"))
}

func TestShellHookEnvironment(t *testing.T) {
	m, emitter := newManager(t)
	require.NoError(t, m.Add(&Hook{
		Name: "env-dump", Event: "custom.event", Kind: KindShell, Enabled: true,
		Command: `echo "$CLARA_EVENT_TYPE|$CLARA_USER_ID|$CLARA_TASK_NAME|$CLARA_COUNT"`,
	}))

	event := events.New("custom.event").
		WithData("task_name", "cleanup").
		WithData("count", 3)
	event.UserID = "u7"
	emitter.Emit(context.Background(), event)

	history := m.History(1)
	require.Len(t, history, 1)
	assert.Empty(t, history[0].Error)
	assert.Equal(t, "custom.event|u7|cleanup|3", history[0].Output)
}

func TestShellHookCommandSubstitution(t *testing.T) {
	m, emitter := newManager(t)
	require.NoError(t, m.Add(&Hook{
		Name: "subst", Event: "custom.event", Kind: KindShell, Enabled: true,
		Command: "echo hook saw ${CLARA_PLATFORM}",
	}))

	event := events.New("custom.event")
	event.Platform = "discord"
	emitter.Emit(context.Background(), event)

	history := m.History(1)
	require.Len(t, history, 1)
	assert.Equal(t, "hook saw discord", history[0].Output)
}

func TestShellHookFailureRecorded(t *testing.T) {
	m, emitter := newManager(t)
	require.NoError(t, m.Add(&Hook{
		Name: "broken", Event: "custom.event", Kind: KindShell, Enabled: true,
		Command: "echo partial; exit 2",
	}))

	emitter.Emit(context.Background(), events.New("custom.event"))

	history := m.History(1)
	require.Len(t, history, 1)
	assert.Contains(t, history[0].Error, "exit status 2")
	assert.Equal(t, "partial", history[0].Output)
}

func TestShellHookTimeout(t *testing.T) {
	m, emitter := newManager(t)
	require.NoError(t, m.Add(&Hook{
		Name: "slow", Event: "custom.event", Kind: KindShell, Enabled: true,
		Command: "sleep 5", Timeout: 50 * time.Millisecond,
	}))

	emitter.Emit(context.Background(), events.New("custom.event"))

	history := m.History(1)
	require.Len(t, history, 1)
	assert.Contains(t, history[0].Error, "timed out")
}

func TestHookFailureIsolated(t *testing.T) {
	m, emitter := newManager(t)
	var ran atomic.Bool
	require.NoError(t, m.Add(&Hook{
		Name: "failing", Event: "custom.event", Kind: KindCallback, Enabled: true,
		Priority: events.PriorityHigh,
		Callback: func(ctx context.Context, event *events.Event) error {
			return errors.New("boom")
		},
	}))
	require.NoError(t, m.Add(&Hook{
		Name: "healthy", Event: "custom.event", Kind: KindCallback, Enabled: true,
		Callback: func(ctx context.Context, event *events.Event) error {
			ran.Store(true)
			return nil
		},
	}))

	emitter.Emit(context.Background(), events.New("custom.event"))

	assert.True(t, ran.Load())
	assert.Len(t, m.History(10), 2)
}

func TestEventEnv(t *testing.T) {
	event := events.New(events.EventScheduledTaskRun).
		WithData("task", "report").
		WithData("ok", true).
		WithData("nested", map[string]any{"x": 1})
	event.NodeID = "n1"
	event.RequestID = "req-9"

	env := EventEnv(event)

	assert.Equal(t, "scheduled_task.run", env["CLARA_EVENT_TYPE"])
	assert.Equal(t, "n1", env["CLARA_NODE_ID"])
	assert.Equal(t, "req-9", env["CLARA_REQUEST_ID"])
	assert.Equal(t, "report", env["CLARA_TASK"])
	assert.Equal(t, "true", env["CLARA_OK"])
	assert.Contains(t, env["CLARA_EVENT_DATA"], `"task":"report"`)
	// Non-scalar data only appears in the JSON blob.
	_, ok := env["CLARA_NESTED"]
	assert.False(t, ok)
	assert.NotEmpty(t, env["CLARA_TIMESTAMP"])
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hooks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
hooks:
  - name: notify-startup
    event: gateway.startup
    command: "notify-send 'gateway up'"
    timeout: 10s
    priority: 100
    description: desktop notification on startup
  - name: archive-errors
    event: request.failed
    command: "echo ${CLARA_REQUEST_ID} >> /tmp/clara-failures"
    enabled: false
    working_dir: /tmp
`), 0o644))

	hooks, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, hooks, 2)

	assert.Equal(t, KindShell, hooks[0].Kind)
	assert.Equal(t, 10*time.Second, hooks[0].Timeout)
	assert.Equal(t, events.Priority(100), hooks[0].Priority)
	assert.True(t, hooks[0].Enabled)

	assert.False(t, hooks[1].Enabled)
	assert.Equal(t, "/tmp", hooks[1].WorkingDir)
	assert.Equal(t, events.PriorityNormal, hooks[1].Priority)
}

func TestLoadFileRejectsBadSpec(t *testing.T) {
	dir := t.TempDir()

	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad timeout", "hooks:\n  - name: h\n    event: x\n    command: 'true'\n    timeout: soon\n", "invalid timeout"},
		{"unsupported type", "hooks:\n  - name: h\n    event: x\n    type: callback\n    command: 'true'\n", "unsupported hook type"},
		{"missing command", "hooks:\n  - name: h\n    event: x\n", "requires command"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, tc.name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.yaml), 0o644))
			_, err := LoadFile(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoadDirMissingIsEmpty(t *testing.T) {
	hooks, err := LoadDir(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, hooks)
}
