// Package scheduler runs one-shot, interval and cron tasks: shell
// commands, proactive messages pushed out through the gateway, and
// registered in-process handlers.
package scheduler

import (
	"time"
)

// TaskType classifies when a task runs.
type TaskType string

const (
	// TypeOneShot runs once at a fixed time, then disables itself.
	TypeOneShot TaskType = "one_shot"
	// TypeInterval runs repeatedly on a fixed period.
	TypeInterval TaskType = "interval"
	// TypeCron runs on a five-field cron expression (minute hour
	// day-of-month month day-of-week; Sunday is 0).
	TypeCron TaskType = "cron"
)

// ActionKind classifies what a task does.
type ActionKind string

const (
	// ActionShell runs a shell command.
	ActionShell ActionKind = "shell"
	// ActionMessage sends a proactive message through the gateway.
	ActionMessage ActionKind = "message"
	// ActionInternal invokes a registered handler by name.
	ActionInternal ActionKind = "internal"
)

// Action is the work a task performs.
type Action struct {
	Kind ActionKind

	// ActionShell.
	Command    string
	WorkingDir string
	Timeout    time.Duration

	// ActionMessage.
	Platform  string
	UserID    string
	ChannelID string
	Content   string
	Purpose   string

	// ActionInternal.
	Handler string
	Args    map[string]any
}

// Task is one scheduled unit of work. Names are unique; a task never
// overlaps itself — a tick that finds the previous run still going is
// skipped.
type Task struct {
	Name        string
	Type        TaskType
	RunAt       time.Time     // one_shot, absolute
	Delay       time.Duration // one_shot/interval, relative to load
	Every       time.Duration // interval
	Cron        string        // cron
	Timezone    string        // cron
	Enabled     bool
	Description string
	Action      Action

	// Runtime state, owned by the scheduler.
	NextRun   time.Time
	LastRun   time.Time
	LastError string

	running bool
}

// Result records one task execution.
type Result struct {
	TaskName  string        `json:"task_name"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Output    string        `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
}
