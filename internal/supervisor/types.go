// Package supervisor runs platform adapters as child processes and
// keeps them alive under configurable restart policies.
package supervisor

import (
	"fmt"
	"time"
)

// State is an adapter process lifecycle state.
type State string

const (
	StateStopped  State = "STOPPED"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
	// StateFailed means the restart budget was exhausted; only an
	// explicit start leaves this state.
	StateFailed State = "FAILED"
	// StateDisabled means the adapter is configured off.
	StateDisabled State = "DISABLED"
)

// RestartPolicy governs what happens when an adapter process exits.
type RestartPolicy string

const (
	// RestartAlways restarts on any exit.
	RestartAlways RestartPolicy = "ALWAYS"
	// RestartOnFailure restarts only on non-zero exit.
	RestartOnFailure RestartPolicy = "ON_FAILURE"
	// RestartNever leaves the adapter down after any exit.
	RestartNever RestartPolicy = "NEVER"
)

// Defaults for restart accounting.
const (
	DefaultRestartDelay = 2 * time.Second
	DefaultMaxRestarts  = 3
	DefaultResetWindow  = 5 * time.Minute
	DefaultStopTimeout  = 10 * time.Second
)

// AdapterConfig describes one supervised adapter process. Env values
// may reference host environment variables with ${VAR} syntax.
type AdapterConfig struct {
	Name          string
	Command       string
	Args          []string
	Env           map[string]string
	WorkingDir    string
	RestartPolicy RestartPolicy
	RestartDelay  time.Duration
	MaxRestarts   int
	ResetWindow   time.Duration
	Enabled       bool
}

func (c *AdapterConfig) validate() error {
	if c.Name == "" {
		return fmt.Errorf("adapter name required")
	}
	if c.Command == "" {
		return fmt.Errorf("adapter %s: command required", c.Name)
	}
	switch c.RestartPolicy {
	case RestartAlways, RestartOnFailure, RestartNever:
	case "":
		c.RestartPolicy = RestartOnFailure
	default:
		return fmt.Errorf("adapter %s: unknown restart policy %q", c.Name, c.RestartPolicy)
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = DefaultRestartDelay
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = DefaultMaxRestarts
	}
	if c.ResetWindow <= 0 {
		c.ResetWindow = DefaultResetWindow
	}
	return nil
}

// Status is a point-in-time view of one adapter.
type Status struct {
	Name         string        `json:"name"`
	State        State         `json:"state"`
	PID          int           `json:"pid,omitempty"`
	LastExitCode int           `json:"last_exit_code"`
	Restarts     int           `json:"restarts"`
	TotalStarts  int           `json:"total_starts"`
	Failures     int           `json:"failures"`
	Uptime       time.Duration `json:"uptime,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
}
