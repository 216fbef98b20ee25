package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/clara-ai/clara/internal/events"
	"github.com/clara-ai/clara/internal/observability"
)

// adapter is one supervised child process with its restart accounting.
// All mutable fields are guarded by mu; the supervise goroutine owns
// the exec.Cmd between start and exit.
type adapter struct {
	mu     sync.Mutex
	config AdapterConfig
	state  State

	cmd       *exec.Cmd
	pid       int
	startedAt time.Time

	lastExitCode int
	lastError    string

	// Windowed restart accounting.
	restartCount int
	windowStart  time.Time

	totalStarts int
	failures    int

	// stopRequested suppresses the restart decision for the exit that
	// follows a deliberate stop.
	stopRequested bool

	pidPath string
	logger  *slog.Logger
	emitter *events.Emitter
	metrics *observability.Metrics

	wg sync.WaitGroup
}

func (a *adapter) start(ctx context.Context) error {
	a.mu.Lock()
	switch a.state {
	case StateStarting, StateRunning:
		a.mu.Unlock()
		return fmt.Errorf("adapter %s already running", a.config.Name)
	case StateStopping:
		a.mu.Unlock()
		return fmt.Errorf("adapter %s is stopping", a.config.Name)
	}
	a.state = StateStarting
	a.stopRequested = false
	a.mu.Unlock()

	return a.spawn(ctx)
}

func (a *adapter) spawn(ctx context.Context) error {
	cmd := exec.Command(a.config.Command, a.config.Args...)
	cmd.Dir = a.config.WorkingDir
	cmd.Env = os.Environ()
	for k, v := range a.config.Env {
		cmd.Env = append(cmd.Env, k+"="+os.Expand(v, os.Getenv))
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return a.failSpawn(fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return a.failSpawn(fmt.Errorf("stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return a.failSpawn(fmt.Errorf("start %s: %w", a.config.Command, err))
	}

	a.mu.Lock()
	a.cmd = cmd
	a.pid = cmd.Process.Pid
	a.startedAt = time.Now()
	a.state = StateRunning
	a.totalStarts++
	a.lastError = ""
	a.mu.Unlock()

	if err := os.WriteFile(a.pidPath, []byte(fmt.Sprintf("%d\n", cmd.Process.Pid)), 0o644); err != nil {
		a.logger.Warn("pid file write failed", "path", a.pidPath, "error", err)
	}

	a.logger.Info("adapter started", "pid", cmd.Process.Pid, "command", a.config.Command)
	if a.emitter != nil {
		a.emitter.EmitAsync(ctx, events.New(events.EventAdapterProcessStarted).
			WithData("adapter", a.config.Name).
			WithData("pid", cmd.Process.Pid))
	}

	a.wg.Add(2)
	go a.relay(stdout)
	go a.relay(stderr)
	go a.supervise(ctx, cmd)
	return nil
}

func (a *adapter) failSpawn(err error) error {
	a.mu.Lock()
	a.state = StateFailed
	a.lastError = err.Error()
	a.failures++
	a.mu.Unlock()
	if a.metrics != nil {
		a.metrics.AdapterFailures.WithLabelValues(a.config.Name).Inc()
	}
	return err
}

// supervise waits for the process to exit and applies the restart
// policy.
func (a *adapter) supervise(ctx context.Context, cmd *exec.Cmd) {
	err := cmd.Wait()
	a.wg.Wait() // drain output relays

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	if rmErr := os.Remove(a.pidPath); rmErr != nil && !os.IsNotExist(rmErr) {
		a.logger.Debug("pid file remove failed", "path", a.pidPath, "error", rmErr)
	}

	a.mu.Lock()
	a.cmd = nil
	a.pid = 0
	a.lastExitCode = exitCode
	uptime := time.Since(a.startedAt)
	deliberate := a.stopRequested
	a.mu.Unlock()

	a.logger.Info("adapter exited",
		"exit_code", exitCode, "uptime", uptime, "deliberate", deliberate)
	if a.emitter != nil {
		a.emitter.EmitAsync(ctx, events.New(events.EventAdapterProcessExited).
			WithData("adapter", a.config.Name).
			WithData("exit_code", exitCode).
			WithData("uptime", uptime.String()))
	}

	if deliberate || ctx.Err() != nil {
		a.setState(StateStopped)
		return
	}

	switch {
	case a.config.RestartPolicy == RestartNever:
		a.setState(StateStopped)
		return
	case a.config.RestartPolicy == RestartOnFailure && exitCode == 0:
		a.setState(StateStopped)
		return
	}

	if !a.allowRestart() {
		a.mu.Lock()
		a.state = StateFailed
		a.lastError = fmt.Sprintf("restart budget exhausted (%d within %s)",
			a.config.MaxRestarts, a.config.ResetWindow)
		a.failures++
		a.mu.Unlock()
		a.logger.Error("adapter failed permanently",
			"max_restarts", a.config.MaxRestarts, "reset_window", a.config.ResetWindow)
		if a.metrics != nil {
			a.metrics.AdapterFailures.WithLabelValues(a.config.Name).Inc()
		}
		if a.emitter != nil {
			a.emitter.EmitAsync(ctx, events.New(events.EventAdapterProcessFailed).
				WithData("adapter", a.config.Name).
				WithData("exit_code", exitCode))
		}
		return
	}

	a.setState(StateStarting)
	a.logger.Info("restarting adapter", "delay", a.config.RestartDelay)
	if a.metrics != nil {
		a.metrics.AdapterRestarts.WithLabelValues(a.config.Name).Inc()
	}

	select {
	case <-ctx.Done():
		a.setState(StateStopped)
		return
	case <-time.After(a.config.RestartDelay):
	}

	a.mu.Lock()
	abort := a.stopRequested
	a.mu.Unlock()
	if abort {
		a.setState(StateStopped)
		return
	}

	if err := a.spawn(ctx); err != nil {
		a.logger.Error("restart failed", "error", err)
	}
}

// allowRestart applies windowed accounting: the count resets when the
// window has lapsed, and a restart is denied once the count exceeds
// the budget inside one window.
func (a *adapter) allowRestart() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	if a.windowStart.IsZero() || now.Sub(a.windowStart) > a.config.ResetWindow {
		a.windowStart = now
		a.restartCount = 1
		return true
	}
	a.restartCount++
	return a.restartCount <= a.config.MaxRestarts
}

// stop terminates the process: SIGTERM, then SIGKILL after the timeout.
func (a *adapter) stop(timeout time.Duration) error {
	a.mu.Lock()
	cmd := a.cmd
	if cmd == nil || cmd.Process == nil {
		if a.state != StateFailed && a.state != StateDisabled {
			a.state = StateStopped
		}
		a.stopRequested = true
		a.mu.Unlock()
		return nil
	}
	a.stopRequested = true
	a.state = StateStopping
	a.mu.Unlock()

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		a.logger.Debug("terminate signal failed", "error", err)
	}

	deadline := time.After(timeout)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			a.logger.Warn("adapter did not stop in time, killing", "timeout", timeout)
			_ = cmd.Process.Kill()
			return nil
		case <-tick.C:
			a.mu.Lock()
			done := a.cmd == nil
			a.mu.Unlock()
			if done {
				return nil
			}
		}
	}
}

// relay line-parses child output. Lines in the gateway's own log
// format keep their level under a namespaced logger; everything else
// is logged at INFO.
func (a *adapter) relay(r io.Reader) {
	defer a.wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 512*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if parsed, ok := observability.ParseLine(line); ok {
			a.logger.Log(context.Background(), parsed.Level, parsed.Message,
				"child_component", parsed.Component)
			continue
		}
		a.logger.Info(line)
	}
}

func (a *adapter) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *adapter) status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := Status{
		Name:         a.config.Name,
		State:        a.state,
		PID:          a.pid,
		LastExitCode: a.lastExitCode,
		Restarts:     a.restartCount,
		TotalStarts:  a.totalStarts,
		Failures:     a.failures,
		LastError:    a.lastError,
	}
	if a.state == StateRunning {
		st.Uptime = time.Since(a.startedAt)
	}
	return st
}
