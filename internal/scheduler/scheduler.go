package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/clara-ai/clara/internal/events"
	"github.com/clara-ai/clara/internal/infra"
	"github.com/clara-ai/clara/internal/observability"
)

// MessageSender delivers proactive messages. The gateway implements it
// by broadcasting to all nodes of the target platform.
type MessageSender interface {
	SendProactive(ctx context.Context, platform, userID, channelID, content, purpose string) error
}

// Handler is an in-process task action.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// DefaultTickInterval is how often due tasks are checked.
const DefaultTickInterval = 100 * time.Millisecond

// DefaultHistorySize bounds the retained execution results.
const DefaultHistorySize = 50

// defaultShellTimeout bounds shell actions that don't set one.
const defaultShellTimeout = 60 * time.Second

// ErrUnknownTask is returned by RunTask for unknown names.
var ErrUnknownTask = errors.New("unknown task")

// Scheduler owns the task table and the tick loop.
type Scheduler struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	handlers map[string]Handler
	history  *infra.Ring[Result]
	started  bool

	sender  MessageSender
	emitter *events.Emitter
	metrics *observability.Metrics
	logger  *slog.Logger

	tick time.Duration
	now  func() time.Time
	wg   sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithTickInterval overrides the poll interval (tests).
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithNow overrides the clock (tests).
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMessageSender wires the proactive message path.
func WithMessageSender(sender MessageSender) Option {
	return func(s *Scheduler) { s.sender = sender }
}

// WithEmitter wires the event bus.
func WithEmitter(e *events.Emitter) Option {
	return func(s *Scheduler) { s.emitter = e }
}

// WithMetrics wires prometheus counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a scheduler with no tasks.
func New(logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		tasks:    make(map[string]*Task),
		handlers: make(map[string]Handler),
		history:  infra.NewRing[Result](DefaultHistorySize),
		logger:   logger.With("component", "scheduler"),
		tick:     DefaultTickInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterHandler makes an in-process handler available to
// ActionInternal tasks.
func (s *Scheduler) RegisterHandler(name string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = h
}

// Add validates and registers a task, computing its first run. A task
// with the same name replaces the old one.
func (s *Scheduler) Add(task *Task) error {
	if err := task.Validate(); err != nil {
		return err
	}

	now := s.now()
	next, ok, err := task.firstRun(now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("task %s: no future run", task.Name)
	}
	task.NextRun = next

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.Name] = task
	s.logger.Info("task registered",
		"task", task.Name, "type", task.Type, "next_run", next)
	return nil
}

// Remove deletes a task by name.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[name]
	delete(s.tasks, name)
	return ok
}

// Tasks returns a snapshot of registered tasks.
func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	return out
}

// History returns up to n recent execution results, oldest first.
func (s *Scheduler) History(n int) []Result {
	return s.history.Last(n)
}

// Start runs the tick loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runDue(ctx)
			}
		}
	}()
}

// Wait blocks until the tick loop and all in-flight tasks finish.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// RunTask fires a task immediately by name, regardless of schedule.
func (s *Scheduler) RunTask(ctx context.Context, name string) error {
	s.mu.Lock()
	task, ok := s.tasks[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", name, ErrUnknownTask)
	}
	if task.running {
		s.mu.Unlock()
		return fmt.Errorf("task %s already running", name)
	}
	task.running = true
	s.mu.Unlock()

	s.execute(ctx, task)
	return nil
}

// runDue fires every enabled task whose NextRun has passed. Each runs
// in its own goroutine; a task still running from a previous tick is
// skipped, not stacked.
func (s *Scheduler) runDue(ctx context.Context) int {
	now := s.now()
	fired := 0

	s.mu.Lock()
	var due []*Task
	for _, task := range s.tasks {
		if !task.Enabled || task.running || task.NextRun.IsZero() || now.Before(task.NextRun) {
			continue
		}
		task.running = true
		due = append(due, task)
	}
	s.mu.Unlock()

	for _, task := range due {
		fired++
		s.wg.Add(1)
		go func(task *Task) {
			defer s.wg.Done()
			s.execute(ctx, task)
		}(task)
	}
	return fired
}

// execute runs one task, records the result and reschedules from the
// run's start time. The caller must have set task.running.
func (s *Scheduler) execute(ctx context.Context, task *Task) {
	start := s.now()
	output, err := s.perform(ctx, task)
	duration := s.now().Sub(start)

	result := Result{
		TaskName:  task.Name,
		StartedAt: start,
		Duration:  duration,
		Output:    output,
	}
	status := "ok"
	if err != nil {
		result.Error = err.Error()
		status = "error"
		s.logger.Warn("task failed", "task", task.Name, "error", err)
	} else {
		s.logger.Info("task ran", "task", task.Name, "duration", duration)
	}
	s.history.Push(result)

	if s.metrics != nil {
		s.metrics.ScheduledRuns.WithLabelValues(task.Name, status).Inc()
	}
	if s.emitter != nil {
		t := events.EventScheduledTaskRun
		if err != nil {
			t = events.EventScheduledTaskError
		}
		ev := events.New(t).WithData("task", task.Name).WithData("duration", duration.String())
		if err != nil {
			ev.WithData("error", err.Error())
		}
		s.emitter.EmitAsync(ctx, ev)
	}

	next, ok, nextErr := task.next(start)

	s.mu.Lock()
	defer s.mu.Unlock()
	task.running = false
	task.LastRun = start
	if err != nil {
		task.LastError = err.Error()
	} else {
		task.LastError = ""
	}
	switch {
	case nextErr != nil:
		task.LastError = nextErr.Error()
		task.NextRun = time.Time{}
		task.Enabled = false
	case ok:
		task.NextRun = next
	default:
		// One-shot finished.
		task.NextRun = time.Time{}
		task.Enabled = false
	}
}

func (s *Scheduler) perform(ctx context.Context, task *Task) (string, error) {
	switch task.Action.Kind {
	case ActionShell:
		return s.runShell(ctx, task)
	case ActionMessage:
		if s.sender == nil {
			return "", errors.New("no message sender configured")
		}
		a := task.Action
		err := s.sender.SendProactive(ctx, a.Platform, a.UserID, a.ChannelID, a.Content, a.Purpose)
		if err != nil {
			return "", fmt.Errorf("send message: %w", err)
		}
		return "message sent", nil
	case ActionInternal:
		s.mu.Lock()
		handler, ok := s.handlers[task.Action.Handler]
		s.mu.Unlock()
		if !ok {
			return "", fmt.Errorf("unknown handler %q", task.Action.Handler)
		}
		return handler(ctx, task.Action.Args)
	default:
		return "", fmt.Errorf("unknown action kind %q", task.Action.Kind)
	}
}

func (s *Scheduler) runShell(ctx context.Context, task *Task) (string, error) {
	timeout := task.Action.Timeout
	if timeout <= 0 {
		timeout = defaultShellTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", task.Action.Command)
	cmd.Dir = task.Action.WorkingDir
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if runCtx.Err() == context.DeadlineExceeded {
		return output, fmt.Errorf("command timed out after %s", timeout)
	}
	if err != nil {
		return output, fmt.Errorf("command failed: %w", err)
	}
	return output, nil
}
