package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/clara-ai/clara/internal/events"
	"github.com/clara-ai/clara/internal/observability"
)

// ErrUnknownAdapter is returned for operations on unconfigured names.
var ErrUnknownAdapter = errors.New("unknown adapter")

// PIDFilePattern locates an adapter's PID file under pidDir.
const PIDFilePattern = "clara-adapter-%s.pid"

// Supervisor owns the configured adapters and their lifecycles.
type Supervisor struct {
	mu       sync.Mutex
	adapters map[string]*adapter
	order    []string

	pidDir      string
	stopTimeout time.Duration

	logger  *slog.Logger
	emitter *events.Emitter
	metrics *observability.Metrics
}

// Option configures the supervisor.
type Option func(*Supervisor)

// WithPIDDir overrides where adapter PID files are written (tests).
func WithPIDDir(dir string) Option {
	return func(s *Supervisor) { s.pidDir = dir }
}

// WithStopTimeout overrides how long a stop waits before force-kill.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.stopTimeout = d
		}
	}
}

// WithEmitter wires the event bus.
func WithEmitter(e *events.Emitter) Option {
	return func(s *Supervisor) { s.emitter = e }
}

// WithMetrics wires prometheus counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// New creates a supervisor from the adapter configs. Config order is
// preserved for start order and status listings.
func New(configs []AdapterConfig, logger *slog.Logger, opts ...Option) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		adapters:    make(map[string]*adapter),
		pidDir:      "/tmp",
		stopTimeout: DefaultStopTimeout,
		logger:      logger.With("component", "supervisor"),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, cfg := range configs {
		if err := (&cfg).validate(); err != nil {
			return nil, err
		}
		if _, ok := s.adapters[cfg.Name]; ok {
			return nil, fmt.Errorf("duplicate adapter %s", cfg.Name)
		}
		a := &adapter{
			config:  cfg,
			state:   StateStopped,
			pidPath: filepath.Join(s.pidDir, fmt.Sprintf(PIDFilePattern, cfg.Name)),
			logger:  s.logger.With("adapter", cfg.Name),
			emitter: s.emitter,
			metrics: s.metrics,
		}
		if !cfg.Enabled {
			a.state = StateDisabled
		}
		s.adapters[cfg.Name] = a
		s.order = append(s.order, cfg.Name)
	}
	return s, nil
}

// StartAll starts every enabled adapter. names, when non-empty, limits
// the set. Errors are collected; one adapter failing to launch does
// not stop the others.
func (s *Supervisor) StartAll(ctx context.Context, names ...string) error {
	targets := s.order
	if len(names) > 0 {
		targets = names
	}

	var errs []error
	for _, name := range targets {
		a := s.lookup(name)
		if a == nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, ErrUnknownAdapter))
			continue
		}
		a.mu.Lock()
		disabled := a.state == StateDisabled
		a.mu.Unlock()
		if disabled {
			s.logger.Debug("skipping disabled adapter", "adapter", name)
			continue
		}
		if err := a.start(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Start launches one adapter by name. Starting a FAILED or DISABLED
// adapter resets it to a fresh lifecycle.
func (s *Supervisor) Start(ctx context.Context, name string) error {
	a := s.lookup(name)
	if a == nil {
		return fmt.Errorf("%s: %w", name, ErrUnknownAdapter)
	}
	a.mu.Lock()
	if a.state == StateFailed || a.state == StateDisabled {
		a.state = StateStopped
		a.restartCount = 0
		a.windowStart = time.Time{}
		a.lastError = ""
	}
	a.mu.Unlock()
	return a.start(ctx)
}

// Stop terminates one adapter. After the stop timeout the process is
// force-killed.
func (s *Supervisor) Stop(name string) error {
	a := s.lookup(name)
	if a == nil {
		return fmt.Errorf("%s: %w", name, ErrUnknownAdapter)
	}
	return a.stop(s.stopTimeout)
}

// StopAll stops every adapter, in reverse start order.
func (s *Supervisor) StopAll() {
	for i := len(s.order) - 1; i >= 0; i-- {
		if a := s.lookup(s.order[i]); a != nil {
			if err := a.stop(s.stopTimeout); err != nil {
				s.logger.Warn("adapter stop failed", "adapter", s.order[i], "error", err)
			}
		}
	}
}

// Restart stops then starts one adapter.
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	if err := s.Stop(name); err != nil {
		return err
	}
	return s.Start(ctx, name)
}

// Status returns one adapter's status.
func (s *Supervisor) Status(name string) (Status, error) {
	a := s.lookup(name)
	if a == nil {
		return Status{}, fmt.Errorf("%s: %w", name, ErrUnknownAdapter)
	}
	return a.status(), nil
}

// Statuses returns every adapter's status in config order.
func (s *Supervisor) Statuses() []Status {
	out := make([]Status, 0, len(s.order))
	for _, name := range s.order {
		if a := s.lookup(name); a != nil {
			out = append(out, a.status())
		}
	}
	return out
}

// Names returns the configured adapter names, sorted.
func (s *Supervisor) Names() []string {
	names := append([]string(nil), s.order...)
	sort.Strings(names)
	return names
}

func (s *Supervisor) lookup(name string) *adapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adapters[name]
}
