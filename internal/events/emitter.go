package events

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/clara-ai/clara/internal/infra"
)

// Handler processes one event. Handlers for the same event run
// concurrently; slow work should still respect ctx.
type Handler func(ctx context.Context, event *Event) error

// Priority orders handler invocation; higher runs first. Because
// handlers run concurrently, priority governs spawn order, which only
// matters to handlers that synchronize externally.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 50
	PriorityHigh   Priority = 100
)

// Registration is one subscribed handler.
type Registration struct {
	ID       string
	Key      string // event type or Wildcard
	Name     string
	Priority Priority
	Handler  Handler
}

// Emitter dispatches events to registered handlers and retains a
// bounded history of emitted events.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[string][]*Registration
	byID     map[string]*Registration
	history  *infra.Ring[*Event]
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// DefaultHistorySize is how many recent events the emitter retains.
const DefaultHistorySize = 100

// NewEmitter creates an event emitter. historySize <= 0 uses the default.
func NewEmitter(historySize int, logger *slog.Logger) *Emitter {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		handlers: make(map[string][]*Registration),
		byID:     make(map[string]*Registration),
		history:  infra.NewRing[*Event](historySize),
		logger:   logger.With("component", "events"),
	}
}

// RegisterOption configures a registration.
type RegisterOption func(*Registration)

// WithPriority sets the handler priority.
func WithPriority(p Priority) RegisterOption {
	return func(r *Registration) { r.Priority = p }
}

// WithName names the handler for logs.
func WithName(name string) RegisterOption {
	return func(r *Registration) { r.Name = name }
}

// On subscribes a handler to an event type (or Wildcard). Returns the
// registration ID for Off.
func (e *Emitter) On(key string, handler Handler, opts ...RegisterOption) string {
	reg := &Registration{
		ID:       uuid.NewString(),
		Key:      key,
		Priority: PriorityNormal,
		Handler:  handler,
	}
	for _, opt := range opts {
		opt(reg)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.handlers[key] = append(e.handlers[key], reg)
	sort.SliceStable(e.handlers[key], func(i, j int) bool {
		return e.handlers[key][i].Priority > e.handlers[key][j].Priority
	})
	e.byID[reg.ID] = reg

	e.logger.Debug("handler registered", "key", key, "name", reg.Name, "priority", reg.Priority)
	return reg.ID
}

// Off removes a handler by registration ID.
func (e *Emitter) Off(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	reg, ok := e.byID[id]
	if !ok {
		return false
	}
	delete(e.byID, id)

	list := e.handlers[reg.Key]
	for i, r := range list {
		if r.ID == id {
			e.handlers[reg.Key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return true
}

// Emit dispatches the event to all handlers for its type plus wildcard
// handlers, concurrently, and blocks until every handler returns. Panics
// and errors are isolated per handler and logged.
func (e *Emitter) Emit(ctx context.Context, event *Event) {
	if event == nil {
		return
	}
	e.history.Push(event)

	e.mu.RLock()
	matched := make([]*Registration, 0,
		len(e.handlers[string(event.Type)])+len(e.handlers[Wildcard]))
	matched = append(matched, e.handlers[string(event.Type)]...)
	matched = append(matched, e.handlers[Wildcard]...)
	e.mu.RUnlock()

	if len(matched) == 0 {
		return
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority > matched[j].Priority
	})

	var wg sync.WaitGroup
	for _, reg := range matched {
		wg.Add(1)
		go func(r *Registration) {
			defer wg.Done()
			if err := e.invoke(ctx, r, event); err != nil {
				e.logger.Warn("event handler error",
					"event_type", event.Type,
					"handler", r.Name,
					"error", err)
			}
		}(reg)
	}
	wg.Wait()
}

// EmitAsync dispatches without waiting for handlers to finish.
func (e *Emitter) EmitAsync(ctx context.Context, event *Event) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.Emit(ctx, event)
	}()
}

// Drain waits for all EmitAsync dispatches to complete.
func (e *Emitter) Drain() {
	e.wg.Wait()
}

func (e *Emitter) invoke(ctx context.Context, reg *Registration, event *Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return reg.Handler(ctx, event)
}

// Recent returns up to n most recent events, oldest first.
func (e *Emitter) Recent(n int) []*Event {
	return e.history.Last(n)
}

// HandlerCount returns the number of handlers for a key.
func (e *Emitter) HandlerCount(key string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[key])
}
