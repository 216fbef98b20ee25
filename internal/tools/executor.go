package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/clara-ai/clara/internal/infra"
	"github.com/clara-ai/clara/internal/observability"
)

// DefaultOutputLimit caps tool output fed back to the model. Oversized
// output is cut with a note so the model knows it saw a prefix.
const DefaultOutputLimit = 50000

// DefaultPreviewLimit caps the human-facing preview in TOOL_RESULT frames.
const DefaultPreviewLimit = 200

// Executor runs tools with bounded concurrency and panic isolation.
// Every failure mode becomes an error Result; the orchestrator never
// sees a raw panic or a missing-tool condition as a Go error.
type Executor struct {
	registry *Registry
	pool     *infra.Pool
	limit    int
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewExecutor creates an executor over a registry. maxConcurrent <= 0
// defaults to 10; outputLimit <= 0 defaults to DefaultOutputLimit.
func NewExecutor(registry *Registry, maxConcurrent, outputLimit int, metrics *observability.Metrics, logger *slog.Logger) *Executor {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	if outputLimit <= 0 {
		outputLimit = DefaultOutputLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: registry,
		pool:     infra.NewPool(maxConcurrent),
		limit:    outputLimit,
		metrics:  metrics,
		logger:   logger.With("component", "tools"),
	}
}

// Run executes one tool call. The returned Result is always non-nil.
func (e *Executor) Run(ctx context.Context, name string, params json.RawMessage) *Result {
	tool, ok := e.registry.Get(name)
	if !ok {
		e.count(name, "unknown")
		return ErrorResult("Error: unknown tool %s", name)
	}

	result, err := infra.RunOn(e.pool, ctx, func() (*Result, error) {
		return e.invoke(ctx, tool, params)
	})
	if err != nil {
		e.count(name, "error")
		e.logger.Warn("tool execution failed", "tool", name, "error", err)
		return ErrorResult("Error: tool %s failed: %v", name, err)
	}

	if result == nil {
		result = &Result{}
	}
	result.Content = Truncate(result.Content, e.limit)

	status := "ok"
	if result.IsError {
		status = "tool_error"
	}
	e.count(name, status)
	return result
}

func (e *Executor) invoke(ctx context.Context, tool Tool, params json.RawMessage) (result *Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return tool.Execute(ctx, params)
}

func (e *Executor) count(tool, status string) {
	if e.metrics != nil {
		e.metrics.ToolExecutions.WithLabelValues(tool, status).Inc()
	}
}

// Truncate cuts s at limit runes-safe bytes, appending a note with the
// original size so the model knows output was elided.
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf(
		"\n\n[output truncated: %d of %d bytes shown]", cut, len(s))
}

// Preview produces a short single-line excerpt of tool output for
// status frames shown to users.
func Preview(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if limit <= 0 {
		limit = DefaultPreviewLimit
	}
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
