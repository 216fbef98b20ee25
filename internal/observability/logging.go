// Package observability provides structured logging and Prometheus
// metrics for the gateway.
//
// Logging is built on Go's slog package. Two output formats are
// supported: JSON for machine consumption, and the gateway's canonical
// text format
//
//	HH:MM:SS LEVEL [component] message key=value ...
//
// The text format is load-bearing: the adapter supervisor re-parses
// child process output lines in this shape and re-emits them at their
// original level (see internal/supervisor).
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// ComponentKey is the slog attribute naming the emitting component.
// Loggers are derived with logger.With(ComponentKey, name).
const ComponentKey = "component"

// LogConfig configures logger construction.
type LogConfig struct {
	// Level is the minimum level: "debug", "info", "warn", "error".
	// Defaults to "info".
	Level string

	// Format is "text" (gateway line format) or "json". Defaults to "text".
	Format string

	// Output receives log records. Defaults to os.Stdout.
	Output io.Writer
}

// NewLogger builds a slog.Logger per config.
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}

	level := ParseLevel(config.Level)

	var handler slog.Handler
	if strings.EqualFold(config.Format, "json") {
		handler = slog.NewJSONHandler(config.Output, &slog.HandlerOptions{Level: level})
	} else {
		handler = newLineHandler(config.Output, level)
	}
	return slog.New(handler)
}

// ParseLevel maps a level name to a slog.Level, defaulting to Info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// lineHandler emits the gateway's canonical single-line text format.
type lineHandler struct {
	mu    *sync.Mutex
	out   io.Writer
	level slog.Level
	attrs []slog.Attr
	comp  string
}

func newLineHandler(out io.Writer, level slog.Level) *lineHandler {
	return &lineHandler{mu: &sync.Mutex{}, out: out, level: level}
}

func (h *lineHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *lineHandler) Handle(_ context.Context, rec slog.Record) error {
	var b strings.Builder
	b.WriteString(rec.Time.Format("15:04:05"))
	b.WriteByte(' ')
	b.WriteString(levelName(rec.Level))

	comp := h.comp
	var extra []slog.Attr
	rec.Attrs(func(a slog.Attr) bool {
		if a.Key == ComponentKey {
			comp = a.Value.String()
			return true
		}
		extra = append(extra, a)
		return true
	})
	if comp == "" {
		comp = "gateway"
	}
	fmt.Fprintf(&b, " [%s] %s", comp, rec.Message)

	for _, a := range h.attrs {
		if a.Key != ComponentKey {
			fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		}
	}
	for _, a := range extra {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

func (h *lineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		if a.Key == ComponentKey {
			clone.comp = a.Value.String()
			continue
		}
		clone.attrs = append(clone.attrs, a)
	}
	return &clone
}

func (h *lineHandler) WithGroup(name string) slog.Handler {
	// Groups are flattened; the line format has no nesting.
	return h
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARNING"
	case l >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

// ParsedLine is a log line recovered from child process output.
type ParsedLine struct {
	Time      string
	Level     slog.Level
	Component string
	Message   string
}

// ParseLine recognizes the gateway's text format in a raw output line.
// Returns ok=false for lines in any other shape.
func ParseLine(line string) (ParsedLine, bool) {
	fields := strings.SplitN(line, " ", 4)
	if len(fields) < 4 {
		return ParsedLine{}, false
	}
	ts := fields[0]
	if len(ts) != 8 || ts[2] != ':' || ts[5] != ':' {
		return ParsedLine{}, false
	}

	var level slog.Level
	switch fields[1] {
	case "DEBUG":
		level = slog.LevelDebug
	case "INFO":
		level = slog.LevelInfo
	case "WARNING", "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		return ParsedLine{}, false
	}

	comp := fields[2]
	if len(comp) < 2 || comp[0] != '[' || comp[len(comp)-1] != ']' {
		return ParsedLine{}, false
	}

	return ParsedLine{
		Time:      ts,
		Level:     level,
		Component: comp[1 : len(comp)-1],
		Message:   fields[3],
	}, true
}
