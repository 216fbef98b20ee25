package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// File specs mirror Task with string durations and timestamps, which
// is what humans write in YAML. Task entries are flat: schedule keys
// (interval, cron, delay, run_at) and action keys (command, handler,
// content, ...) sit side by side, and the action kind is inferred from
// which keys are present.

type fileSpec struct {
	Tasks []taskSpec `yaml:"tasks"`
}

type taskSpec struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Description string `yaml:"description,omitempty"`
	Enabled     *bool  `yaml:"enabled,omitempty"`

	// Schedule.
	Interval string `yaml:"interval,omitempty"`
	Cron     string `yaml:"cron,omitempty"`
	Timezone string `yaml:"timezone,omitempty"`
	Delay    string `yaml:"delay,omitempty"`
	RunAt    string `yaml:"run_at,omitempty"`

	// Shell action.
	Command    string `yaml:"command,omitempty"`
	WorkingDir string `yaml:"working_dir,omitempty"`
	Timeout    string `yaml:"timeout,omitempty"`

	// Message action.
	Platform  string `yaml:"platform,omitempty"`
	UserID    string `yaml:"user_id,omitempty"`
	ChannelID string `yaml:"channel_id,omitempty"`
	Content   string `yaml:"content,omitempty"`
	Purpose   string `yaml:"purpose,omitempty"`

	// Internal action.
	Handler string         `yaml:"handler,omitempty"`
	Args    map[string]any `yaml:"args,omitempty"`
}

// LoadFile parses tasks from one YAML file.
func LoadFile(path string) ([]*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var spec fileSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	out := make([]*Task, 0, len(spec.Tasks))
	for i, ts := range spec.Tasks {
		task, err := ts.toTask()
		if err != nil {
			return nil, fmt.Errorf("%s task %d: %w", path, i, err)
		}
		out = append(out, task)
	}
	return out, nil
}

// LoadDir parses tasks from every *.yaml / *.yml file in a directory,
// in filename order. A missing directory yields no tasks.
func LoadDir(dir string) ([]*Task, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext == ".yaml" || ext == ".yml" {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)

	var out []*Task
	for _, path := range paths {
		tasks, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		out = append(out, tasks...)
	}
	return out, nil
}

func (ts taskSpec) toTask() (*Task, error) {
	task := &Task{
		Name:        ts.Name,
		Type:        TaskType(strings.ToLower(strings.TrimSpace(ts.Type))),
		Cron:        ts.Cron,
		Timezone:    ts.Timezone,
		Description: ts.Description,
		Enabled:     true,
	}
	if ts.Enabled != nil {
		task.Enabled = *ts.Enabled
	}
	if ts.RunAt != "" {
		runAt, err := time.Parse(time.RFC3339, ts.RunAt)
		if err != nil {
			return nil, fmt.Errorf("invalid run_at %q: %w", ts.RunAt, err)
		}
		task.RunAt = runAt
	}
	if ts.Delay != "" {
		delay, err := time.ParseDuration(ts.Delay)
		if err != nil {
			return nil, fmt.Errorf("invalid delay %q: %w", ts.Delay, err)
		}
		task.Delay = delay
	}
	if ts.Interval != "" {
		every, err := time.ParseDuration(ts.Interval)
		if err != nil {
			return nil, fmt.Errorf("invalid interval %q: %w", ts.Interval, err)
		}
		task.Every = every
	}

	kind, err := ts.actionKind()
	if err != nil {
		return nil, err
	}
	task.Action = Action{
		Kind:       kind,
		Command:    ts.Command,
		WorkingDir: ts.WorkingDir,
		Platform:   ts.Platform,
		UserID:     ts.UserID,
		ChannelID:  ts.ChannelID,
		Content:    ts.Content,
		Purpose:    ts.Purpose,
		Handler:    ts.Handler,
		Args:       ts.Args,
	}
	if ts.Timeout != "" {
		timeout, err := time.ParseDuration(ts.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", ts.Timeout, err)
		}
		task.Action.Timeout = timeout
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}
	return task, nil
}

// actionKind infers the action from which keys the entry sets: command
// means shell, handler means internal, a message target means message.
func (ts taskSpec) actionKind() (ActionKind, error) {
	var kinds []ActionKind
	if ts.Command != "" {
		kinds = append(kinds, ActionShell)
	}
	if ts.Handler != "" {
		kinds = append(kinds, ActionInternal)
	}
	if ts.Platform != "" || ts.ChannelID != "" || ts.Content != "" {
		kinds = append(kinds, ActionMessage)
	}
	switch len(kinds) {
	case 1:
		return kinds[0], nil
	case 0:
		return "", fmt.Errorf("task %s: no action: set command, handler, or a message target", ts.Name)
	default:
		return "", fmt.Errorf("task %s: ambiguous action: set only one of command, handler, or a message target", ts.Name)
	}
}
