package hooks

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/clara-ai/clara/internal/events"
)

type fileSpec struct {
	Hooks []hookSpec `yaml:"hooks"`
}

type hookSpec struct {
	Name        string `yaml:"name"`
	Event       string `yaml:"event"`
	Type        string `yaml:"type,omitempty"` // default shell
	Command     string `yaml:"command,omitempty"`
	Timeout     string `yaml:"timeout,omitempty"`
	WorkingDir  string `yaml:"working_dir,omitempty"`
	Enabled     *bool  `yaml:"enabled,omitempty"`
	Priority    *int   `yaml:"priority,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// LoadFile parses hooks from one YAML file. Only shell hooks can be
// declared in YAML; callback hooks are registered in code.
func LoadFile(path string) ([]*Hook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var spec fileSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	out := make([]*Hook, 0, len(spec.Hooks))
	for i, hs := range spec.Hooks {
		hook, err := hs.toHook()
		if err != nil {
			return nil, fmt.Errorf("%s hook %d: %w", path, i, err)
		}
		out = append(out, hook)
	}
	return out, nil
}

// LoadDir parses hooks from every *.yaml / *.yml file in a directory,
// in filename order. A missing directory yields no hooks.
func LoadDir(dir string) ([]*Hook, error) {
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

	var out []*Hook
	for _, path := range paths {
		hooks, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		out = append(out, hooks...)
	}
	return out, nil
}

func (hs hookSpec) toHook() (*Hook, error) {
	hook := &Hook{
		Name:        hs.Name,
		Event:       hs.Event,
		Kind:        KindShell,
		Command:     hs.Command,
		WorkingDir:  hs.WorkingDir,
		Priority:    events.PriorityNormal,
		Enabled:     true,
		Description: hs.Description,
	}
	if hs.Type != "" {
		hook.Kind = Kind(hs.Type)
	}
	if hook.Kind != KindShell {
		return nil, fmt.Errorf("unsupported hook type %q in YAML", hs.Type)
	}
	if hs.Enabled != nil {
		hook.Enabled = *hs.Enabled
	}
	if hs.Priority != nil {
		hook.Priority = events.Priority(*hs.Priority)
	}
	if hs.Timeout != "" {
		timeout, err := time.ParseDuration(hs.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", hs.Timeout, err)
		}
		hook.Timeout = timeout
	}
	if hook.Name == "" {
		return nil, fmt.Errorf("hook name required")
	}
	if hook.Event == "" {
		return nil, fmt.Errorf("hook %s: event required", hook.Name)
	}
	if hook.Command == "" {
		return nil, fmt.Errorf("hook %s: shell hook requires command", hook.Name)
	}
	return hook, nil
}
