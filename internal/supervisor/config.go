package supervisor

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type fileSpec struct {
	Adapters map[string]adapterSpec `yaml:"adapters"`
}

type adapterSpec struct {
	Enabled       *bool             `yaml:"enabled,omitempty"`
	Command       string            `yaml:"command,omitempty"`
	Module        string            `yaml:"module,omitempty"`
	Args          []string          `yaml:"args,omitempty"`
	Env           map[string]string `yaml:"env,omitempty"`
	WorkingDir    string            `yaml:"working_dir,omitempty"`
	RestartPolicy string            `yaml:"restart_policy,omitempty"`
	RestartDelay  string            `yaml:"restart_delay,omitempty"`
	MaxRestarts   int               `yaml:"max_restarts,omitempty"`
	ResetWindow   string            `yaml:"reset_window,omitempty"`
}

// LoadFile parses adapter configs from YAML, keyed by adapter name.
// Results come back in name order so start order is deterministic.
func LoadFile(path string) ([]AdapterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var spec fileSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	names := make([]string, 0, len(spec.Adapters))
	for name := range spec.Adapters {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]AdapterConfig, 0, len(names))
	for _, name := range names {
		cfg, err := spec.Adapters[name].toConfig(name)
		if err != nil {
			return nil, fmt.Errorf("%s adapter %s: %w", path, name, err)
		}
		out = append(out, cfg)
	}
	return out, nil
}

func (as adapterSpec) toConfig(name string) (AdapterConfig, error) {
	cfg := AdapterConfig{
		Name:          name,
		Command:       as.Command,
		Args:          as.Args,
		Env:           as.Env,
		WorkingDir:    as.WorkingDir,
		RestartPolicy: RestartPolicy(strings.ToUpper(as.RestartPolicy)),
		MaxRestarts:   as.MaxRestarts,
		Enabled:       true,
	}
	if as.Enabled != nil {
		cfg.Enabled = *as.Enabled
	}
	// module is shorthand for launching a bundled adapter binary.
	if cfg.Command == "" && as.Module != "" {
		cfg.Command = as.Module
	}
	if as.RestartDelay != "" {
		d, err := time.ParseDuration(as.RestartDelay)
		if err != nil {
			return AdapterConfig{}, fmt.Errorf("invalid restart_delay %q: %w", as.RestartDelay, err)
		}
		cfg.RestartDelay = d
	}
	if as.ResetWindow != "" {
		d, err := time.ParseDuration(as.ResetWindow)
		if err != nil {
			return AdapterConfig{}, fmt.Errorf("invalid reset_window %q: %w", as.ResetWindow, err)
		}
		cfg.ResetWindow = d
	}
	if err := (&cfg).validate(); err != nil {
		return AdapterConfig{}, err
	}
	return cfg, nil
}
