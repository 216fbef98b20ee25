// handlers.go contains the command implementations: the serve loop
// with all its component wiring, and the PID-file based control
// commands.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tmc/langchaingo/llms"
	lcanthropic "github.com/tmc/langchaingo/llms/anthropic"
	lcopenai "github.com/tmc/langchaingo/llms/openai"

	"github.com/clara-ai/clara/internal/config"
	"github.com/clara-ai/clara/internal/daemon"
	"github.com/clara-ai/clara/internal/events"
	"github.com/clara-ai/clara/internal/gateway"
	"github.com/clara-ai/clara/internal/hooks"
	"github.com/clara-ai/clara/internal/observability"
	"github.com/clara-ai/clara/internal/orchestrator"
	"github.com/clara-ai/clara/internal/orchestrator/providers"
	"github.com/clara-ai/clara/internal/router"
	"github.com/clara-ai/clara/internal/scheduler"
	"github.com/clara-ai/clara/internal/supervisor"
	"github.com/clara-ai/clara/internal/tools"
)

// stopGrace is how long stop waits for a SIGTERM'd process before
// escalating to SIGKILL.
const stopGrace = 10 * time.Second

type startOptions struct {
	foreground bool
	adapters   []string
	noAdapters bool
}

func runStart(cmd *cobra.Command, opts startOptions) error {
	cfg := currentConfig()
	if pid, err := daemon.RunningPID(cfg.PIDFile); err == nil {
		return fmt.Errorf("gateway already running (pid %d)", pid)
	}

	if !opts.foreground && !daemon.InBackground() {
		pid, err := daemon.Spawn(cfg.LogFile, os.Args[1:])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Gateway started (pid %d), logging to %s\n", pid, cfg.LogFile)
		return nil
	}

	return runServe(cmd.Context(), cfg, opts)
}

// runServe wires every component together and blocks until shutdown.
func runServe(ctx context.Context, cfg config.Gateway, opts startOptions) error {
	level := "info"
	if flags.debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{Level: level})
	slog.SetDefault(logger)

	if err := daemon.WritePIDFile(cfg.PIDFile); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer func() { _ = daemon.RemovePIDFile(cfg.PIDFile) }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	emitter := events.NewEmitter(0, logger)

	orch, err := buildOrchestrator(cfg, logger)
	if err != nil {
		return err
	}

	routerCfg := router.DefaultConfig()
	routerCfg.DebounceWindow = cfg.Debounce
	server := gateway.New(
		gateway.Config{Host: cfg.Host, Port: cfg.Port, Secret: cfg.Secret},
		orch, emitter, logger,
		gateway.WithRouterConfig(routerCfg),
		gateway.WithLLMWorkers(cfg.LLMWorkers),
	)

	hookMgr := hooks.NewManager(emitter, logger)
	if err := loadHooks(hookMgr, cfg.HooksDir, logger); err != nil {
		return err
	}

	sched := scheduler.New(logger,
		scheduler.WithMessageSender(server),
		scheduler.WithEmitter(emitter),
		scheduler.WithMetrics(server.Metrics()))
	if err := loadTasks(sched, cfg.SchedulerDir, logger); err != nil {
		return err
	}
	sched.Start(ctx)

	var sup *supervisor.Supervisor
	if cfg.AdaptersConfig != "" && !opts.noAdapters {
		configs, err := supervisor.LoadFile(cfg.AdaptersConfig)
		if err != nil {
			return fmt.Errorf("load adapters config: %w", err)
		}
		configs, err = filterAdapters(configs, opts.adapters)
		if err != nil {
			return err
		}
		sup, err = supervisor.New(configs, logger,
			supervisor.WithEmitter(emitter),
			supervisor.WithMetrics(server.Metrics()))
		if err != nil {
			return err
		}
		if err := sup.StartAll(ctx); err != nil {
			logger.Error("adapter startup", "error", err)
		}
	}

	if watcher, err := config.NewWatcher(logger); err != nil {
		logger.Warn("config watching unavailable", "error", err)
	} else {
		_ = watcher.Add(cfg.HooksDir)
		_ = watcher.Add(cfg.SchedulerDir)
		go watcher.Run(ctx, func(dir string) {
			switch filepath.Clean(dir) {
			case filepath.Clean(cfg.HooksDir):
				reloadHooks(hookMgr, cfg.HooksDir, logger)
			case filepath.Clean(cfg.SchedulerDir):
				reloadTasks(sched, cfg.SchedulerDir, logger)
			}
		})
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start(ctx) }()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	if sup != nil {
		sup.StopAll()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	err = server.Shutdown(shutdownCtx)
	sched.Wait()
	return err
}

// buildOrchestrator selects the LLM backend from the environment and
// assembles the tool loop around it.
func buildOrchestrator(cfg config.Gateway, logger *slog.Logger) (*orchestrator.Orchestrator, error) {
	mode, err := orchestrator.ParseToolCallMode(cfg.ToolCallMode)
	if err != nil {
		return nil, err
	}

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry); err != nil {
		return nil, err
	}
	executor := tools.NewExecutor(registry, cfg.IOWorkers, cfg.MaxToolResultChars, nil, logger)

	ocfg := orchestrator.Config{
		Model:               cfg.Model,
		System:              cfg.SystemPrompt,
		Mode:                mode,
		MaxIterations:       cfg.MaxToolIterations,
		MaxAutoContinues:    cfg.AutoContinueMax,
		DisableAutoContinue: !cfg.AutoContinueEnabled,
	}

	if mode == orchestrator.ModeLangchain {
		model, err := buildLangchainModel(cfg)
		if err != nil {
			return nil, err
		}
		return orchestrator.New(nil, registry, executor, ocfg, nil, logger,
			orchestrator.WithLangchainModel(model))
	}

	var provider orchestrator.Provider
	switch {
	case cfg.AnthropicAPIKey != "":
		provider, err = providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       cfg.AnthropicAPIKey,
			DefaultModel: cfg.Model,
		})
	case cfg.OpenAIAPIKey != "":
		provider, err = providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       cfg.OpenAIAPIKey,
			DefaultModel: cfg.Model,
		})
	default:
		return nil, errors.New("no LLM provider configured: set ANTHROPIC_API_KEY or OPENAI_API_KEY")
	}
	if err != nil {
		return nil, err
	}
	return orchestrator.New(provider, registry, executor, ocfg, nil, logger)
}

func buildLangchainModel(cfg config.Gateway) (llms.Model, error) {
	switch {
	case cfg.AnthropicAPIKey != "":
		opts := []lcanthropic.Option{lcanthropic.WithToken(cfg.AnthropicAPIKey)}
		if cfg.Model != "" {
			opts = append(opts, lcanthropic.WithModel(cfg.Model))
		}
		return lcanthropic.New(opts...)
	case cfg.OpenAIAPIKey != "":
		opts := []lcopenai.Option{lcopenai.WithToken(cfg.OpenAIAPIKey)}
		if cfg.Model != "" {
			opts = append(opts, lcopenai.WithModel(cfg.Model))
		}
		return lcopenai.New(opts...)
	default:
		return nil, errors.New("langchain mode needs ANTHROPIC_API_KEY or OPENAI_API_KEY")
	}
}

func loadHooks(mgr *hooks.Manager, dir string, logger *slog.Logger) error {
	if dir == "" {
		return nil
	}
	list, err := hooks.LoadDir(dir)
	if err != nil {
		return fmt.Errorf("load hooks: %w", err)
	}
	for _, h := range list {
		if err := mgr.Add(h); err != nil {
			logger.Warn("skipping hook", "hook", h.Name, "error", err)
		}
	}
	logger.Info("hooks loaded", "dir", dir, "count", len(list))
	return nil
}

func reloadHooks(mgr *hooks.Manager, dir string, logger *slog.Logger) {
	for _, h := range mgr.Hooks() {
		mgr.Remove(h.Name)
	}
	if err := loadHooks(mgr, dir, logger); err != nil {
		logger.Error("hook reload failed", "error", err)
	}
}

func loadTasks(sched *scheduler.Scheduler, dir string, logger *slog.Logger) error {
	if dir == "" {
		return nil
	}
	list, err := scheduler.LoadDir(dir)
	if err != nil {
		return fmt.Errorf("load scheduled tasks: %w", err)
	}
	for _, task := range list {
		if err := sched.Add(task); err != nil {
			logger.Warn("skipping task", "task", task.Name, "error", err)
		}
	}
	logger.Info("scheduled tasks loaded", "dir", dir, "count", len(list))
	return nil
}

func reloadTasks(sched *scheduler.Scheduler, dir string, logger *slog.Logger) {
	for _, task := range sched.Tasks() {
		sched.Remove(task.Name)
	}
	if err := loadTasks(sched, dir, logger); err != nil {
		logger.Error("task reload failed", "error", err)
	}
}

// filterAdapters restricts the loaded configs to the named subset.
func filterAdapters(configs []supervisor.AdapterConfig, names []string) ([]supervisor.AdapterConfig, error) {
	if len(names) == 0 {
		return configs, nil
	}
	byName := make(map[string]supervisor.AdapterConfig, len(configs))
	for _, c := range configs {
		byName[c.Name] = c
	}
	var out []supervisor.AdapterConfig
	for _, name := range names {
		c, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown adapter %q in --adapter", name)
		}
		out = append(out, c)
	}
	return out, nil
}

func runStop(cmd *cobra.Command) error {
	cfg := currentConfig()
	pid, err := daemon.RunningPID(cfg.PIDFile)
	if errors.Is(err, daemon.ErrNotRunning) {
		return errors.New("gateway is not running")
	}
	if err != nil {
		return err
	}
	if err := daemon.Terminate(pid, stopGrace); err != nil {
		return err
	}
	_ = daemon.RemovePIDFile(cfg.PIDFile)
	fmt.Fprintf(cmd.OutOrStdout(), "Gateway stopped (pid %d)\n", pid)
	return nil
}

func runStatus(cmd *cobra.Command) error {
	cfg := currentConfig()
	out := cmd.OutOrStdout()

	if pid, err := daemon.RunningPID(cfg.PIDFile); err == nil {
		fmt.Fprintf(out, "Gateway: running (pid %d) on %s:%d\n", pid, cfg.Host, cfg.Port)
	} else {
		fmt.Fprintln(out, "Gateway: stopped")
	}

	if cfg.AdaptersConfig == "" {
		return nil
	}
	configs, err := supervisor.LoadFile(cfg.AdaptersConfig)
	if err != nil {
		return fmt.Errorf("load adapters config: %w", err)
	}
	if len(configs) == 0 {
		return nil
	}
	fmt.Fprintln(out, "Adapters:")
	for _, ac := range configs {
		state := "stopped"
		if !ac.Enabled {
			state = "disabled"
		} else if pid, err := daemon.RunningPID(adapterPIDPath(ac.Name)); err == nil {
			state = fmt.Sprintf("running (pid %d)", pid)
		}
		fmt.Fprintf(out, "  %s: %s\n", ac.Name, state)
	}
	return nil
}

func runRestart(cmd *cobra.Command, opts startOptions) error {
	if err := runStop(cmd); err != nil && err.Error() != "gateway is not running" {
		return err
	}
	return runStart(cmd, opts)
}

func runAdapter(cmd *cobra.Command, name, action string) error {
	pidPath := adapterPIDPath(name)
	out := cmd.OutOrStdout()

	switch action {
	case "status":
		if pid, err := daemon.RunningPID(pidPath); err == nil {
			fmt.Fprintf(out, "Adapter %s: running (pid %d)\n", name, pid)
		} else {
			fmt.Fprintf(out, "Adapter %s: stopped\n", name)
		}
		return nil

	case "stop":
		pid, err := daemon.RunningPID(pidPath)
		if errors.Is(err, daemon.ErrNotRunning) {
			return fmt.Errorf("adapter %s is not running", name)
		}
		if err != nil {
			return err
		}
		if err := daemon.Terminate(pid, stopGrace); err != nil {
			return err
		}
		_ = daemon.RemovePIDFile(pidPath)
		fmt.Fprintf(out, "Adapter %s stopped (pid %d)\n", name, pid)
		return nil

	case "start":
		if pid, err := daemon.RunningPID(pidPath); err == nil {
			return fmt.Errorf("adapter %s already running (pid %d)", name, pid)
		}
		ac, err := findAdapterConfig(name)
		if err != nil {
			return err
		}
		pid, err := spawnAdapter(ac, pidPath, currentConfig().LogFile)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Adapter %s started (pid %d)\n", name, pid)
		return nil

	case "restart":
		if pid, err := daemon.RunningPID(pidPath); err == nil {
			if err := daemon.Terminate(pid, stopGrace); err != nil {
				return err
			}
			_ = daemon.RemovePIDFile(pidPath)
		}
		ac, err := findAdapterConfig(name)
		if err != nil {
			return err
		}
		pid, err := spawnAdapter(ac, pidPath, currentConfig().LogFile)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Adapter %s restarted (pid %d)\n", name, pid)
		return nil
	}
	return fmt.Errorf("unknown adapter action %q", action)
}

func findAdapterConfig(name string) (supervisor.AdapterConfig, error) {
	cfg := currentConfig()
	if cfg.AdaptersConfig == "" {
		return supervisor.AdapterConfig{}, errors.New("no adapters config: set --adapters-config or CLARA_ADAPTERS_CONFIG")
	}
	configs, err := supervisor.LoadFile(cfg.AdaptersConfig)
	if err != nil {
		return supervisor.AdapterConfig{}, fmt.Errorf("load adapters config: %w", err)
	}
	for _, ac := range configs {
		if ac.Name == name {
			return ac, nil
		}
	}
	return supervisor.AdapterConfig{}, fmt.Errorf("adapter %q not found in %s", name, cfg.AdaptersConfig)
}

// spawnAdapter launches an adapter detached from the CLI, outside the
// gateway's supervisor. Used for manual per-adapter control while the
// gateway runs daemonized.
func spawnAdapter(ac supervisor.AdapterConfig, pidPath, logFile string) (int, error) {
	logf, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open log file: %w", err)
	}
	defer logf.Close()

	proc := exec.Command(ac.Command, ac.Args...)
	if ac.WorkingDir != "" {
		proc.Dir = ac.WorkingDir
	}
	env := os.Environ()
	for k, v := range ac.Env {
		env = append(env, k+"="+os.Expand(v, os.Getenv))
	}
	proc.Env = env
	proc.Stdout = logf
	proc.Stderr = logf
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := proc.Start(); err != nil {
		return 0, fmt.Errorf("start adapter %s: %w", ac.Name, err)
	}
	pid := proc.Process.Pid
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return pid, fmt.Errorf("write adapter pid file: %w", err)
	}
	_ = proc.Process.Release()
	return pid, nil
}

func adapterPIDPath(name string) string {
	return filepath.Join("/tmp", fmt.Sprintf(supervisor.PIDFilePattern, name))
}

func runLogs(cmd *cobra.Command, n int, follow bool) error {
	cfg := currentConfig()
	if follow {
		return daemon.Follow(cmd.Context(), cfg.LogFile, n, cmd.OutOrStdout())
	}
	lines, err := daemon.LastLines(cfg.LogFile, n)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("log file %s does not exist", cfg.LogFile)
		}
		return err
	}
	out := cmd.OutOrStdout()
	for _, line := range lines {
		fmt.Fprintln(out, line)
	}
	return nil
}
