// Package main provides the CLI entry point for the Clara gateway.
//
// The gateway is the central hub between platform chat adapters
// (Discord, Slack, CLI, ...) and the LLM pipeline. Adapters connect
// over WebSocket, the gateway dedupes/debounces/serializes their
// messages per channel, drives the multi-turn tool loop, and streams
// responses back.
//
// # Basic Usage
//
// Start the gateway in the background:
//
//	clara-gateway start
//
// Start in the foreground with specific adapters:
//
//	clara-gateway start -f --adapter discord --adapter cli
//
// Inspect and control a running gateway:
//
//	clara-gateway status
//	clara-gateway logs -n 100 -f
//	clara-gateway adapter discord restart
//	clara-gateway stop
//
// # Environment Variables
//
// Configuration can be provided via environment variables:
//
//   - CLARA_GATEWAY_HOST / CLARA_GATEWAY_PORT: listen address
//   - CLARA_GATEWAY_SECRET: shared secret required in REGISTER frames
//   - CLARA_GATEWAY_PIDFILE / CLARA_GATEWAY_LOGFILE: runtime file paths
//   - CLARA_HOOKS_DIR / CLARA_SCHEDULER_DIR: YAML config directories
//   - CLARA_ADAPTERS_CONFIG: adapters.yaml path
//   - ANTHROPIC_API_KEY / OPENAI_API_KEY: LLM provider credentials
//   - TOOL_CALL_MODE: native, xml, or langchain
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/clara-ai/clara/internal/config"
)

// rootFlags are the persistent options shared by every command. Their
// defaults come from the environment, so flags only need to be passed
// to override it.
type rootFlags struct {
	host           string
	port           int
	pidFile        string
	logFile        string
	hooksDir       string
	schedulerDir   string
	adaptersConfig string
	debug          bool
}

var flags rootFlags

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	env := config.FromEnv()

	rootCmd := &cobra.Command{
		Use:   "clara-gateway",
		Short: "Clara gateway - central hub for chat adapters and the LLM pipeline",
		Long: `Clara gateway mediates between platform chat adapters and the LLM
pipeline: adapters register over WebSocket, inbound messages are
deduplicated, debounced, and serialized per channel, and responses
stream back as they generate.`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.host, "host", env.Host, "Gateway listen host")
	pf.IntVar(&flags.port, "port", env.Port, "Gateway listen port")
	pf.StringVar(&flags.pidFile, "pidfile", env.PIDFile, "Gateway PID file path")
	pf.StringVar(&flags.logFile, "logfile", env.LogFile, "Gateway log file path")
	pf.StringVar(&flags.hooksDir, "hooks-dir", env.HooksDir, "Directory of hook YAML files")
	pf.StringVar(&flags.schedulerDir, "scheduler-dir", env.SchedulerDir, "Directory of scheduled task YAML files")
	pf.StringVar(&flags.adaptersConfig, "adapters-config", env.AdaptersConfig, "Path to adapters.yaml")
	pf.BoolVar(&flags.debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		buildStartCmd(),
		buildStopCmd(),
		buildStatusCmd(),
		buildRestartCmd(),
		buildAdapterCmd(),
		buildLogsCmd(),
	)
	return rootCmd
}

// currentConfig merges the environment config with flag overrides.
func currentConfig() config.Gateway {
	cfg := config.FromEnv()
	cfg.Host = flags.host
	cfg.Port = flags.port
	cfg.PIDFile = flags.pidFile
	cfg.LogFile = flags.logFile
	cfg.HooksDir = flags.hooksDir
	cfg.SchedulerDir = flags.schedulerDir
	cfg.AdaptersConfig = flags.adaptersConfig
	return cfg
}
