// commands.go contains the cobra command definitions and their flag
// configurations. Each command builder wires a command to its handler.
package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildStartCmd creates the "start" command, the primary way to run
// the gateway in production.
func buildStartCmd() *cobra.Command {
	var opts startOptions

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the gateway",
		Long: `Start the gateway and its configured adapters.

The gateway daemonizes by default, writing output to the log file.
Use -f to stay in the foreground. --adapter limits startup to the
named adapters; --no-adapters starts the gateway alone.`,
		Example: `  # Start in the background with all configured adapters
  clara-gateway start

  # Foreground, Discord adapter only
  clara-gateway start -f --adapter discord`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.foreground, "foreground", "f", false,
		"Run in the foreground instead of daemonizing")
	cmd.Flags().StringArrayVar(&opts.adapters, "adapter", nil,
		"Start only the named adapter (repeatable)")
	cmd.Flags().BoolVar(&opts.noAdapters, "no-adapters", false,
		"Start the gateway without any adapters")
	return cmd
}

func buildStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(cmd)
		},
	}
}

func buildStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gateway and adapter status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd)
		},
	}
}

func buildRestartCmd() *cobra.Command {
	var opts startOptions

	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestart(cmd, opts)
		},
	}
	cmd.Flags().BoolVarP(&opts.foreground, "foreground", "f", false,
		"Run in the foreground instead of daemonizing")
	return cmd
}

// buildAdapterCmd creates the "adapter" command group for per-adapter
// control of a running gateway.
func buildAdapterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "adapter NAME {start|stop|restart|status}",
		Short: "Control a single adapter",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, action := args[0], args[1]
			switch action {
			case "start", "stop", "restart", "status":
				return runAdapter(cmd, name, action)
			default:
				return fmt.Errorf("unknown adapter action %q (want start, stop, restart, or status)", action)
			}
		},
	}
	return cmd
}

func buildLogsCmd() *cobra.Command {
	var (
		lines  int
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Tail the gateway log file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogs(cmd, lines, follow)
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep streaming appended lines")
	return cmd
}
