package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

type RunFlags struct {
	Listen string
}

type StopFlags struct {
	Wait   time.Duration
	APIUrl string
}

type StatusFlags struct {
	JSON   bool
	APIUrl string
}

type OutputFlags struct {
	JSON bool
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	runFlags := &RunFlags{}
	stopFlags := &StopFlags{}
	statusFlags := &StatusFlags{}
	outFlags := &OutputFlags{}

	wardenCommand := command{flags: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(wardenCommand, runFlags),
		createStopCommand(wardenCommand, stopFlags),
		createStatusCommand(wardenCommand, statusFlags),
		createPreflightCommand(wardenCommand, outFlags),
		createProbeCommand(wardenCommand, outFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "warden",
		Short: "Self-healing supervisor for a single long-running process",
		Long: `Warden keeps one process alive: it checks the environment before every
start, restarts crashes with exponential backoff and runs allowlisted
emergency recovery when restarts keep failing.

Examples:
  warden run --config warden.toml
  warden status --config warden.toml
  warden stop --config warden.toml --wait 15s
  warden preflight --config warden.toml`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func createRunCommand(c command, flags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Supervise the configured target in the foreground",
		Long: `Run the watchdog until the target exits cleanly, a stop is requested
(warden stop, SIGINT or SIGTERM) or recovery gives up.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "HTTP API listen address, overrides server.listen")
	return cmd
}

func createStopCommand(c command, flags *StopFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask a running watchdog to stop",
		Long: `Write the stop sentinel. The watchdog notices it within one poll interval,
terminates the target and exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().DurationVar(&flags.Wait, "wait", 0, "wait up to this long for the watchdog to exit")
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "stop through the HTTP API instead of the sentinel file (e.g. http://127.0.0.1:8091)")
	return cmd
}

func createStatusCommand(c command, flags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the process record",
		Long: `Show the record persisted in the state file, or ask a running daemon
over HTTP when --api-url is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print JSON")
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "daemon HTTP API (e.g. http://127.0.0.1:8091)")
	return cmd
}

func createPreflightCommand(c command, flags *OutputFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preflight",
		Short: "Run the guardian checks once without starting the target",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Preflight(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print JSON")
	return cmd
}

func createProbeCommand(c command, flags *OutputFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Poll the configured health endpoint once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Probe(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print JSON")
	return cmd
}
