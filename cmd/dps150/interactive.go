package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/muurk/dps150/internal/logging"
	"github.com/muurk/dps150/internal/monitor"
	"github.com/muurk/dps150/internal/shell"
)

func init() {
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(shellCmd)
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live dashboard with meters and controls",
	Long: `Open a full-screen dashboard showing live readings, set-points
and protection state, refreshed at the configured poll interval.

Keys: o toggles the output, v and c edit the set-points, 1-6 load a
stored group, m toggles metering, r refreshes, ? shows help, q quits.

Logs go to monitor.log in the config directory while the dashboard
owns the terminal.`,
	Example: `  # Monitor the auto-detected supply
  dps150 monitor

  # Try the dashboard without hardware
  dps150 monitor --simulate`,
	RunE: runMonitor,
}

func runMonitor(cmd *cobra.Command, args []string) error {
	if path := configDirFile("monitor.log"); path != "" {
		if err := logging.InitializeTo(effectiveLogLevel(), []string{path}); err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	s, err := openDevice(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	s.dev.StartPolling(ctx, cfg.Device.PollInterval)
	defer s.dev.StopPolling()

	return monitor.Run(ctx, s.dev)
}

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive command shell",
	Long: `Open an interactive prompt connected to the supply.

The shell keeps one session open, so repeated commands skip the
handshake. Type 'help' at the prompt for commands. History is kept in
the config directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openDevice(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		fmt.Fprintf(cmd.OutOrStdout(), "Connected to %s. Type 'help' for commands.\n", s.port)
		sh := shell.New(s.dev, shell.Options{
			HistoryFile: configDirFile("history"),
			Profiles:    cfg.Profiles,
			Out:         cmd.OutOrStdout(),
		})
		return sh.Run(ctx)
	},
}
