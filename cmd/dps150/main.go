// Dps150 controls a FNIRSI DPS-150 bench power supply over USB serial.
//
// It reads measurements, writes set-points and protection thresholds,
// applies saved profiles, and can show a live dashboard, run an
// interactive shell, or share the supply on the network through a
// WebSocket bridge.
//
// Usage:
//
//	dps150 [command] [flags]
//
// Running without arguments on a terminal launches the live monitor.
// See 'dps150 --help' for available commands.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/muurk/dps150/internal/protocol"
	"github.com/muurk/dps150/internal/ui"
	"github.com/muurk/dps150/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		reportError(err)
		os.Exit(1)
	}
}

// reported wraps an error whose failure box was already printed.
type reported struct{ error }

func (r reported) Unwrap() error { return r.error }

// reportError prints device errors with a troubleshooting box and anything
// else as a plain line.
func reportError(err error) {
	var done reported
	if errors.As(err, &done) {
		return
	}
	var perr *protocol.Error
	if errors.As(err, &perr) && ui.IsTerminal() {
		p := ui.NewPrinter(os.Stderr)
		p.PrintError("Command failed", err)
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if hint := protocol.Hint(err); hint != "" {
		fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dps150",
	Short: "FNIRSI DPS-150 power supply control",
	Long: `A command-line controller for the FNIRSI DPS-150 USB-C bench power supply.

Reads live measurements, writes set-points and protection thresholds,
applies saved profiles, and can serve the supply to other machines
through a WebSocket bridge.

If no command is specified on a terminal, the live monitor launches.`,
	Version:           version.Version,
	SilenceErrors:     true,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) { teardown() },
	RunE: func(cmd *cobra.Command, args []string) error {
		if !ui.IsTerminal() {
			return cmd.Help()
		}
		return runMonitor(cmd, args)
	},
}

func init() {
	// Disable automatic completion command generation
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ~/.config/dps150/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&portFlag, "port", "p", "", "Serial port path, or \"auto\" to detect the supply")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 0, "Reply timeout for a single read (default from config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: silent)")
	rootCmd.PersistentFlags().BoolVar(&simulate, "simulate", false, "Talk to a built-in simulated supply instead of hardware")
	rootCmd.PersistentFlags().StringVar(&captureFlag, "capture", "", "Record every frame; --capture=<file.dpscap|dir> picks where")
	rootCmd.PersistentFlags().Lookup("capture").NoOptDefVal = captureDefault

	rootCmd.AddCommand(versionCmd)
}

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		if versionJSON {
			return printJSON(cmd, version.Get())
		}
		fmt.Fprintf(cmd.OutOrStdout(), "dps150 %s (commit: %s)\n", version.Version, version.Commit)
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Print build information as JSON")
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
