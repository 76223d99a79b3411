package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/muurk/dps150/internal/capture"
	"github.com/muurk/dps150/internal/protocol"
)

// Capture flags
var (
	dumpSession   string
	dumpDirection string
	dumpTypes     []string
)

func init() {
	rootCmd.AddCommand(captureCmd)
	captureCmd.AddCommand(captureDumpCmd)

	captureDumpCmd.Flags().StringVar(&dumpSession, "session", "", "Only show frames from this session ID")
	captureDumpCmd.Flags().StringVar(&dumpDirection, "direction", "", "Only show frames going \"in\" (device to host) or \"out\"")
	captureDumpCmd.Flags().StringSliceVar(&dumpTypes, "type", nil, "Only show these parameters, e.g. --type voltage,output")
}

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Inspect frame captures",
	Long: `Inspect .dpscap files written by the global --capture flag.

Any command accepts --capture to record every frame it exchanges with
the supply:

  dps150 status --capture             # file in the capture directory
  dps150 status --capture=./traces    # file in ./traces
  dps150 status --capture=run.dpscap  # exactly this file`,
}

var captureDumpCmd = &cobra.Command{
	Use:   "dump <file>",
	Short: "Print the frames in a capture file",
	Example: `  # Every frame
  dps150 capture dump dps150-20260301T120000Z.dpscap

  # Only replies carrying the output readings
  dps150 capture dump run.dpscap --direction in --type output`,
	Args: cobra.ExactArgs(1),
	RunE: runCaptureDump,
}

func runCaptureDump(cmd *cobra.Command, args []string) error {
	reg := protocol.DefaultRegistry
	filter, err := dumpFilter(reg)
	if err != nil {
		return err
	}

	rd, err := capture.Open(args[0], filter)
	if err != nil {
		return err
	}
	defer rd.Close()

	out := cmd.OutOrStdout()
	var count int
	sessions := make(map[string]bool)
	for {
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("reading %s after %d records: %w", args[0], count, err)
		}
		count++
		sessions[rec.Session] = true
		fmt.Fprintln(out, capture.Describe(rec, reg))
	}
	fmt.Fprintf(out, "\n%d frame(s) in %d session(s)\n", count, len(sessions))
	return nil
}

func dumpFilter(reg *protocol.Registry) (capture.Filter, error) {
	f := capture.Filter{Session: dumpSession}
	switch strings.ToLower(dumpDirection) {
	case "":
	case "in":
		d := capture.DirectionIn
		f.Direction = &d
	case "out":
		d := capture.DirectionOut
		f.Direction = &d
	default:
		return f, protocol.NewValueError(fmt.Sprintf("direction must be in or out, got %q", dumpDirection))
	}
	for _, name := range dumpTypes {
		c, ok := reg.Find(name)
		if !ok {
			return f, protocol.NewValueError(fmt.Sprintf("unknown parameter %q", name))
		}
		f.Types = append(f.Types, c.Type)
	}
	return f, nil
}
