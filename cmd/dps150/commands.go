package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/muurk/dps150/internal/device"
	"github.com/muurk/dps150/internal/dispatcher"
	"github.com/muurk/dps150/internal/protocol"
	"github.com/muurk/dps150/internal/shell"
	"github.com/muurk/dps150/internal/transport"
	"github.com/muurk/dps150/internal/ui"
)

// Device command flags
var (
	jsonOutput    bool
	watchInterval time.Duration
)

func init() {
	rootCmd.AddCommand(portsCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(outputCmd)
	rootCmd.AddCommand(meteringCmd)
	rootCmd.AddCommand(groupCmd)

	groupCmd.AddCommand(groupListCmd)
	groupCmd.AddCommand(groupSetCmd)
	groupCmd.AddCommand(groupLoadCmd)

	portsCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print ports as JSON")
	infoCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print device information as JSON")
	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the full device state as JSON")
	statusCmd.Flags().DurationVarP(&watchInterval, "watch", "w", 0, "Keep printing readings at this interval until interrupted")
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports",
	Long: `List the serial ports on this machine.

The port auto-detection would pick is marked with '*'. Set usb_vendor_id
and usb_product_id in the config file to narrow detection when several
USB serial adapters are plugged in.`,
	Example: `  # List ports
  dps150 ports

  # Machine-readable output
  dps150 ports --json`,
	RunE: runPorts,
}

func runPorts(cmd *cobra.Command, args []string) error {
	ports, err := transport.ListPorts()
	if err != nil {
		return protocol.NewConnectionError("cannot list serial ports", err)
	}
	if jsonOutput {
		return printJSON(cmd, ports)
	}

	out := cmd.OutOrStdout()
	if len(ports) == 0 {
		fmt.Fprintln(out, "No serial ports found.")
		return nil
	}
	opts := cfg.Device.Options()
	picked, _ := transport.FindPort(ports, opts.Match)
	for _, p := range ports {
		mark := " "
		if p.Name == picked {
			mark = "*"
		}
		fmt.Fprintf(out, "%s %s\n", mark, p)
	}
	return nil
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show model name and firmware versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDevice(cmd, func(ctx context.Context, dev *device.Device) error {
			info, err := dev.GetInfo(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, info)
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.DescribeInfo(info))
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show measurements, set-points and protection settings",
	Long: `Read the full device state and print it.

With --watch, the state is polled at the given interval and a line of
readings is printed for each refresh until interrupted.`,
	Example: `  # One-shot status
  dps150 status

  # Full state as JSON
  dps150 status --json

  # Print readings every half second
  dps150 status --watch 500ms`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withDevice(cmd, func(ctx context.Context, dev *device.Device) error {
		if watchInterval > 0 {
			return watchStatus(ctx, cmd, dev)
		}
		st, err := dev.GetAll(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, st)
		}
		ui.NewPrinter(cmd.OutOrStdout()).PrintState(st)
		return nil
	})
}

func watchStatus(ctx context.Context, cmd *cobra.Command, dev *device.Device) error {
	updates := make(chan dispatcher.Event, 8)
	tok := dev.Subscribe(func(ev dispatcher.Event) {
		if ev.Type != protocol.TypeAll && ev.Err == nil {
			return
		}
		select {
		case updates <- ev:
		default:
		}
	})
	defer dev.Unsubscribe(tok)

	dev.StartPolling(ctx, watchInterval)
	defer dev.StopPolling()

	out := cmd.OutOrStdout()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-updates:
			if p, ok := protocol.ProtectionOf(ev.Err); ok {
				fmt.Fprintf(out, "%s  protection tripped: %s, output disabled\n", time.Now().Format("15:04:05"), p)
				continue
			}
			if jsonOutput {
				if err := printJSON(cmd, ev.State); err != nil {
					return err
				}
				continue
			}
			fmt.Fprintln(out, readingLine(ev.State))
		}
	}
}

func readingLine(st protocol.DeviceState) string {
	return fmt.Sprintf("%s  %s  %s  %s  %s  %s",
		time.Now().Format("15:04:05"),
		ui.Volts(st.OutputVoltage), ui.Amps(st.OutputCurrent), ui.Watts(st.OutputPower),
		ui.Celsius(st.Temperature), ui.OutputBadge(st))
}

var setCmd = &cobra.Command{
	Use:   "set <param> <value> [<param> <value>...]",
	Short: "Write one or more parameters",
	Long: `Write parameters by name.

Writable parameters include voltage, current, ovp, ocp, opp, otp, lvp,
brightness, volume and the group set-points group1_voltage through
group6_current. Pairs are written in order; the first failure stops.`,
	Example: `  # 12 V at 1.5 A
  dps150 set voltage 12 current 1.5

  # Over-current protection at 2 A
  dps150 set ocp 2`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 || len(args)%2 != 0 {
			return fmt.Errorf("expected <param> <value> pairs, got %d argument(s)", len(args))
		}
		return nil
	},
	RunE: runSet,
}

func runSet(cmd *cobra.Command, args []string) error {
	type write struct {
		name  string
		value float64
	}
	writes := make([]write, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		v, err := strconv.ParseFloat(args[i+1], 64)
		if err != nil {
			return protocol.NewValueError(fmt.Sprintf("%s: %q is not a number", args[i], args[i+1]))
		}
		writes = append(writes, write{args[i], v})
	}

	return withDevice(cmd, func(ctx context.Context, dev *device.Device) error {
		var details []ui.Field
		for _, w := range writes {
			if err := dev.SetParam(ctx, w.name, w.value); err != nil {
				return fmt.Errorf("failed to set %s: %w", w.name, err)
			}
			details = append(details, ui.Field{Key: w.name, Value: strconv.FormatFloat(w.value, 'g', -1, 64)})
		}
		ui.NewPrinter(cmd.OutOrStdout()).PrintSuccess("Parameters written", details...)
		return nil
	})
}

var outputCmd = &cobra.Command{
	Use:       "output on|off",
	Short:     "Switch the output",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		on, err := shell.ParseOnOff(args[0])
		if err != nil {
			return err
		}
		return withDevice(cmd, func(ctx context.Context, dev *device.Device) error {
			if err := dev.SetOutput(ctx, on); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Output %s\n", onOff(on))
			return nil
		})
	},
}

var meteringCmd = &cobra.Command{
	Use:   "metering on|off",
	Short: "Start or stop capacity and energy metering",
	Long: `Start or stop the supply's Ah/Wh accumulators.

The running totals appear in 'dps150 status' while metering is on.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		on, err := shell.ParseOnOff(args[0])
		if err != nil {
			return err
		}
		return withDevice(cmd, func(ctx context.Context, dev *device.Device) error {
			if on {
				err = dev.StartMetering(ctx)
			} else {
				err = dev.StopMetering(ctx)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Metering %s\n", onOff(on))
			return nil
		})
	},
}

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage the six stored set-point groups (M1-M6)",
}

var groupListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the stored groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDevice(cmd, func(ctx context.Context, dev *device.Device) error {
			st, err := dev.GetAll(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, st.Groups)
			}
			out := cmd.OutOrStdout()
			for i, g := range st.Groups {
				fmt.Fprintf(out, "M%d  %s  %s\n", i+1, ui.Volts(g.Voltage), ui.Amps(g.Current))
			}
			return nil
		})
	},
}

var groupSetCmd = &cobra.Command{
	Use:     "set <n> <volts> <amps>",
	Short:   "Store a set-point pair in group n",
	Example: `  dps150 group set 2 3.3 0.5`,
	Args:    cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := parseGroup(args[0])
		if err != nil {
			return err
		}
		v, err := parseFloat32("volts", args[1])
		if err != nil {
			return err
		}
		i, err := parseFloat32("amps", args[2])
		if err != nil {
			return err
		}
		return withDevice(cmd, func(ctx context.Context, dev *device.Device) error {
			if err := dev.SetGroup(ctx, n, v, i); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "M%d = %s, %s\n", n, ui.Volts(v), ui.Amps(i))
			return nil
		})
	},
}

var groupLoadCmd = &cobra.Command{
	Use:   "load <n>",
	Short: "Make group n the active set-points",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := parseGroup(args[0])
		if err != nil {
			return err
		}
		return withDevice(cmd, func(ctx context.Context, dev *device.Device) error {
			g, err := dev.LoadGroup(ctx, n)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Loaded M%d: %s, %s\n", n, ui.Volts(g.Voltage), ui.Amps(g.Current))
			return nil
		})
	},
}

func init() {
	groupListCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print groups as JSON")
}

func parseGroup(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > protocol.GroupCount {
		return 0, protocol.NewValueError(fmt.Sprintf("group must be 1-%d, got %q", protocol.GroupCount, s))
	}
	return n, nil
}

func parseFloat32(name, s string) (float32, error) {
	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, protocol.NewValueError(fmt.Sprintf("%s: %q is not a number", name, s))
	}
	return float32(v), nil
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
