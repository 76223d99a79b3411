package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/muurk/dps150/internal/bridge"
	"github.com/muurk/dps150/internal/discovery"
	"github.com/muurk/dps150/internal/logging"
	"github.com/muurk/dps150/internal/protocol"
	"github.com/muurk/dps150/internal/shell"
	"github.com/muurk/dps150/internal/ui"
)

// Network command flags
var (
	serveListen      string
	serveName        string
	serveNoAdvertise bool
	scanWait         time.Duration
)

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(remoteCmd)
	remoteCmd.AddCommand(remoteStatusCmd)
	remoteCmd.AddCommand(remoteSetCmd)
	remoteCmd.AddCommand(remoteOutputCmd)

	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "", "Listen address (default from config, \":8150\")")
	serveCmd.Flags().StringVar(&serveName, "name", "", "mDNS instance name (default from config)")
	serveCmd.Flags().BoolVar(&serveNoAdvertise, "no-advertise", false, "Do not announce the bridge over mDNS")

	scanCmd.Flags().DurationVar(&scanWait, "wait", discovery.DefaultScanTimeout, "How long to listen for answers")
	scanCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print bridges as JSON")
	remoteCmd.PersistentFlags().DurationVar(&scanWait, "wait", discovery.DefaultScanTimeout, "How long to look for a bridge given by name")
	remoteStatusCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the state as JSON")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Share the supply on the network",
	Long: `Start the telemetry bridge: an HTTP server that streams device state
to WebSocket clients and accepts commands from them.

Endpoints:
  /ws        WebSocket stream of state and protection messages
  /state     current state as JSON
  /healthz   liveness probe

The bridge is announced over mDNS as _dps150._tcp so 'dps150 scan' and
'dps150 remote' on other machines can find it. Press Ctrl+C to stop.`,
	Example: `  # Serve on the configured address
  dps150 serve

  # Serve on a specific port without mDNS
  dps150 serve --listen :9000 --no-advertise`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	conf := bridge.Config{
		Listen:    cfg.Bridge.Listen,
		Name:      cfg.Bridge.Name,
		Advertise: cfg.Bridge.Advertise && !serveNoAdvertise,
		Logger:    logging.Named("bridge"),
	}
	if serveListen != "" {
		conf.Listen = serveListen
	}
	if serveName != "" {
		conf.Name = serveName
	}

	ctx := cmd.Context()
	s, err := openDevice(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	s.dev.StartPolling(ctx, cfg.Device.PollInterval)
	defer s.dev.StopPolling()

	ui.NewPrinter(cmd.OutOrStdout()).PrintHeader("Telemetry Bridge", "dps150 serve",
		ui.Field{Key: "Device", Value: s.port},
		ui.Field{Key: "Listen", Value: conf.Listen},
		ui.Field{Key: "mDNS", Value: advertiseLabel(conf)},
	)
	logging.Info("Starting bridge", zap.String("listen", conf.Listen), zap.Bool("advertise", conf.Advertise))
	return bridge.New(conf, s.dev).Run(ctx)
}

func advertiseLabel(c bridge.Config) string {
	if !c.Advertise {
		return "off"
	}
	return c.Name + "." + discovery.ServiceType
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Find telemetry bridges on the local network",
	Example: `  # Listen for 10 seconds
  dps150 scan --wait 10s`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if !jsonOutput {
			fmt.Fprintf(out, "Scanning for bridges (%s)...\n", scanWait)
		}
		bridges, err := discovery.Scan(cmd.Context(), scanWait)
		if err != nil {
			return protocol.NewConnectionError("mDNS scan failed", err)
		}
		if jsonOutput {
			return printJSON(cmd, bridges)
		}
		if len(bridges) == 0 {
			fmt.Fprintln(out, "No bridges found.")
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Troubleshooting:")
			fmt.Fprintln(out, "  • Is 'dps150 serve' running on the other machine?")
			fmt.Fprintln(out, "  • Are both machines on the same network segment?")
			fmt.Fprintln(out, "  • Firewalls must pass UDP port 5353 (mDNS)")
			return nil
		}
		for _, b := range bridges {
			fmt.Fprintf(out, "  %s\n", b)
			if fw := b.GetMetadata(discovery.TXTFirmware); fw != "" {
				fmt.Fprintf(out, "    firmware %s, %s\n", fw, b.WebSocketURL())
			} else {
				fmt.Fprintf(out, "    %s\n", b.WebSocketURL())
			}
		}
		return nil
	},
}

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Control a supply through a bridge on another machine",
	Long: `Talk to a 'dps150 serve' bridge instead of a local serial port.

The target is a WebSocket URL, a host:port, or an mDNS instance name
as shown by 'dps150 scan'.`,
	Example: `  dps150 remote status bench-psu
  dps150 remote set 192.168.1.20:8150 voltage 5
  dps150 remote output ws://pi.local:8150/ws off`,
}

var remoteStatusCmd = &cobra.Command{
	Use:   "status <target>",
	Short: "Show the remote supply's state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRemote(cmd, args[0], func(ctx context.Context, c *bridge.Client) error {
			res, err := c.Do(ctx, bridge.Message{Op: bridge.OpRefresh})
			if err != nil {
				return err
			}
			if res.State == nil {
				return protocol.NewProtocolError("bridge returned no state")
			}
			if jsonOutput {
				return printJSON(cmd, res.State)
			}
			ui.NewPrinter(cmd.OutOrStdout()).PrintState(*res.State)
			return nil
		})
	},
}

var remoteSetCmd = &cobra.Command{
	Use:   "set <target> <param> <value>",
	Short: "Write a parameter on the remote supply",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return protocol.NewValueError(fmt.Sprintf("%s: %q is not a number", args[1], args[2]))
		}
		return withRemote(cmd, args[0], func(ctx context.Context, c *bridge.Client) error {
			if _, err := c.Do(ctx, bridge.Message{Op: bridge.OpSet, Param: args[1], Value: bridge.Float(v)}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[1], args[2])
			return nil
		})
	},
}

var remoteOutputCmd = &cobra.Command{
	Use:   "output <target> on|off",
	Short: "Switch the remote supply's output",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		on, err := shell.ParseOnOff(args[1])
		if err != nil {
			return err
		}
		op := bridge.OpDisableOutput
		if on {
			op = bridge.OpEnableOutput
		}
		return withRemote(cmd, args[0], func(ctx context.Context, c *bridge.Client) error {
			if _, err := c.Do(ctx, bridge.Message{Op: op}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Output %s\n", onOff(on))
			return nil
		})
	},
}

// withRemote dials the bridge named by target and runs fn with a command
// timeout.
func withRemote(cmd *cobra.Command, target string, fn func(ctx context.Context, c *bridge.Client) error) error {
	ctx := cmd.Context()
	url, err := resolveBridge(ctx, target)
	if err != nil {
		return err
	}
	logging.Debug("Dialing bridge", zap.String("url", url))

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	c, err := bridge.Dial(dialCtx, url)
	cancel()
	if err != nil {
		return protocol.NewConnectionError("cannot reach bridge", err)
	}
	defer c.Close()

	timeout := cfg.Device.Timeout * 3
	if timeoutFlag > 0 {
		timeout = timeoutFlag
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(opCtx, c)
}

// resolveBridge turns a URL, host:port or mDNS instance name into a
// WebSocket URL.
func resolveBridge(ctx context.Context, target string) (string, error) {
	switch {
	case strings.HasPrefix(target, "ws://"), strings.HasPrefix(target, "wss://"):
		return target, nil
	case strings.Contains(target, ":"):
		return "ws://" + target + discovery.DefaultPath, nil
	}
	scanner := discovery.NewScanner()
	scanner.Timeout = scanWait
	b, err := scanner.Find(ctx, target)
	if err != nil {
		return "", protocol.NewConnectionError("cannot find bridge", err)
	}
	return b.WebSocketURL(), nil
}
