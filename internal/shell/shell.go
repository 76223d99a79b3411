// Package shell provides the interactive prompt behind "dps150 shell".
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/muurk/dps150/internal/config"
	"github.com/muurk/dps150/internal/device"
	"github.com/muurk/dps150/internal/dispatcher"
	"github.com/muurk/dps150/internal/protocol"
	"github.com/muurk/dps150/internal/ui"
)

// commandTimeout bounds the device operations of one command line
const commandTimeout = 5 * time.Second

// Options configures a Shell.
type Options struct {
	Prompt      string
	HistoryFile string
	Profiles    map[string]*config.Profile

	// Out receives command output when Execute is called outside Run
	Out io.Writer
}

// Shell reads commands and runs them against a connected device.
type Shell struct {
	dev      *device.Device
	opts     Options
	out      io.Writer
	rl       *readline.Instance
	printer  *ui.Printer
	settable []string
}

// New creates a shell for dev.
func New(dev *device.Device, opts Options) *Shell {
	if opts.Prompt == "" {
		opts.Prompt = "dps150> "
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	s := &Shell{dev: dev, opts: opts, settable: dev.Settable()}
	s.setOutput(out)
	return s
}

func (s *Shell) setOutput(w io.Writer) {
	s.out = w
	s.printer = ui.NewPrinter(w)
}

// Run starts the interactive command loop. It returns when the user quits,
// input ends, or ctx is done.
func (s *Shell) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          s.opts.Prompt,
		HistoryFile:     s.opts.HistoryFile,
		AutoComplete:    s.completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	s.rl = rl
	defer rl.Close()
	s.setOutput(rl.Stdout())

	// Trips are reported as they happen, between prompts.
	tok := s.dev.Subscribe(func(ev dispatcher.Event) {
		if p, ok := protocol.ProtectionOf(ev.Err); ok {
			fmt.Fprintf(s.out, "\n%s output disabled\n", ui.ProtectionBadge(p))
			rl.Refresh()
		}
	})
	defer s.dev.Unsubscribe(tok)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = rl.Close()
		case <-done:
		}
	}()

	s.printHelp()
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			// EOF, closed, or ctx done
			fmt.Fprintln(s.out, "Exiting...")
			return nil
		}
		if s.Execute(ctx, line) {
			fmt.Fprintln(s.out, "Exiting...")
			return nil
		}
	}
}

// Execute runs one command line. It reports true when the line asks to quit.
func (s *Shell) Execute(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	var err error
	switch cmd {
	case "help", "?":
		s.printHelp()
	case "status", "s":
		err = s.cmdStatus(ctx)
	case "info", "i":
		err = s.cmdInfo(ctx)
	case "measure", "m":
		err = s.cmdMeasure(ctx)
	case "set":
		err = s.cmdSet(ctx, args)
	case "output", "o":
		err = s.cmdOutput(ctx, args)
	case "group":
		err = s.cmdGroup(ctx, args)
	case "load":
		err = s.cmdLoad(ctx, args)
	case "metering":
		err = s.cmdMetering(ctx, args)
	case "profile":
		err = s.cmdProfile(ctx, args)
	case "stats":
		s.cmdStats()
	case "quit", "exit", "q":
		return true
	default:
		fmt.Fprintf(s.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}

	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		if hint := protocol.Hint(err); hint != "" {
			fmt.Fprintf(s.out, "  %s\n", hint)
		}
	}
	return false
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, `
DPS-150 Commands:
  Readings:
    status               - Show the full device state
    measure              - Show output voltage, current, power and temperature
    info                 - Show model and versions

  Control:
    set <param> <value>  - Write a parameter (e.g. set voltage 12, set ocp 1.5)
    output on|off        - Switch the output
    group <n> <V> <A>    - Store a preset group (1-6)
    load <n>             - Make group n the active set-point
    metering on|off      - Start or stop capacity/energy metering
    profile [name]       - List profiles or apply one

  General:
    stats                - Show frame counters
    help                 - Show this help
    quit                 - Exit`)
}

func (s *Shell) cmdStatus(ctx context.Context) error {
	st, err := s.dev.GetAll(ctx)
	if err != nil {
		return err
	}
	s.printer.PrintState(st)
	return nil
}

func (s *Shell) cmdInfo(ctx context.Context) error {
	info, err := s.dev.GetInfo(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Model:    %s\nHardware: %s\nFirmware: %s\n", info.ModelName, info.HardwareVersion, info.FirmwareVersion)
	return nil
}

func (s *Shell) cmdMeasure(ctx context.Context) error {
	st, err := s.dev.GetAll(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s  %s  %s  %s  %s\n",
		ui.Volts(st.OutputVoltage), ui.Amps(st.OutputCurrent), ui.Watts(st.OutputPower),
		ui.Celsius(st.Temperature), ui.OutputBadge(st))
	return nil
}

func (s *Shell) cmdSet(ctx context.Context, args []string) error {
	if len(args) != 2 {
		fmt.Fprintln(s.out, "Usage: set <param> <value>")
		fmt.Fprintf(s.out, "  Parameters: %s\n", strings.Join(s.settable, ", "))
		return nil
	}
	v, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return protocol.NewValueError(fmt.Sprintf("not a number: %q", args[1]))
	}
	if err := s.dev.SetParam(ctx, strings.ToLower(args[0]), v); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s = %g\n", args[0], v)
	return nil
}

func (s *Shell) cmdOutput(ctx context.Context, args []string) error {
	if len(args) != 1 {
		fmt.Fprintln(s.out, "Usage: output on|off")
		return nil
	}
	on, err := ParseOnOff(args[0])
	if err != nil {
		return err
	}
	if err := s.dev.SetOutput(ctx, on); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Output %s\n", args[0])
	return nil
}

func (s *Shell) cmdGroup(ctx context.Context, args []string) error {
	if len(args) != 3 {
		fmt.Fprintln(s.out, "Usage: group <n> <volts> <amps>")
		return nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return protocol.NewValueError(fmt.Sprintf("not a group number: %q", args[0]))
	}
	v, err1 := strconv.ParseFloat(args[1], 32)
	i, err2 := strconv.ParseFloat(args[2], 32)
	if err1 != nil || err2 != nil {
		return protocol.NewValueError("group voltage and current must be numbers")
	}
	if err := s.dev.SetGroup(ctx, n, float32(v), float32(i)); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Group %d = %s %s\n", n, ui.Volts(float32(v)), ui.Amps(float32(i)))
	return nil
}

func (s *Shell) cmdLoad(ctx context.Context, args []string) error {
	if len(args) != 1 {
		fmt.Fprintln(s.out, "Usage: load <n>")
		return nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return protocol.NewValueError(fmt.Sprintf("not a group number: %q", args[0]))
	}
	g, err := s.dev.LoadGroup(ctx, n)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Loaded group %d: %s %s\n", n, ui.Volts(g.Voltage), ui.Amps(g.Current))
	return nil
}

func (s *Shell) cmdMetering(ctx context.Context, args []string) error {
	if len(args) != 1 {
		fmt.Fprintln(s.out, "Usage: metering on|off")
		return nil
	}
	on, err := ParseOnOff(args[0])
	if err != nil {
		return err
	}
	if on {
		err = s.dev.StartMetering(ctx)
	} else {
		err = s.dev.StopMetering(ctx)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Metering %s\n", args[0])
	return nil
}

func (s *Shell) cmdProfile(ctx context.Context, args []string) error {
	if len(args) == 0 {
		names := s.profileNames()
		if len(names) == 0 {
			fmt.Fprintln(s.out, "No profiles configured (see 'dps150 config init')")
			return nil
		}
		for _, n := range names {
			fmt.Fprintf(s.out, "  %-12s %s\n", n, s.opts.Profiles[n].Description)
		}
		return nil
	}

	p, ok := s.opts.Profiles[args[0]]
	if !ok {
		return protocol.NewValueError(fmt.Sprintf("unknown profile %q", args[0]))
	}
	if err := s.dev.Apply(ctx, p.Preset()); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Applied profile %s\n", args[0])
	return nil
}

func (s *Shell) cmdStats() {
	st := s.dev.Stats()
	fmt.Fprintf(s.out, "Frames: %d  Discarded bytes: %d  Checksum errors: %d\n", st.Frames, st.Discarded, st.ChecksumErrors)
}

func (s *Shell) profileNames() []string {
	names := make([]string, 0, len(s.opts.Profiles))
	for n := range s.opts.Profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *Shell) completer() *readline.PrefixCompleter {
	params := make([]readline.PrefixCompleterInterface, 0, len(s.settable))
	for _, n := range s.settable {
		params = append(params, readline.PcItem(n))
	}
	onOff := []readline.PrefixCompleterInterface{readline.PcItem("on"), readline.PcItem("off")}

	return readline.NewPrefixCompleter(
		readline.PcItem("status"),
		readline.PcItem("measure"),
		readline.PcItem("info"),
		readline.PcItem("set", params...),
		readline.PcItem("output", onOff...),
		readline.PcItem("group"),
		readline.PcItem("load"),
		readline.PcItem("metering", onOff...),
		readline.PcItem("profile", readline.PcItemDynamic(func(string) []string { return s.profileNames() })),
		readline.PcItem("stats"),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)
}

// ParseOnOff accepts on/off, true/false, yes/no and 1/0.
func ParseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, protocol.NewValueError(fmt.Sprintf("expected on or off, got %q", s))
}
