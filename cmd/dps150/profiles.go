package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/muurk/dps150/internal/config"
	"github.com/muurk/dps150/internal/device"
	"github.com/muurk/dps150/internal/protocol"
	"github.com/muurk/dps150/internal/ui"
)

// Profile flags
var (
	assumeYes          bool
	profileDescription string
	noRollback         bool
)

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileListCmd)
	profileCmd.AddCommand(profileApplyCmd)
	profileCmd.AddCommand(profileSaveCmd)

	profileApplyCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Do not ask before switching the output on")
	profileApplyCmd.Flags().BoolVar(&noRollback, "no-rollback", false, "Leave partial changes in place when a step fails")
	profileSaveCmd.Flags().StringVarP(&profileDescription, "description", "d", "", "Description stored with the profile")
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage set-point profiles stored in the config file",
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		names := cfg.ProfileNames()
		if len(names) == 0 {
			fmt.Fprintln(out, "No profiles. Run 'dps150 config init' for examples.")
			return nil
		}
		for _, name := range names {
			fmt.Fprintf(out, "%-12s %s\n", name, describeProfile(cfg.GetProfile(name)))
		}
		return nil
	},
}

var profileApplyCmd = &cobra.Command{
	Use:   "apply <name>",
	Short: "Write a profile to the supply",
	Long: `Write a saved profile's set-points and protection thresholds, then
switch the output if the profile says so.

Switching the output on asks for confirmation unless --yes is given.
The values are read back afterwards. If any step or the read-back
fails, the previous settings are restored unless --no-rollback is
given.`,
	Example: `  # Apply the 5 V USB profile
  dps150 profile apply usb5v

  # Apply without prompting
  dps150 profile apply logic3v3 --yes`,
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeProfiles,
	RunE:              runProfileApply,
}

func runProfileApply(cmd *cobra.Command, args []string) error {
	name := args[0]
	p := cfg.GetProfile(name)
	if p == nil {
		return protocol.NewValueError(fmt.Sprintf("no profile named %q", name))
	}

	if p.Output != nil && *p.Output && !assumeYes {
		ok := ui.Confirm(cmd.InOrStdin(), cmd.OutOrStdout(), "Switch the output on?",
			fmt.Sprintf("Profile %s sets %s at %s and enables the output.", name, ui.Volts(p.Voltage), ui.Amps(p.Current)),
			"Make sure the load is connected and rated for these values.")
		if !ok {
			return nil
		}
	}

	ctx := cmd.Context()
	runner := ui.NewRunner(ui.RunnerConfig{
		Title:     "Apply Profile",
		Command:   "dps150 profile apply " + name,
		Params:    []ui.Field{{Key: "Profile", Value: name}, {Key: "Port", Value: displayPort()}},
		StepNames: []string{"Connect", "Set-points", "Protection thresholds", "Output", "Verify"},
		Output:    cmd.OutOrStdout(),
	})
	err := runner.Run(ctx, func(ctx context.Context, onStep ui.StepCallback) ([]ui.Field, error) {
		onStep(1, ui.StepRunning, "")
		s, err := openDevice(ctx)
		if err != nil {
			onStep(1, ui.StepFailed, "")
			return nil, err
		}
		defer s.Close()
		onStep(1, ui.StepComplete, "")
		return applyProfile(ctx, s.dev, p, onStep)
	})
	if err != nil {
		return reported{err}
	}
	return nil
}

// applyProfile runs the write steps of a profile after the connect step.
func applyProfile(ctx context.Context, dev *device.Device, p *config.Profile, onStep ui.StepCallback) ([]ui.Field, error) {
	before, err := dev.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	snapshot := device.PresetOf(before)

	fields, err := writeProfile(ctx, dev, p.Preset(), onStep)
	if err == nil || noRollback {
		return fields, err
	}
	if res := dev.ApplyAndVerify(ctx, snapshot, device.DefaultVerificationOptions()); res.Error != nil {
		return nil, fmt.Errorf("%w (rollback also failed: %v)", err, res.Error)
	}
	return nil, fmt.Errorf("%w (previous settings restored)", err)
}

func writeProfile(ctx context.Context, dev *device.Device, preset device.Preset, onStep ui.StepCallback) ([]ui.Field, error) {
	steps := []struct {
		index  int
		preset device.Preset
		skip   bool
	}{
		{2, device.Preset{Voltage: preset.Voltage, Current: preset.Current}, preset.Voltage == 0 && preset.Current == 0},
		{3, device.Preset{OVP: preset.OVP, OCP: preset.OCP, OPP: preset.OPP, OTP: preset.OTP, LVP: preset.LVP},
			preset.OVP == 0 && preset.OCP == 0 && preset.OPP == 0 && preset.OTP == 0 && preset.LVP == 0},
		{4, device.Preset{Output: preset.Output}, preset.Output == nil},
	}
	for _, st := range steps {
		if st.skip {
			onStep(st.index, ui.StepSkipped, "unchanged")
			continue
		}
		onStep(st.index, ui.StepRunning, "")
		if err := dev.Apply(ctx, st.preset); err != nil {
			onStep(st.index, ui.StepFailed, "")
			return nil, err
		}
		onStep(st.index, ui.StepComplete, "")
	}

	onStep(5, ui.StepRunning, "")
	res := dev.VerifyPreset(ctx, preset, device.DefaultVerificationOptions())
	if !res.Success {
		onStep(5, ui.StepFailed, "")
		return nil, protocol.NewProtocolError(res.Error.Error())
	}
	onStep(5, ui.StepComplete, fmt.Sprintf("%d read(s)", res.Attempts))

	state := res.Actual
	return []ui.Field{
		{Key: "Set-points", Value: ui.Volts(state.SetVoltage) + ", " + ui.Amps(state.SetCurrent)},
		{Key: "Output", Value: ui.OutputBadge(state)},
		{Key: "Protection", Value: state.Protection.String()},
	}, nil
}

var profileSaveCmd = &cobra.Command{
	Use:   "save <name>",
	Short: "Save the supply's current set-points and thresholds as a profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		return withDevice(cmd, func(ctx context.Context, dev *device.Device) error {
			st, err := dev.GetAll(ctx)
			if err != nil {
				return err
			}
			p := &config.Profile{
				Description: profileDescription,
				Voltage:     st.SetVoltage,
				Current:     st.SetCurrent,
				OVP:         st.OVP,
				OCP:         st.OCP,
				OPP:         st.OPP,
				OTP:         st.OTP,
				LVP:         st.LVP,
			}
			if err := p.Validate(); err != nil {
				return err
			}
			cfg.SetProfile(name, p)
			if err := cfg.Save(configPath); err != nil {
				return err
			}
			ui.NewPrinter(cmd.OutOrStdout()).PrintSuccess("Profile saved",
				ui.Field{Key: "Name", Value: name},
				ui.Field{Key: "Values", Value: describeProfile(p)})
			return nil
		})
	},
}

func completeProfiles(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	c, err := config.Load(configPath)
	if err != nil || len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	var out []string
	for _, n := range c.ProfileNames() {
		if strings.HasPrefix(n, toComplete) {
			out = append(out, n)
		}
	}
	return out, cobra.ShellCompDirectiveNoFileComp
}

func describeProfile(p *config.Profile) string {
	parts := []string{ui.Volts(p.Voltage), ui.Amps(p.Current)}
	if p.Output != nil {
		parts = append(parts, "output "+onOff(*p.Output))
	}
	s := strings.Join(parts, ", ")
	if p.Description != "" {
		s += "  " + p.Description
	}
	return s
}

func displayPort() string {
	switch {
	case simulate:
		return "simulator"
	case portFlag != "":
		return portFlag
	default:
		return cfg.Device.Port
	}
}
