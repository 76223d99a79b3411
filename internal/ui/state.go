package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/muurk/dps150/internal/protocol"
)

// Volts formats a voltage reading
func Volts(v float32) string { return fmt.Sprintf("%.2f V", v) }

// Amps formats a current reading
func Amps(i float32) string { return fmt.Sprintf("%.3f A", i) }

// Watts formats a power reading
func Watts(p float32) string { return fmt.Sprintf("%.2f W", p) }

// Celsius formats a temperature reading
func Celsius(t float32) string { return fmt.Sprintf("%.1f °C", t) }

// OutputBadge renders ON/OFF with the regulation mode while on.
func OutputBadge(st protocol.DeviceState) string {
	if !st.OutputEnabled {
		return OutputOffStyle.Render("OFF")
	}
	mode := st.Mode.String()
	if st.Mode == protocol.ModeCC {
		return OutputOnStyle.Render("ON") + " " + StepRunningStyle.Render(mode)
	}
	return OutputOnStyle.Render("ON") + " " + StepCompleteStyle.Render(mode)
}

// ProtectionBadge renders the protection state, highlighted when tripped.
func ProtectionBadge(p protocol.ProtectionState) string {
	if p.Tripped() {
		return ProtectionTripStyle.Render(p.String())
	}
	return StepCompleteStyle.Render(p.String())
}

func reading(label, value string) string {
	return ReadingLabelStyle.Render(label) + ReadingValueStyle.Render(value)
}

func section(title string, rows ...string) string {
	return lipgloss.JoinVertical(lipgloss.Left, append([]string{SectionTitleStyle.Render(title)}, rows...)...)
}

// RenderState renders a snapshot as grouped readings inside a bordered box.
func RenderState(st protocol.DeviceState, width int) string {
	width = clampWidth(width)

	output := section("Output",
		reading("State", OutputBadge(st)),
		reading("Voltage", Volts(st.OutputVoltage)),
		reading("Current", Amps(st.OutputCurrent)),
		reading("Power", Watts(st.OutputPower)),
		reading("Protection", ProtectionBadge(st.Protection)),
	)
	setpoints := section("Set-points",
		reading("Voltage", Volts(st.SetVoltage)),
		reading("Current", Amps(st.SetCurrent)),
		reading("Max voltage", Volts(st.UpperLimitVoltage)),
		reading("Max current", Amps(st.UpperLimitCurrent)),
	)
	thresholds := section("Protection",
		reading("OVP", Volts(st.OVP)),
		reading("OCP", Amps(st.OCP)),
		reading("OPP", Watts(st.OPP)),
		reading("OTP", Celsius(st.OTP)),
		reading("LVP", Volts(st.LVP)),
	)
	supply := section("Supply",
		reading("Input", Volts(st.InputVoltage)),
		reading("Temperature", Celsius(st.Temperature)),
		reading("Metering", onOff(st.MeteringEnabled)),
		reading("Capacity", fmt.Sprintf("%.3f Ah", st.Capacity)),
		reading("Energy", fmt.Sprintf("%.3f Wh", st.Energy)),
	)

	gap := "    "
	top := lipgloss.JoinHorizontal(lipgloss.Top, output, gap, setpoints)
	bottom := lipgloss.JoinHorizontal(lipgloss.Top, thresholds, gap, supply)

	var groups []string
	for i, g := range st.Groups {
		groups = append(groups, fmt.Sprintf("M%d %s %s", i+1, Volts(g.Voltage), Amps(g.Current)))
	}
	groupBlock := section("Groups", StepPendingStyle.Render(strings.Join(groups[:3], "   ")),
		StepPendingStyle.Render(strings.Join(groups[3:], "   ")))

	ident := StepNoteStyle.Render(DescribeInfo(st.Info))

	content := lipgloss.JoinVertical(lipgloss.Left, ident, "", top, "", bottom, "", groupBlock)
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(PrimaryColor).
		Width(width-2).
		Padding(0, 1).
		Render(content)
}

// DescribeInfo renders model, hardware and firmware on one line.
func DescribeInfo(info protocol.DeviceInfo) string {
	model := info.ModelName
	if model == "" {
		model = "unknown model"
	}
	parts := []string{model}
	if info.HardwareVersion != "" {
		parts = append(parts, "hw "+info.HardwareVersion)
	}
	if info.FirmwareVersion != "" {
		parts = append(parts, "fw "+info.FirmwareVersion)
	}
	return strings.Join(parts, " · ")
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
