package monitor

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/muurk/dps150/internal/ui"
	"github.com/muurk/dps150/internal/version"
)

var sparkBlocks = []rune("▁▂▃▄▅▆▇█")

// View renders the dashboard
func (m Model) View() string {
	width := m.Width
	if width <= 0 {
		width = ui.MinTerminalWidth
	}
	if width > ui.MaxContentWidth {
		width = ui.MaxContentWidth
	}

	sections := []string{m.renderTitle()}

	if m.State.Protection.Tripped() {
		sections = append(sections, BannerStyle.Render(fmt.Sprintf("PROTECTION %s: output disabled, clear the fault on the device", m.State.Protection)))
	}

	sections = append(sections,
		m.renderMeters(),
		"  "+MeterLabelStyle.Render("power ")+SparklineStyle.Render(Sparkline(m.History, historyLen)),
		ui.RenderState(m.State, width),
	)

	if m.Editing != editNone {
		label := "Voltage (V)"
		if m.Editing == editCurrent {
			label = "Current (A)"
		}
		sections = append(sections, EditorStyle.Render(label+": "+m.Input.View()))
	}

	sections = append(sections, m.renderStatus())

	if m.Editing != editNone {
		sections = append(sections, m.Help.View(m.EditKeys))
	} else {
		sections = append(sections, m.Help.View(m.Keys))
	}

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderTitle() string {
	return TitleStyle.Render(AppName) + "  " +
		SubtitleStyle.Render(ui.DescribeInfo(m.State.Info)+" · "+version.Short())
}

func (m Model) renderMeters() string {
	meter := func(value, label string) string {
		return MeterStyle.Render(MeterValueStyle.Render(value) + "\n" + MeterLabelStyle.Render(label))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top,
		meter(ui.Volts(m.State.OutputVoltage), "voltage"),
		meter(ui.Amps(m.State.OutputCurrent), "current"),
		meter(ui.Watts(m.State.OutputPower), "power"),
		meter(ui.OutputBadge(m.State), "output"),
	)
}

func (m Model) renderStatus() string {
	switch {
	case m.Busy:
		return m.Spinner.View() + " " + StatusStyle.Render(m.BusyLabel+"...")
	case m.StatusErr:
		return StatusErrorStyle.Render(m.Status)
	case m.Status != "":
		return StatusStyle.Render(m.Status)
	}
	return ""
}

// Sparkline renders the last width values scaled to the largest of them.
func Sparkline(values []float32, width int) string {
	if len(values) > width {
		values = values[len(values)-width:]
	}
	var peak float32
	for _, v := range values {
		if v > peak {
			peak = v
		}
	}

	var b strings.Builder
	for _, v := range values {
		idx := 0
		if peak > 0 && v > 0 {
			idx = int(v / peak * float32(len(sparkBlocks)-1))
		}
		b.WriteRune(sparkBlocks[idx])
	}
	return b.String()
}
