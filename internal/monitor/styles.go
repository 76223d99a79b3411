package monitor

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/muurk/dps150/internal/ui"
)

// AppName is shown in the title bar
const AppName = "DPS-150 MONITOR"

var (
	TitleStyle = lipgloss.NewStyle().
			Foreground(ui.PrimaryColor).
			Bold(true)

	SubtitleStyle = lipgloss.NewStyle().
			Foreground(ui.MutedColor).
			Italic(true)

	SpinnerStyle = lipgloss.NewStyle().
			Foreground(ui.PrimaryColor)

	// MeterStyle frames one large reading
	MeterStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ui.PrimaryColor).
			Padding(0, 2).
			Width(18).
			Align(lipgloss.Center)

	MeterValueStyle = lipgloss.NewStyle().
			Foreground(ui.TextColor).
			Bold(true)

	MeterLabelStyle = lipgloss.NewStyle().
			Foreground(ui.MutedColor)

	SparklineStyle = lipgloss.NewStyle().
			Foreground(ui.SuccessColor)

	StatusStyle = lipgloss.NewStyle().
			Foreground(ui.MutedColor)

	StatusErrorStyle = lipgloss.NewStyle().
				Foreground(ui.ErrorColor).
				Bold(true)

	// BannerStyle announces a protection trip across the top
	BannerStyle = lipgloss.NewStyle().
			Foreground(ui.TextColor).
			Background(ui.ErrorColor).
			Bold(true).
			Padding(0, 2)

	EditorStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(ui.WarningColor).
			Padding(0, 1)
)
