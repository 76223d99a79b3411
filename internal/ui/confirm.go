package ui

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Confirm shows a warning box and asks the user to type "yes". It returns
// false on any other answer or when in is exhausted.
func Confirm(in io.Reader, out io.Writer, title string, warnings ...string) bool {
	width := GetTerminalWidth()

	lines := []string{"", WarningTitleStyle.Render(fmt.Sprintf("   %s  WARNING  ─  %s", WarningMarker, title)), ""}
	bullet := lipgloss.NewStyle().Foreground(TextColor)
	for _, w := range warnings {
		lines = append(lines, bullet.Render("   • "+w))
	}
	lines = append(lines, "")

	_, _ = fmt.Fprintln(out, resultBoxStyle(width, WarningColor).Render(strings.Join(lines, "\n")))
	_, _ = fmt.Fprint(out, WarningTitleStyle.Render("Type \"yes\" to continue: "))

	answer, err := bufio.NewReader(in).ReadString('\n')
	_, _ = fmt.Fprintln(out)
	if err != nil && answer == "" {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(answer), "yes") {
		return true
	}
	_, _ = fmt.Fprintln(out, StepPendingStyle.Render("  Cancelled."))
	return false
}
