package monitor

import "github.com/charmbracelet/bubbles/key"

// keyMap defines key bindings for the dashboard
type keyMap struct {
	Output   key.Binding
	Voltage  key.Binding
	Current  key.Binding
	Group    key.Binding
	Metering key.Binding
	Refresh  key.Binding
	Help     key.Binding
	Quit     key.Binding
}

// ShortHelp returns keybindings to be shown in the mini help view
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Output, k.Voltage, k.Current, k.Help, k.Quit}
}

// FullHelp returns keybindings for the expanded help view
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Output, k.Voltage, k.Current},
		{k.Group, k.Metering, k.Refresh},
		{k.Help, k.Quit},
	}
}

func newKeyMap() keyMap {
	return keyMap{
		Output: key.NewBinding(
			key.WithKeys("o"),
			key.WithHelp("o", "toggle output"),
		),
		Voltage: key.NewBinding(
			key.WithKeys("v"),
			key.WithHelp("v", "set voltage"),
		),
		Current: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "set current"),
		),
		Group: key.NewBinding(
			key.WithKeys("1", "2", "3", "4", "5", "6"),
			key.WithHelp("1-6", "load group"),
		),
		Metering: key.NewBinding(
			key.WithKeys("m"),
			key.WithHelp("m", "toggle metering"),
		),
		Refresh: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "refresh"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "more keys"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

// editKeyMap is active while a set-point is being typed
type editKeyMap struct {
	Apply  key.Binding
	Cancel key.Binding
}

func (k editKeyMap) ShortHelp() []key.Binding { return []key.Binding{k.Apply, k.Cancel} }

func (k editKeyMap) FullHelp() [][]key.Binding { return [][]key.Binding{k.ShortHelp()} }

func newEditKeyMap() editKeyMap {
	return editKeyMap{
		Apply:  key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "apply")),
		Cancel: key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "cancel")),
	}
}
