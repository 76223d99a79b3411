package monitor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/muurk/dps150/internal/dispatcher"
	"github.com/muurk/dps150/internal/protocol"
)

const (
	// opTimeout bounds one device operation started from a key press
	opTimeout = 5 * time.Second

	// historyLen is the number of power samples kept for the sparkline
	historyLen = 60
)

// Controller is the device surface the dashboard drives. *device.Device
// satisfies it.
type Controller interface {
	State() protocol.DeviceState
	Subscribe(fn dispatcher.Observer) dispatcher.Token
	Unsubscribe(tok dispatcher.Token)

	GetAll(ctx context.Context) (protocol.DeviceState, error)
	SetVoltage(ctx context.Context, v float32) error
	SetCurrent(ctx context.Context, i float32) error
	SetOutput(ctx context.Context, on bool) error
	LoadGroup(ctx context.Context, n int) (protocol.Group, error)
	StartMetering(ctx context.Context) error
	StopMetering(ctx context.Context) error
}

// Message types
type (
	// updateMsg signals that the device state changed. err carries a
	// protection trip when the update raised one.
	updateMsg struct{ err error }

	// opDoneMsg reports the outcome of a key-triggered operation
	opDoneMsg struct {
		label string
		err   error
	}
)

// editField is the set-point being typed
type editField int

const (
	editNone editField = iota
	editVoltage
	editCurrent
)

// Model is the live dashboard.
type Model struct {
	ctrl    Controller
	updates chan error
	token   dispatcher.Token

	State   protocol.DeviceState
	History []float32 // recent output power, oldest first

	Editing editField
	Input   textinput.Model

	Busy      bool
	BusyLabel string
	Spinner   spinner.Model
	Status    string
	StatusErr bool

	Width  int
	Height int

	Help     help.Model
	Keys     keyMap
	EditKeys editKeyMap
}

// New creates a dashboard subscribed to ctrl. Call Close once the program
// has exited.
func New(ctrl Controller) Model {
	updates := make(chan error, 16)

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	in := textinput.New()
	in.CharLimit = 8
	in.Width = 10

	m := Model{
		ctrl:     ctrl,
		updates:  updates,
		State:    ctrl.State(),
		Input:    in,
		Spinner:  s,
		Help:     help.New(),
		Keys:     newKeyMap(),
		EditKeys: newEditKeyMap(),
	}

	// Runs on the dispatcher read goroutine; never block it.
	m.token = ctrl.Subscribe(func(ev dispatcher.Event) {
		select {
		case updates <- ev.Err:
		default:
		}
	})
	return m
}

// Close detaches the dashboard from the device.
func (m Model) Close() {
	m.ctrl.Unsubscribe(m.token)
}

// Init starts listening for device updates
func (m Model) Init() tea.Cmd {
	return waitForUpdate(m.updates)
}

func waitForUpdate(ch <-chan error) tea.Cmd {
	return func() tea.Msg {
		return updateMsg{err: <-ch}
	}
}

func runOp(label string, fn func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		return opDoneMsg{label: label, err: fn(ctx)}
	}
}

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.Help.Width = msg.Width
		return m, nil

	case updateMsg:
		m.State = m.ctrl.State()
		m.History = append(m.History, m.State.OutputPower)
		if len(m.History) > historyLen {
			m.History = m.History[len(m.History)-historyLen:]
		}
		if p, ok := protocol.ProtectionOf(msg.err); ok {
			m.Status = fmt.Sprintf("Protection tripped: %s, output disabled", p)
			m.StatusErr = true
		}
		return m, waitForUpdate(m.updates)

	case opDoneMsg:
		m.Busy = false
		if msg.err != nil {
			m.Status = msg.label + " failed: " + msg.err.Error()
			m.StatusErr = true
		} else {
			m.Status = msg.label + " done"
			m.StatusErr = false
		}
		return m, nil

	case spinner.TickMsg:
		if !m.Busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.Spinner, cmd = m.Spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		if m.Editing != editNone {
			return m.updateEditor(msg)
		}
		return m.updateNormalMode(msg)
	}
	return m, nil
}

// updateNormalMode handles keys when no set-point is being edited
func (m Model) updateNormalMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.Keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.Keys.Help):
		m.Help.ShowAll = !m.Help.ShowAll
		return m, nil
	}

	if m.Busy {
		return m, nil
	}

	switch {
	case key.Matches(msg, m.Keys.Output):
		on := !m.State.OutputEnabled
		label := "Output off"
		if on {
			label = "Output on"
		}
		return m.start(label, func(ctx context.Context) error { return m.ctrl.SetOutput(ctx, on) })

	case key.Matches(msg, m.Keys.Voltage, m.Keys.Current):
		m.Editing = editVoltage
		value := m.State.SetVoltage
		m.Input.Placeholder = "volts"
		if key.Matches(msg, m.Keys.Current) {
			m.Editing = editCurrent
			value = m.State.SetCurrent
			m.Input.Placeholder = "amps"
		}
		m.Input.SetValue(strconv.FormatFloat(float64(value), 'f', -1, 32))
		m.Input.CursorEnd()
		cmd := m.Input.Focus()
		return m, cmd

	case key.Matches(msg, m.Keys.Group):
		n := int(msg.String()[0] - '0')
		return m.start(fmt.Sprintf("Load group %d", n), func(ctx context.Context) error {
			_, err := m.ctrl.LoadGroup(ctx, n)
			return err
		})

	case key.Matches(msg, m.Keys.Metering):
		if m.State.MeteringEnabled {
			return m.start("Metering off", m.ctrl.StopMetering)
		}
		return m.start("Metering on", m.ctrl.StartMetering)

	case key.Matches(msg, m.Keys.Refresh):
		return m.start("Refresh", func(ctx context.Context) error {
			_, err := m.ctrl.GetAll(ctx)
			return err
		})
	}
	return m, nil
}

// updateEditor handles keys while a set-point is typed
func (m Model) updateEditor(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.EditKeys.Cancel):
		m.stopEditing()
		return m, nil

	case msg.Type == tea.KeyCtrlC:
		return m, tea.Quit

	case key.Matches(msg, m.EditKeys.Apply):
		field := m.Editing
		raw := strings.TrimSpace(m.Input.Value())
		m.stopEditing()

		v, err := strconv.ParseFloat(raw, 32)
		if err != nil {
			m.Status = fmt.Sprintf("Not a number: %q", raw)
			m.StatusErr = true
			return m, nil
		}
		if field == editVoltage {
			return m.start(fmt.Sprintf("Set voltage %.2f V", v), func(ctx context.Context) error {
				return m.ctrl.SetVoltage(ctx, float32(v))
			})
		}
		return m.start(fmt.Sprintf("Set current %.3f A", v), func(ctx context.Context) error {
			return m.ctrl.SetCurrent(ctx, float32(v))
		})
	}

	var cmd tea.Cmd
	m.Input, cmd = m.Input.Update(msg)
	return m, cmd
}

func (m *Model) stopEditing() {
	m.Editing = editNone
	m.Input.Blur()
	m.Input.SetValue("")
}

func (m Model) start(label string, fn func(ctx context.Context) error) (tea.Model, tea.Cmd) {
	m.Busy = true
	m.BusyLabel = label
	m.Status = ""
	m.StatusErr = false
	return m, tea.Batch(m.Spinner.Tick, runOp(label, fn))
}

// Run shows the dashboard until the user quits or ctx is done.
func Run(ctx context.Context, ctrl Controller, opts ...tea.ProgramOption) error {
	m := New(ctrl)
	defer m.Close()

	opts = append([]tea.ProgramOption{tea.WithAltScreen(), tea.WithContext(ctx)}, opts...)
	if _, err := tea.NewProgram(m, opts...).Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("monitor: %w", err)
	}
	return nil
}
