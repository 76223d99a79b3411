// Package transport opens the DPS-150 serial port and finds it among the
// ports attached to the host.
package transport

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/muurk/dps150/internal/logging"
	"github.com/muurk/dps150/internal/protocol"
)

// AutoPort asks ResolvePort to detect the device.
const AutoPort = "auto"

// Mode returns the line settings the DPS-150 expects: 115200 8N1 with RTS
// and DTR raised at open. The library has no RTS/CTS handshake setting, so
// RTS is asserted once and left up.
func Mode() *serial.Mode {
	return &serial.Mode{
		BaudRate: protocol.DefaultBaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
		InitialStatusBits: &serial.ModemOutputBits{
			RTS: true,
			DTR: true,
		},
	}
}

// opener is replaced in tests.
var opener = func(path string, mode *serial.Mode) (io.ReadWriteCloser, error) {
	return serial.Open(path, mode)
}

// Port is an open serial connection to the device.
type Port struct {
	io.ReadWriteCloser
	Path string
}

// Open opens path with the DPS-150 line settings.
func Open(ctx context.Context, path string) (*Port, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if path == "" {
		return nil, protocol.NewConnectionError("no serial port given", nil)
	}

	rwc, err := opener(path, Mode())
	if err != nil {
		return nil, protocol.NewConnectionError(fmt.Sprintf("failed to open %s", path), err)
	}
	logging.LogConnection(path, "opened")
	return &Port{ReadWriteCloser: rwc, Path: path}, nil
}

// Close closes the port.
func (p *Port) Close() error {
	logging.LogConnection(p.Path, "closed")
	return p.ReadWriteCloser.Close()
}

// Dialer returns a dial function for dispatcher.Config. An empty or "auto"
// path is resolved on every dial, so a replugged device is found again.
func Dialer(path string, match Match) func(ctx context.Context) (io.ReadWriteCloser, error) {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		resolved, err := ResolvePort(path, match)
		if err != nil {
			return nil, err
		}
		p, err := Open(ctx, resolved)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// PortInfo describes one serial port on the host.
type PortInfo struct {
	Name         string `json:"name"`
	USB          bool   `json:"usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}

func (p PortInfo) String() string {
	if !p.USB {
		return p.Name
	}
	s := fmt.Sprintf("%s (USB %s:%s", p.Name, p.VID, p.PID)
	if p.Product != "" {
		s += " " + p.Product
	}
	if p.SerialNumber != "" {
		s += " sn=" + p.SerialNumber
	}
	return s + ")"
}

// lister is replaced in tests.
var lister = enumerator.GetDetailedPortsList

// ListPorts returns the serial ports on the host.
func ListPorts() ([]PortInfo, error) {
	details, err := lister()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			USB:          d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return ports, nil
}

// Match selects the device among USB ports. Empty fields match anything.
type Match struct {
	VID string
	PID string
}

func (m Match) empty() bool { return m.VID == "" && m.PID == "" }

func (m Match) matches(p PortInfo) bool {
	if !p.USB {
		return false
	}
	if m.VID != "" && !strings.EqualFold(m.VID, p.VID) {
		return false
	}
	if m.PID != "" && !strings.EqualFold(m.PID, p.PID) {
		return false
	}
	return true
}

// FindPort picks the device port from ports. With a VID/PID match the first
// matching USB port wins. Without one, a single USB port is assumed to be the
// device; zero or several are an error naming the candidates.
func FindPort(ports []PortInfo, m Match) (string, error) {
	var usb []PortInfo
	for _, p := range ports {
		if m.matches(p) {
			if !m.empty() {
				return p.Name, nil
			}
			usb = append(usb, p)
		}
	}

	if len(usb) == 1 {
		return usb[0].Name, nil
	}

	names := make([]string, len(ports))
	for i, p := range ports {
		names[i] = p.Name
	}
	if len(usb) == 0 {
		return "", protocol.NewConnectionError(
			fmt.Sprintf("no DPS-150 port found, available ports: [%s]", strings.Join(names, ", ")), nil)
	}
	return "", protocol.NewConnectionError(
		fmt.Sprintf("several USB serial ports found, pass --port: [%s]", strings.Join(names, ", ")), nil)
}

// ResolvePort returns configured unless it is empty or "auto", in which case
// the host ports are searched.
func ResolvePort(configured string, m Match) (string, error) {
	if configured != "" && configured != AutoPort {
		return configured, nil
	}
	ports, err := ListPorts()
	if err != nil {
		return "", protocol.NewConnectionError("port auto-detection failed", err)
	}
	return FindPort(ports, m)
}
