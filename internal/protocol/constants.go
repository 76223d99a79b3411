package protocol

import "fmt"

// Frame markers
const (
	MarkerHost   byte = 0xF1 // host to device
	MarkerDevice byte = 0xF0 // device to host
)

// Command bytes
const (
	CommandGet  byte = 0xA1
	CommandBaud byte = 0xB0 // selects the device UART rate during the handshake
	CommandSet  byte = 0xB1
	CommandInit byte = 0xC1 // payload 1 opens a session, 0 closes it
)

// Type codes
const (
	TypeInputVoltage    byte = 192
	TypeVoltageSet      byte = 193
	TypeCurrentSet      byte = 194
	TypeOutput          byte = 195 // voltage, current, power as three floats
	TypeTemperature     byte = 196
	TypeGroup1Voltage   byte = 197 // group n voltage is 197 + 2(n-1)
	TypeGroup1Current   byte = 198 // group n current is 198 + 2(n-1)
	TypeOVP             byte = 209
	TypeOCP             byte = 210
	TypeOPP             byte = 211
	TypeOTP             byte = 212
	TypeLVP             byte = 213
	TypeBrightness      byte = 214
	TypeVolume          byte = 215
	TypeMetering        byte = 216
	TypeCapacity        byte = 217
	TypeEnergy          byte = 218
	TypeOutputEnable    byte = 219
	TypeProtection      byte = 220
	TypeMode            byte = 221
	TypeModelName       byte = 222
	TypeHardwareVersion byte = 223
	TypeFirmwareVersion byte = 224
	TypeUpperVoltage    byte = 226
	TypeUpperCurrent    byte = 227
	TypeAll             byte = 255
)

// Frame layout
const (
	HeaderSize = 4   // marker, command, type, length
	MaxPayload = 255 // length is a single byte
	GroupCount = 6
)

// BaudRates lists the UART rates the device accepts, in wire order. The baud
// command carries the 1-based index into this list.
var BaudRates = [...]int{9600, 19200, 38400, 57600, 115200}

// DefaultBaudRate is the only rate the driver configures.
const DefaultBaudRate = 115200

// BaudIndex returns the wire value selecting rate.
func BaudIndex(rate int) (byte, error) {
	for i, r := range BaudRates {
		if r == rate {
			return byte(i + 1), nil
		}
	}
	return 0, NewValueError(fmt.Sprintf("unsupported baud rate %d", rate))
}

// GroupTypes returns the voltage and current type codes of preset group n (1-6).
func GroupTypes(n int) (voltage, current byte, err error) {
	if n < 1 || n > GroupCount {
		return 0, 0, NewValueError(fmt.Sprintf("group must be between 1 and %d, got %d", GroupCount, n))
	}
	off := byte(2 * (n - 1))
	return TypeGroup1Voltage + off, TypeGroup1Current + off, nil
}

// Table holds the protocol constants the Parser and Registry are built from.
// It is a plain value; copies cannot affect each other.
type Table struct {
	MarkerHost   byte
	MarkerDevice byte
	Get          byte
	Set          byte
	Init         byte
	Baud         byte
}

// DefaultTable is the DPS-150 constant set.
var DefaultTable = Table{
	MarkerHost:   MarkerHost,
	MarkerDevice: MarkerDevice,
	Get:          CommandGet,
	Set:          CommandSet,
	Init:         CommandInit,
	Baud:         CommandBaud,
}

// IsReplyCommand reports whether cmd can carry a reply to a pending request.
func (t Table) IsReplyCommand(cmd byte) bool {
	return cmd == t.Get || cmd == t.Set
}

// CommandName returns a short name for a command byte.
func (t Table) CommandName(cmd byte) string {
	switch cmd {
	case t.Get:
		return "GET"
	case t.Set:
		return "SET"
	case t.Init:
		return "INIT"
	case t.Baud:
		return "BAUD"
	default:
		return fmt.Sprintf("CMD(0x%02x)", cmd)
	}
}
