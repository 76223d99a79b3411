package protocol

import "fmt"

// ProtectionState is the protection status reported by the device.
type ProtectionState int

const (
	ProtectionNormal ProtectionState = iota
	ProtectionOVP                    // over voltage
	ProtectionOCP                    // over current
	ProtectionOPP                    // over power
	ProtectionOTP                    // over temperature
	ProtectionLVP                    // low input voltage
	ProtectionREP                    // reverse connection
)

var protectionNames = [...]string{"NORMAL", "OVP", "OCP", "OPP", "OTP", "LVP", "REP"}

// ProtectionFromIndex maps the wire index to a ProtectionState.
func ProtectionFromIndex(b byte) (ProtectionState, error) {
	if int(b) >= len(protectionNames) {
		return ProtectionNormal, NewCodecError(fmt.Sprintf("protection index %d out of range", b))
	}
	return ProtectionState(b), nil
}

// ParseProtection parses a name such as "OCP".
func ParseProtection(s string) (ProtectionState, error) {
	for i, n := range protectionNames {
		if n == s {
			return ProtectionState(i), nil
		}
	}
	return ProtectionNormal, NewValueError(fmt.Sprintf("unknown protection state %q", s))
}

func (p ProtectionState) String() string {
	if p < 0 || int(p) >= len(protectionNames) {
		return fmt.Sprintf("ProtectionState(%d)", int(p))
	}
	return protectionNames[p]
}

// Tripped reports whether p is anything other than NORMAL.
func (p ProtectionState) Tripped() bool { return p != ProtectionNormal }

// MarshalText implements encoding.TextMarshaler.
func (p ProtectionState) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *ProtectionState) UnmarshalText(b []byte) error {
	v, err := ParseProtection(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Mode is the regulation mode of the output.
type Mode int

const (
	ModeCV Mode = iota // constant voltage
	ModeCC             // constant current
)

// ModeFromByte maps the wire value: 0 is CC, anything else CV.
func ModeFromByte(b byte) Mode {
	if b == 0 {
		return ModeCC
	}
	return ModeCV
}

func (m Mode) String() string {
	if m == ModeCC {
		return "CC"
	}
	return "CV"
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	switch string(b) {
	case "CC":
		*m = ModeCC
	case "CV":
		*m = ModeCV
	default:
		return NewValueError(fmt.Sprintf("unknown mode %q", b))
	}
	return nil
}

// Group is one stored voltage/current preset.
type Group struct {
	Voltage float32 `json:"voltage"`
	Current float32 `json:"current"`
}

// DeviceInfo identifies the connected unit.
type DeviceInfo struct {
	ModelName       string `json:"model_name"`
	HardwareVersion string `json:"hardware_version"`
	FirmwareVersion string `json:"firmware_version"`
}

// Output is a voltage/current/power reading.
type Output struct {
	Voltage float32 `json:"voltage"`
	Current float32 `json:"current"`
	Power   float32 `json:"power"`
}

// DeviceState is a snapshot of everything the device reports. It holds no
// references, so assigning a DeviceState copies it completely.
type DeviceState struct {
	InputVoltage  float32 `json:"input_voltage"`
	OutputVoltage float32 `json:"output_voltage"`
	OutputCurrent float32 `json:"output_current"`
	OutputPower   float32 `json:"output_power"`
	Temperature   float32 `json:"temperature"`

	SetVoltage float32           `json:"set_voltage"`
	SetCurrent float32           `json:"set_current"`
	Groups     [GroupCount]Group `json:"groups"`

	OVP float32 `json:"ovp"`
	OCP float32 `json:"ocp"`
	OPP float32 `json:"opp"`
	OTP float32 `json:"otp"`
	LVP float32 `json:"lvp"`

	Brightness      uint8   `json:"brightness"`
	Volume          uint8   `json:"volume"`
	MeteringEnabled bool    `json:"metering_enabled"`
	Capacity        float32 `json:"capacity_ah"`
	Energy          float32 `json:"energy_wh"`

	OutputEnabled bool            `json:"output_enabled"`
	Protection    ProtectionState `json:"protection"`
	Mode          Mode            `json:"mode"`

	UpperLimitVoltage float32 `json:"upper_limit_voltage"`
	UpperLimitCurrent float32 `json:"upper_limit_current"`

	Info DeviceInfo `json:"info"`
}

// Apply returns a copy of s with v, decoded from a frame of type typ, folded
// in. Values of unknown types leave the copy unchanged.
func (s DeviceState) Apply(typ byte, v Value) DeviceState {
	switch {
	case typ >= TypeGroup1Voltage && typ <= TypeGroup1Current+2*(GroupCount-1):
		i := int(typ-TypeGroup1Voltage) / 2
		if (typ-TypeGroup1Voltage)%2 == 0 {
			s.Groups[i].Voltage = v.Float
		} else {
			s.Groups[i].Current = v.Float
		}
		return s
	}

	switch typ {
	case TypeInputVoltage:
		s.InputVoltage = v.Float
	case TypeVoltageSet:
		s.SetVoltage = v.Float
	case TypeCurrentSet:
		s.SetCurrent = v.Float
	case TypeOutput:
		s.OutputVoltage = v.Output.Voltage
		s.OutputCurrent = v.Output.Current
		s.OutputPower = v.Output.Power
	case TypeTemperature:
		s.Temperature = v.Float
	case TypeOVP:
		s.OVP = v.Float
	case TypeOCP:
		s.OCP = v.Float
	case TypeOPP:
		s.OPP = v.Float
	case TypeOTP:
		s.OTP = v.Float
	case TypeLVP:
		s.LVP = v.Float
	case TypeBrightness:
		s.Brightness = uint8(v.Int)
	case TypeVolume:
		s.Volume = uint8(v.Int)
	case TypeMetering:
		s.MeteringEnabled = v.Bool
	case TypeCapacity:
		s.Capacity = v.Float
	case TypeEnergy:
		s.Energy = v.Float
	case TypeOutputEnable:
		s.OutputEnabled = v.Bool
	case TypeProtection:
		s.Protection = v.Protection
	case TypeMode:
		s.Mode = v.Mode
	case TypeModelName:
		s.Info.ModelName = v.Text
	case TypeHardwareVersion:
		s.Info.HardwareVersion = v.Text
	case TypeFirmwareVersion:
		s.Info.FirmwareVersion = v.Text
	case TypeUpperVoltage:
		s.UpperLimitVoltage = v.Float
	case TypeUpperCurrent:
		s.UpperLimitCurrent = v.Float
	case TypeAll:
		info := s.Info
		s = v.State
		s.Info = info
	}
	return s
}

// String returns a compact summary for logs.
func (s DeviceState) String() string {
	out := "off"
	if s.OutputEnabled {
		out = "on"
	}
	return fmt.Sprintf("%.3fV %.3fA %.3fW set=%.3fV/%.3fA in=%.2fV %.1fC %s output=%s protection=%s",
		s.OutputVoltage, s.OutputCurrent, s.OutputPower, s.SetVoltage, s.SetCurrent,
		s.InputVoltage, s.Temperature, s.Mode, out, s.Protection)
}
