package protocol

import "fmt"

// Kind selects how a payload is encoded and decoded.
type Kind int

const (
	KindNone       Kind = iota // empty payload
	KindFloat                  // one float
	KindByte                   // one byte, integer value
	KindBool                   // one byte, 1 is true
	KindString                 // null-terminated UTF-8
	KindOutput                 // voltage, current, power floats
	KindProtection             // one byte protection index
	KindMode                   // one byte, 0 is CC
	KindState                  // the full state block of type ALL
)

var kindNames = [...]string{"none", "float", "byte", "bool", "string", "output", "protection", "mode", "state"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Value is a decoded payload. Only the field selected by Kind is meaningful.
type Value struct {
	Kind       Kind
	Float      float32
	Int        int
	Bool       bool
	Text       string
	Output     Output
	Protection ProtectionState
	Mode       Mode
	State      DeviceState
}

// FloatValue wraps a float argument.
func FloatValue(v float32) Value { return Value{Kind: KindFloat, Float: v} }

// ByteValue wraps a byte-sized integer argument.
func ByteValue(v int) Value { return Value{Kind: KindByte, Int: v} }

// BoolValue wraps a boolean argument.
func BoolValue(v bool) Value { return Value{Kind: KindBool, Bool: v} }

// StringValue wraps a string argument.
func StringValue(v string) Value { return Value{Kind: KindString, Text: v} }

func (v Value) String() string {
	switch v.Kind {
	case KindNone:
		return "none"
	case KindFloat:
		return fmt.Sprintf("%g", v.Float)
	case KindByte:
		return fmt.Sprintf("%d", v.Int)
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindString:
		return fmt.Sprintf("%q", v.Text)
	case KindOutput:
		return fmt.Sprintf("%gV %gA %gW", v.Output.Voltage, v.Output.Current, v.Output.Power)
	case KindProtection:
		return v.Protection.String()
	case KindMode:
		return v.Mode.String()
	case KindState:
		return v.State.String()
	default:
		return v.Kind.String()
	}
}

// Offsets inside the ALL (type 255) payload.
const (
	offInputVoltage  = 0
	offSetVoltage    = 4
	offSetCurrent    = 8
	offOutputVoltage = 12
	offOutputCurrent = 16
	offOutputPower   = 20
	offTemperature   = 24
	offGroups        = 28 // six voltage/current float pairs
	offOVP           = 76
	offOCP           = 80
	offOPP           = 84
	offOTP           = 88
	offLVP           = 92
	offBrightness    = 96
	offVolume        = 97
	offMetering      = 98
	offCapacity      = 99
	offEnergy        = 103
	offOutputEnable  = 107
	offProtection    = 108
	offMode          = 109
	offUpperVoltage  = 111 // byte 110 is unused
	offUpperCurrent  = 115

	// AllStateSize is the shortest ALL payload that carries every field.
	AllStateSize = 119
)

// DecodeValue decodes data as kind.
func DecodeValue(kind Kind, data []byte) (Value, error) {
	v := Value{Kind: kind}
	var err error
	switch kind {
	case KindNone:
	case KindFloat:
		v.Float, err = DecodeFloat(data)
	case KindByte:
		var b byte
		b, err = DecodeByte(data)
		v.Int = int(b)
	case KindBool:
		var b byte
		b, err = DecodeByte(data)
		v.Bool = b == 1
	case KindString:
		v.Text, err = DecodeString(data)
	case KindOutput:
		v.Output, err = decodeOutput(data)
	case KindProtection:
		var b byte
		if b, err = DecodeByte(data); err == nil {
			v.Protection, err = ProtectionFromIndex(b)
		}
	case KindMode:
		var b byte
		b, err = DecodeByte(data)
		v.Mode = ModeFromByte(b)
	case KindState:
		v.State, err = DecodeState(data)
	default:
		err = NewCodecError(fmt.Sprintf("no decoder for %s", kind))
	}
	if err != nil {
		return Value{}, err
	}
	return v, nil
}

// EncodeValue encodes v according to its own Kind.
func EncodeValue(v Value) ([]byte, error) {
	switch v.Kind {
	case KindNone:
		return nil, nil
	case KindFloat:
		return EncodeFloat(v.Float), nil
	case KindByte:
		return EncodeByte(v.Int)
	case KindBool:
		return EncodeBool(v.Bool), nil
	case KindString:
		return EncodeString(v.Text), nil
	default:
		return nil, NewValueError(fmt.Sprintf("%s values cannot be sent to the device", v.Kind))
	}
}

func decodeOutput(data []byte) (Output, error) {
	var o Output
	var err error
	if o.Voltage, err = floatAt(data, 0); err != nil {
		return Output{}, err
	}
	if o.Current, err = floatAt(data, 4); err != nil {
		return Output{}, err
	}
	if o.Power, err = floatAt(data, 8); err != nil {
		return Output{}, err
	}
	return o, nil
}

// DecodeState decodes the ALL payload. Info is left empty; the device reports
// it through separate string types.
func DecodeState(data []byte) (DeviceState, error) {
	if len(data) < AllStateSize {
		return DeviceState{}, NewCodecError(fmt.Sprintf("state block needs %d bytes, got %d", AllStateSize, len(data)))
	}
	f := func(off int) float32 {
		v, _ := floatAt(data, off)
		return v
	}

	s := DeviceState{
		InputVoltage:      f(offInputVoltage),
		SetVoltage:        f(offSetVoltage),
		SetCurrent:        f(offSetCurrent),
		OutputVoltage:     f(offOutputVoltage),
		OutputCurrent:     f(offOutputCurrent),
		OutputPower:       f(offOutputPower),
		Temperature:       f(offTemperature),
		OVP:               f(offOVP),
		OCP:               f(offOCP),
		OPP:               f(offOPP),
		OTP:               f(offOTP),
		LVP:               f(offLVP),
		Brightness:        data[offBrightness],
		Volume:            data[offVolume],
		MeteringEnabled:   data[offMetering] != 0,
		Capacity:          f(offCapacity),
		Energy:            f(offEnergy),
		OutputEnabled:     data[offOutputEnable] == 1,
		Mode:              ModeFromByte(data[offMode]),
		UpperLimitVoltage: f(offUpperVoltage),
		UpperLimitCurrent: f(offUpperCurrent),
	}
	for i := range s.Groups {
		s.Groups[i] = Group{
			Voltage: f(offGroups + 8*i),
			Current: f(offGroups + 8*i + 4),
		}
	}
	p, err := ProtectionFromIndex(data[offProtection])
	if err != nil {
		return DeviceState{}, err
	}
	s.Protection = p
	return s, nil
}

// EncodeState produces an ALL payload for s. The simulator uses it to answer
// GET ALL.
func EncodeState(s DeviceState) []byte {
	data := make([]byte, AllStateSize)
	put := func(off int, v float32) { copy(data[off:], EncodeFloat(v)) }

	put(offInputVoltage, s.InputVoltage)
	put(offSetVoltage, s.SetVoltage)
	put(offSetCurrent, s.SetCurrent)
	put(offOutputVoltage, s.OutputVoltage)
	put(offOutputCurrent, s.OutputCurrent)
	put(offOutputPower, s.OutputPower)
	put(offTemperature, s.Temperature)
	for i, g := range s.Groups {
		put(offGroups+8*i, g.Voltage)
		put(offGroups+8*i+4, g.Current)
	}
	put(offOVP, s.OVP)
	put(offOCP, s.OCP)
	put(offOPP, s.OPP)
	put(offOTP, s.OTP)
	put(offLVP, s.LVP)
	data[offBrightness] = s.Brightness
	data[offVolume] = s.Volume
	if s.MeteringEnabled {
		data[offMetering] = 1
	}
	put(offCapacity, s.Capacity)
	put(offEnergy, s.Energy)
	if s.OutputEnabled {
		data[offOutputEnable] = 1
	}
	data[offProtection] = byte(s.Protection)
	if s.Mode == ModeCV {
		data[offMode] = 1
	}
	put(offUpperVoltage, s.UpperLimitVoltage)
	put(offUpperCurrent, s.UpperLimitCurrent)
	return data
}
