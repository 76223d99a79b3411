package protocol

import (
	"fmt"
	"math"
	"sort"
)

// Access records which directions a command supports.
type Access uint8

const (
	AccessGet Access = 1 << iota
	AccessSet
)

// Command describes one device parameter.
type Command struct {
	Name   string
	Type   byte
	Kind   Kind
	Access Access

	// SetCommand is the command byte used when writing. Most parameters use
	// SET; the session and baud controls have their own command bytes.
	SetCommand byte

	// Min and Max bound byte arguments. Both zero means 0..255.
	Min, Max int
}

// CanGet reports whether the parameter can be read.
func (c Command) CanGet() bool { return c.Access&AccessGet != 0 }

// CanSet reports whether the parameter can be written.
func (c Command) CanSet() bool { return c.Access&AccessSet != 0 }

// Encode validates v and encodes it as this command's payload.
func (c Command) Encode(v Value) ([]byte, error) {
	if v.Kind != c.Kind {
		return nil, NewValueError(fmt.Sprintf("%s takes a %s value, got %s", c.Name, c.Kind, v.Kind))
	}
	switch c.Kind {
	case KindFloat:
		f := float64(v.Float)
		if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
			return nil, NewValueError(fmt.Sprintf("%s must be a finite non-negative number, got %g", c.Name, f))
		}
	case KindByte:
		if (c.Min != 0 || c.Max != 0) && (v.Int < c.Min || v.Int > c.Max) {
			return nil, NewValueError(fmt.Sprintf("%s must be between %d and %d, got %d", c.Name, c.Min, c.Max, v.Int))
		}
	}
	return EncodeValue(v)
}

// Decode decodes a reply or push payload for this command.
func (c Command) Decode(data []byte) (Value, error) {
	return DecodeValue(c.Kind, data)
}

// Registry is the fixed table of device parameters. It is read-only after
// construction and safe for concurrent use.
type Registry struct {
	table  Table
	byName map[string]Command
	byType map[byte]Command
	names  []string
}

// NewRegistry builds the DPS-150 parameter table from t.
func NewRegistry(t Table) *Registry {
	r := &Registry{
		table:  t,
		byName: make(map[string]Command),
		byType: make(map[byte]Command),
	}

	rw := AccessGet | AccessSet
	add := func(c Command) {
		if c.SetCommand == 0 {
			c.SetCommand = t.Set
		}
		if _, dup := r.byName[c.Name]; dup {
			panic("protocol: duplicate command " + c.Name)
		}
		r.byName[c.Name] = c
		if c.SetCommand == t.Set {
			r.byType[c.Type] = c
		}
		r.names = append(r.names, c.Name)
	}

	add(Command{Name: "input_voltage", Type: TypeInputVoltage, Kind: KindFloat, Access: AccessGet})
	add(Command{Name: "voltage", Type: TypeVoltageSet, Kind: KindFloat, Access: rw})
	add(Command{Name: "current", Type: TypeCurrentSet, Kind: KindFloat, Access: rw})
	add(Command{Name: "output", Type: TypeOutput, Kind: KindOutput, Access: AccessGet})
	add(Command{Name: "temperature", Type: TypeTemperature, Kind: KindFloat, Access: AccessGet})
	for n := 1; n <= GroupCount; n++ {
		vt, ct, _ := GroupTypes(n)
		add(Command{Name: fmt.Sprintf("group%d_voltage", n), Type: vt, Kind: KindFloat, Access: AccessSet})
		add(Command{Name: fmt.Sprintf("group%d_current", n), Type: ct, Kind: KindFloat, Access: AccessSet})
	}
	add(Command{Name: "ovp", Type: TypeOVP, Kind: KindFloat, Access: rw})
	add(Command{Name: "ocp", Type: TypeOCP, Kind: KindFloat, Access: rw})
	add(Command{Name: "opp", Type: TypeOPP, Kind: KindFloat, Access: rw})
	add(Command{Name: "otp", Type: TypeOTP, Kind: KindFloat, Access: rw})
	add(Command{Name: "lvp", Type: TypeLVP, Kind: KindFloat, Access: rw})
	add(Command{Name: "brightness", Type: TypeBrightness, Kind: KindByte, Access: AccessSet, Min: 0, Max: 10})
	add(Command{Name: "volume", Type: TypeVolume, Kind: KindByte, Access: AccessSet, Min: 0, Max: 10})
	add(Command{Name: "metering", Type: TypeMetering, Kind: KindBool, Access: AccessSet})
	add(Command{Name: "capacity", Type: TypeCapacity, Kind: KindFloat, Access: AccessGet})
	add(Command{Name: "energy", Type: TypeEnergy, Kind: KindFloat, Access: AccessGet})
	add(Command{Name: "output_enable", Type: TypeOutputEnable, Kind: KindBool, Access: rw})
	add(Command{Name: "protection_state", Type: TypeProtection, Kind: KindProtection, Access: AccessGet})
	add(Command{Name: "mode", Type: TypeMode, Kind: KindMode, Access: AccessGet})
	add(Command{Name: "model_name", Type: TypeModelName, Kind: KindString, Access: AccessGet})
	add(Command{Name: "hardware_version", Type: TypeHardwareVersion, Kind: KindString, Access: AccessGet})
	add(Command{Name: "firmware_version", Type: TypeFirmwareVersion, Kind: KindString, Access: AccessGet})
	add(Command{Name: "upper_limit_voltage", Type: TypeUpperVoltage, Kind: KindFloat, Access: AccessGet})
	add(Command{Name: "upper_limit_current", Type: TypeUpperCurrent, Kind: KindFloat, Access: AccessGet})
	add(Command{Name: "all", Type: TypeAll, Kind: KindState, Access: AccessGet})
	add(Command{Name: "connect", Type: 0, Kind: KindByte, Access: AccessSet, SetCommand: t.Init, Min: 0, Max: 1})
	add(Command{Name: "baud", Type: 0, Kind: KindByte, Access: AccessSet, SetCommand: t.Baud, Min: 1, Max: len(BaudRates)})

	sort.Strings(r.names)
	return r
}

// DefaultRegistry is built from DefaultTable.
var DefaultRegistry = NewRegistry(DefaultTable)

// Table returns the constants the registry was built from.
func (r *Registry) Table() Table { return r.table }

// Lookup returns the named command. Unknown names are programming errors
// and panic.
func (r *Registry) Lookup(name string) Command {
	c, ok := r.byName[name]
	if !ok {
		panic(fmt.Sprintf("protocol: unknown command %q", name))
	}
	return c
}

// Find returns the named command, for names that come from user input.
func (r *Registry) Find(name string) (Command, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// ByType returns the parameter carried by frames of type typ.
func (r *Registry) ByType(typ byte) (Command, bool) {
	c, ok := r.byType[typ]
	return c, ok
}

// Names returns all command names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// BuildGet builds the GET frame for the named parameter.
func (r *Registry) BuildGet(name string) (Frame, error) {
	c := r.Lookup(name)
	if !c.CanGet() {
		return Frame{}, NewValueError(fmt.Sprintf("%s cannot be read", name))
	}
	return r.table.BuildFrame(r.table.Get, c.Type, nil)
}

// BuildSet builds the write frame for the named parameter.
func (r *Registry) BuildSet(name string, v Value) (Frame, error) {
	c := r.Lookup(name)
	if !c.CanSet() {
		return Frame{}, NewValueError(fmt.Sprintf("%s cannot be written", name))
	}
	payload, err := c.Encode(v)
	if err != nil {
		return Frame{}, err
	}
	return r.table.BuildFrame(c.SetCommand, c.Type, payload)
}
