package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func sampleState() DeviceState {
	s := DeviceState{
		InputVoltage:      20.1,
		OutputVoltage:     11.98,
		OutputCurrent:     0.25,
		OutputPower:       2.995,
		Temperature:       31,
		SetVoltage:        12,
		SetCurrent:        1,
		OVP:               25,
		OCP:               5.1,
		OPP:               150,
		OTP:               80,
		LVP:               4.5,
		Brightness:        7,
		Volume:            3,
		MeteringEnabled:   true,
		Capacity:          0.125,
		Energy:            1.5,
		OutputEnabled:     true,
		Protection:        ProtectionOTP,
		Mode:              ModeCC,
		UpperLimitVoltage: 30,
		UpperLimitCurrent: 5.1,
	}
	for i := range s.Groups {
		s.Groups[i] = Group{Voltage: float32(i + 1), Current: float32(i+1) / 10}
	}
	return s
}

func TestDecodeState(t *testing.T) {
	want := sampleState()
	data := EncodeState(want)
	if len(data) != AllStateSize {
		t.Fatalf("EncodeState() len = %d, want %d", len(data), AllStateSize)
	}

	got, err := DecodeState(data)
	if err != nil {
		t.Fatalf("DecodeState() error = %v", err)
	}
	if got != want {
		t.Errorf("DecodeState() =\n%+v\nwant\n%+v", got, want)
	}
}

func TestDecodeState_Offsets(t *testing.T) {
	data := make([]byte, 139)
	copy(data[12:], EncodeFloat(5))
	copy(data[28+8*5+4:], EncodeFloat(0.6))
	copy(data[115:], EncodeFloat(5.2))
	data[98] = 0
	data[107] = 1
	data[108] = 2
	data[109] = 1

	s, err := DecodeState(data)
	if err != nil {
		t.Fatal(err)
	}
	if s.OutputVoltage != 5 {
		t.Errorf("OutputVoltage = %v, want 5", s.OutputVoltage)
	}
	if s.Groups[5].Current != 0.6 {
		t.Errorf("Groups[5].Current = %v, want 0.6", s.Groups[5].Current)
	}
	if s.UpperLimitCurrent != 5.2 {
		t.Errorf("UpperLimitCurrent = %v, want 5.2", s.UpperLimitCurrent)
	}
	if s.MeteringEnabled {
		t.Error("MeteringEnabled = true, want false")
	}
	if !s.OutputEnabled {
		t.Error("OutputEnabled = false, want true")
	}
	if s.Protection != ProtectionOCP {
		t.Errorf("Protection = %v, want OCP", s.Protection)
	}
	if s.Mode != ModeCV {
		t.Errorf("Mode = %v, want CV", s.Mode)
	}
}

func TestDecodeState_BadProtection(t *testing.T) {
	data := EncodeState(DeviceState{})
	data[108] = 9
	if _, err := DecodeState(data); !errors.Is(err, ErrCodec) {
		t.Errorf("error = %v, want codec error", err)
	}
}

func TestDeviceState_Apply(t *testing.T) {
	base := DeviceState{Info: DeviceInfo{ModelName: "DPS-150"}}

	tests := []struct {
		name   string
		typ    byte
		value  Value
		verify func(t *testing.T, s DeviceState)
	}{
		{
			name:  "output triple",
			typ:   TypeOutput,
			value: Value{Kind: KindOutput, Output: Output{Voltage: 1, Current: 2, Power: 2}},
			verify: func(t *testing.T, s DeviceState) {
				if s.OutputVoltage != 1 || s.OutputCurrent != 2 || s.OutputPower != 2 {
					t.Errorf("state = %+v", s)
				}
			},
		},
		{
			name:  "group 2 voltage",
			typ:   199,
			value: FloatValue(9),
			verify: func(t *testing.T, s DeviceState) {
				if s.Groups[1].Voltage != 9 || s.Groups[1].Current != 0 {
					t.Errorf("groups = %+v", s.Groups)
				}
			},
		},
		{
			name:  "group 6 current",
			typ:   208,
			value: FloatValue(3),
			verify: func(t *testing.T, s DeviceState) {
				if s.Groups[5].Current != 3 {
					t.Errorf("groups = %+v", s.Groups)
				}
			},
		},
		{
			name:  "all keeps info",
			typ:   TypeAll,
			value: Value{Kind: KindState, State: sampleState()},
			verify: func(t *testing.T, s DeviceState) {
				if s.Info.ModelName != "DPS-150" {
					t.Errorf("info lost: %+v", s.Info)
				}
				if s.SetVoltage != 12 {
					t.Errorf("SetVoltage = %v", s.SetVoltage)
				}
			},
		},
		{
			name:  "firmware",
			typ:   TypeFirmwareVersion,
			value: StringValue("V1.1"),
			verify: func(t *testing.T, s DeviceState) {
				if s.Info.FirmwareVersion != "V1.1" || s.Info.ModelName != "DPS-150" {
					t.Errorf("info = %+v", s.Info)
				}
			},
		},
		{
			name:  "unknown type is a no-op",
			typ:   225,
			value: FloatValue(1),
			verify: func(t *testing.T, s DeviceState) {
				if s != base {
					t.Errorf("state changed: %+v", s)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := base.Apply(tt.typ, tt.value)
			tt.verify(t, got)
			if base.OutputVoltage != 0 || base.Groups[1].Voltage != 0 || base.SetVoltage != 0 {
				t.Errorf("Apply mutated receiver: %+v", base)
			}
		})
	}
}

func TestProtectionState_JSON(t *testing.T) {
	b, err := json.Marshal(struct {
		P ProtectionState `json:"p"`
		M Mode            `json:"m"`
	}{ProtectionOVP, ModeCC})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"p":"OVP","m":"CC"}` {
		t.Errorf("json = %s", b)
	}

	var p ProtectionState
	if err := p.UnmarshalText([]byte("REP")); err != nil || p != ProtectionREP {
		t.Errorf("UnmarshalText(REP) = %v, %v", p, err)
	}
	if !ProtectionLVP.Tripped() || ProtectionNormal.Tripped() {
		t.Error("Tripped() wrong")
	}
}

func TestError_Is(t *testing.T) {
	err := NewTimeoutError("no reply to GET all")
	if !errors.Is(err, ErrTimeout) {
		t.Error("timeout error does not match ErrTimeout")
	}
	if errors.Is(err, ErrConnection) {
		t.Error("timeout error matches ErrConnection")
	}

	cause := errors.New("port gone")
	conn := NewConnectionError("write failed", cause)
	if !errors.Is(conn, cause) {
		t.Error("connection error does not unwrap to cause")
	}

	st, ok := ProtectionOf(NewProtectionError(ProtectionOCP))
	if !ok || st != ProtectionOCP {
		t.Errorf("ProtectionOf() = %v, %v", st, ok)
	}
	if Hint(conn) == "" {
		t.Error("no hint for connection error")
	}
}
