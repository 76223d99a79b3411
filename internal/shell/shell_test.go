package shell

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muurk/dps150/internal/config"
	"github.com/muurk/dps150/internal/device"
	"github.com/muurk/dps150/internal/protocol"
	"github.com/muurk/dps150/internal/simulator"
)

func newShell(t *testing.T) (*Shell, *simulator.Simulator, *bytes.Buffer) {
	t.Helper()
	sim := simulator.New(simulator.WithPushInterval(0))
	dev := device.New(device.Options{Dial: sim.Dial, Timeout: time.Second, SettleDelay: -1})
	require.NoError(t, dev.Connect(context.Background()))
	t.Cleanup(func() {
		_ = dev.Close(context.Background())
		_ = sim.Close()
	})

	on := true
	var out bytes.Buffer
	sh := New(dev, Options{
		Out: &out,
		Profiles: map[string]*config.Profile{
			"usb5v": {Description: "USB rail", Voltage: 5, Current: 1, Output: &on},
		},
	})
	return sh, sim, &out
}

// run executes lines and returns what they printed
func run(t *testing.T, sh *Shell, out *bytes.Buffer, lines ...string) string {
	t.Helper()
	out.Reset()
	for _, l := range lines {
		assert.False(t, sh.Execute(context.Background(), l), "line %q should not quit", l)
	}
	return out.String()
}

func TestReadings(t *testing.T) {
	sh, _, out := newShell(t)

	assert.Contains(t, run(t, sh, out, "info"), "Model:    DPS-150")
	assert.Contains(t, run(t, sh, out, "measure"), "OFF")

	status := run(t, sh, out, "status")
	for _, want := range []string{"Output", "Set-points", "Protection", "DPS-150"} {
		assert.Contains(t, status, want)
	}
	assert.Contains(t, run(t, sh, out, "stats"), "Checksum errors: 0")
}

func TestSetAndOutput(t *testing.T) {
	sh, sim, out := newShell(t)

	got := run(t, sh, out, "set voltage 12", "set OCP 1.5", "output on", "status")
	assert.Contains(t, got, "voltage = 12")
	assert.Contains(t, got, "OCP = 1.5")
	assert.Contains(t, got, "Output on")

	st := sim.State()
	assert.InDelta(t, 12, st.SetVoltage, 0.001)
	assert.InDelta(t, 1.5, st.OCP, 0.001)
	assert.True(t, st.OutputEnabled)

	run(t, sh, out, "output off", "status")
	assert.False(t, sim.State().OutputEnabled)
}

func TestGroupsAndMetering(t *testing.T) {
	sh, sim, out := newShell(t)

	got := run(t, sh, out, "group 2 3.3 0.5", "load 2", "metering on", "status")
	assert.Contains(t, got, "Group 2 = 3.30 V 0.500 A")
	assert.Contains(t, got, "Loaded group 2: 3.30 V 0.500 A")
	assert.Contains(t, got, "Metering on")

	st := sim.State()
	assert.InDelta(t, 3.3, st.Groups[1].Voltage, 0.001)
	assert.InDelta(t, 3.3, st.SetVoltage, 0.001)
	assert.True(t, st.MeteringEnabled)
}

func TestProfiles(t *testing.T) {
	sh, sim, out := newShell(t)

	assert.Contains(t, run(t, sh, out, "profile"), "usb5v")
	assert.Contains(t, run(t, sh, out, "profile usb5v", "status"), "Applied profile usb5v")
	assert.InDelta(t, 5, sim.State().SetVoltage, 0.001)
	assert.True(t, sim.State().OutputEnabled)

	assert.Contains(t, run(t, sh, out, "profile nope"), `unknown profile "nope"`)
}

func TestErrorsAndUsage(t *testing.T) {
	sh, sim, out := newShell(t)
	before := len(sim.Received())

	tests := []struct {
		line string
		want string
	}{
		{"set voltage", "Usage: set"},
		{"set voltage twelve", "not a number"},
		{"set temperature 20", "cannot be written"},
		{"set voltage -1", "Check the value"},
		{"output maybe", "expected on or off"},
		{"group 9 1 1", "group must be between 1 and 6"},
		{"load x", "not a group number"},
		{"frobnicate", "Unknown command: frobnicate"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Contains(t, run(t, sh, out, tt.line), tt.want)
		})
	}
	assert.Len(t, sim.Received(), before, "rejected commands must not reach the wire")
}

func TestQuit(t *testing.T) {
	sh, _, _ := newShell(t)
	for _, l := range []string{"quit", "exit", "q", "  QUIT  "} {
		assert.True(t, sh.Execute(context.Background(), l), l)
	}
}

func TestParseOnOff(t *testing.T) {
	for _, s := range []string{"on", "ON", "true", "yes", "1"} {
		v, err := ParseOnOff(s)
		require.NoError(t, err)
		assert.True(t, v, s)
	}
	for _, s := range []string{"off", "false", "no", "0"} {
		v, err := ParseOnOff(s)
		require.NoError(t, err)
		assert.False(t, v, s)
	}
	_, err := ParseOnOff("sometimes")
	assert.True(t, protocol.IsValueError(err))
}
