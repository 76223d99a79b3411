package device

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muurk/dps150/internal/protocol"
)

func fastVerify() VerificationOptions {
	return VerificationOptions{MaxRetries: 1, RetryDelay: time.Millisecond}
}

func TestApplyAndVerify(t *testing.T) {
	dev, sim := connect(t)
	on := true

	res := dev.ApplyAndVerify(context.Background(), Preset{Voltage: 3.3, Current: 0.5, OCP: 0.8, Output: &on}, fastVerify())
	require.NoError(t, res.Error)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, res.Mismatches)
	assert.True(t, sim.State().OutputEnabled)
}

func TestVerifyReportsClampedValue(t *testing.T) {
	dev, _ := connect(t)

	// The simulated unit caps the set voltage at its 19 V upper limit.
	res := dev.ApplyAndVerify(context.Background(), Preset{Voltage: 25, Current: 1}, fastVerify())
	assert.False(t, res.Success)
	assert.Equal(t, 2, res.Attempts)
	require.Len(t, res.Mismatches, 1)
	assert.Contains(t, res.Mismatches[0], "voltage: expected 25, got 19")
	require.Error(t, res.Error)
	assert.Contains(t, res.Error.Error(), "after 2 attempt(s)")
}

func TestApplyAndVerifyRejectedWrite(t *testing.T) {
	dev, _ := connect(t)

	res := dev.ApplyAndVerify(context.Background(), Preset{Voltage: -1}, fastVerify())
	assert.False(t, res.Success)
	assert.Zero(t, res.Attempts)
	assert.True(t, protocol.IsValueError(res.Error))
}

func TestVerifyCancelled(t *testing.T) {
	dev, _ := connect(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := dev.VerifyPreset(ctx, Preset{Voltage: 5}, VerificationOptions{InitialDelay: time.Second})
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Error, context.Canceled)
}

func TestPresetOfRestores(t *testing.T) {
	dev, sim := connect(t)
	before := PresetOf(settled(t, dev))
	require.NotNil(t, before.Output)

	on := true
	require.NoError(t, dev.Apply(context.Background(), Preset{Voltage: 12, OVP: 15, Output: &on}))
	settled(t, dev)

	res := dev.ApplyAndVerify(context.Background(), before, fastVerify())
	require.NoError(t, res.Error)
	assert.InDelta(t, before.Voltage, sim.State().SetVoltage, 0.001)
	assert.Equal(t, *before.Output, sim.State().OutputEnabled)
}

func TestPresetMismatches(t *testing.T) {
	off, on := false, true
	st := protocol.DeviceState{SetVoltage: 5, SetCurrent: 1.004, OutputEnabled: false, Protection: protocol.ProtectionOCP}

	tests := []struct {
		name string
		p    Preset
		want int
	}{
		{name: "zero fields ignored", p: Preset{}, want: 0},
		{name: "within tolerance", p: Preset{Voltage: 5, Current: 1}, want: 0},
		{name: "voltage differs", p: Preset{Voltage: 5.1}, want: 1},
		{name: "output off matches", p: Preset{Output: &off}, want: 0},
		{name: "trip satisfies on", p: Preset{Output: &on}, want: 0},
		{name: "threshold differs", p: Preset{Voltage: 6, OVP: 7}, want: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, presetMismatches(tt.p, st), tt.want)
		})
	}
	assert.Equal(t, "none", formatMismatches(nil))
	assert.Equal(t, "2 mismatches: a; b", formatMismatches([]string{"a", "b"}))
}
