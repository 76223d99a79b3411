package device

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muurk/dps150/internal/dispatcher"
	"github.com/muurk/dps150/internal/protocol"
	"github.com/muurk/dps150/internal/simulator"
)

func connect(t *testing.T, opts ...simulator.Option) (*Device, *simulator.Simulator) {
	t.Helper()
	sim := simulator.New(append([]simulator.Option{simulator.WithPushInterval(0)}, opts...)...)
	dev := New(Options{
		Dial:        sim.Dial,
		Timeout:     time.Second,
		SettleDelay: -1,
	})
	require.NoError(t, dev.Connect(context.Background()))
	t.Cleanup(func() {
		_ = dev.Close(context.Background())
		_ = sim.Close()
	})
	return dev, sim
}

// settled waits until the simulator has handled every frame sent so far, since
// writes are not acknowledged.
func settled(t *testing.T, dev *Device) protocol.DeviceState {
	t.Helper()
	st, err := dev.GetAll(context.Background())
	require.NoError(t, err)
	return st
}

func TestConnectHandshake(t *testing.T) {
	dev, sim := connect(t)

	assert.True(t, dev.Connected())
	assert.True(t, sim.InSession())
	assert.Equal(t, byte(5), sim.BaudIndex())

	rx := sim.Received()
	require.Len(t, rx, 6)
	assert.Equal(t, protocol.CommandInit, rx[0].Command())
	assert.Equal(t, []byte{1}, rx[0].Payload())
	assert.Equal(t, protocol.CommandBaud, rx[1].Command())
	assert.Equal(t, []byte{5}, rx[1].Payload())
	for i, typ := range []byte{protocol.TypeModelName, protocol.TypeHardwareVersion, protocol.TypeFirmwareVersion, protocol.TypeAll} {
		assert.Equal(t, protocol.CommandGet, rx[2+i].Command())
		assert.Equal(t, typ, rx[2+i].Type())
	}

	st := dev.State()
	assert.Equal(t, "DPS-150", st.Info.ModelName)
	assert.Equal(t, "V1.1", st.Info.FirmwareVersion)
	assert.Equal(t, float32(20), st.InputVoltage)
	assert.Equal(t, float32(19), st.UpperLimitVoltage)
}

func TestConnectFailsWithoutReplies(t *testing.T) {
	sim := simulator.New(simulator.WithPushInterval(0), simulator.WithSilentGets())
	defer sim.Close()
	dev := New(Options{Dial: sim.Dial, Timeout: 50 * time.Millisecond, SettleDelay: -1})

	err := dev.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, protocol.IsTimeoutError(err))
	assert.False(t, dev.Connected())
}

func TestClose(t *testing.T) {
	sim := simulator.New(simulator.WithPushInterval(0))
	defer sim.Close()
	dev := New(Options{Dial: sim.Dial, SettleDelay: -1})
	require.NoError(t, dev.Connect(context.Background()))

	require.NoError(t, dev.Close(context.Background()))
	assert.False(t, dev.Connected())
	assert.Eventually(t, func() bool { return !sim.InSession() }, time.Second, 5*time.Millisecond)

	rx := sim.Received()
	last := rx[len(rx)-1]
	assert.Equal(t, protocol.CommandInit, last.Command())
	assert.Equal(t, []byte{0}, last.Payload())

	// A second close is harmless.
	require.NoError(t, dev.Close(context.Background()))
}

func TestSetpointsAndOutput(t *testing.T) {
	dev, sim := connect(t, simulator.WithLoad(10))
	ctx := context.Background()

	require.NoError(t, dev.SetVoltage(ctx, 12))
	require.NoError(t, dev.SetCurrent(ctx, 0.5))
	require.NoError(t, dev.EnableOutput(ctx))

	st := settled(t, dev)
	assert.Equal(t, float32(12), st.SetVoltage)
	assert.Equal(t, float32(0.5), st.SetCurrent)
	assert.True(t, st.OutputEnabled)
	assert.Equal(t, protocol.ModeCC, st.Mode)
	assert.True(t, sim.State().OutputEnabled)

	v, err := dev.GetVoltage(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, v, 1e-4)
	i, err := dev.GetCurrent(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, i, 1e-4)
	p, err := dev.GetPower(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, p, 1e-4)
	temp, err := dev.GetTemperature(ctx)
	require.NoError(t, err)
	assert.Equal(t, float32(25), temp)

	require.NoError(t, dev.DisableOutput(ctx))
	assert.False(t, settled(t, dev).OutputEnabled)
}

func TestThresholdsAndControls(t *testing.T) {
	dev, _ := connect(t)
	ctx := context.Background()

	require.NoError(t, dev.SetOVP(ctx, 15))
	require.NoError(t, dev.SetOCP(ctx, 2))
	require.NoError(t, dev.SetOPP(ctx, 30))
	require.NoError(t, dev.SetOTP(ctx, 70))
	require.NoError(t, dev.SetLVP(ctx, 6))
	require.NoError(t, dev.SetBrightness(ctx, 4))
	require.NoError(t, dev.SetVolume(ctx, 0))
	require.NoError(t, dev.StartMetering(ctx))

	st := settled(t, dev)
	assert.Equal(t, float32(15), st.OVP)
	assert.Equal(t, float32(2), st.OCP)
	assert.Equal(t, float32(30), st.OPP)
	assert.Equal(t, float32(70), st.OTP)
	assert.Equal(t, float32(6), st.LVP)
	assert.Equal(t, uint8(4), st.Brightness)
	assert.Equal(t, uint8(0), st.Volume)
	assert.True(t, st.MeteringEnabled)

	require.NoError(t, dev.StopMetering(ctx))
	assert.False(t, settled(t, dev).MeteringEnabled)
}

func TestValidation(t *testing.T) {
	dev, sim := connect(t)
	ctx := context.Background()
	before := len(sim.Received())

	tests := []struct {
		name string
		call func() error
	}{
		{"brightness too high", func() error { return dev.SetBrightness(ctx, 11) }},
		{"volume negative", func() error { return dev.SetVolume(ctx, -1) }},
		{"negative voltage", func() error { return dev.SetVoltage(ctx, -1) }},
		{"group zero", func() error { return dev.SetGroup(ctx, 0, 1, 1) }},
		{"group seven", func() error { _, err := dev.LoadGroup(ctx, 7); return err }},
		{"unknown param", func() error { return dev.SetParam(ctx, "bogus", 1) }},
		{"read-only param", func() error { return dev.SetParam(ctx, "temperature", 1) }},
		{"session param", func() error { return dev.SetParam(ctx, "baud", 1) }},
		{"fractional byte", func() error { return dev.SetParam(ctx, "brightness", 2.5) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), protocol.ErrValue)
		})
	}

	assert.Len(t, sim.Received(), before, "rejected values must not reach the wire")
}

func TestSetParam(t *testing.T) {
	dev, _ := connect(t)
	ctx := context.Background()

	require.NoError(t, dev.SetParam(ctx, "voltage", 7.5))
	require.NoError(t, dev.SetParam(ctx, "brightness", 3))
	require.NoError(t, dev.SetParam(ctx, "output_enable", 1))

	st := settled(t, dev)
	assert.Equal(t, float32(7.5), st.SetVoltage)
	assert.Equal(t, uint8(3), st.Brightness)
	assert.True(t, st.OutputEnabled)

	assert.Contains(t, dev.Settable(), "voltage")
	assert.NotContains(t, dev.Settable(), "connect")
	assert.NotContains(t, dev.Settable(), "temperature")
}

func TestGroups(t *testing.T) {
	dev, sim := connect(t)
	ctx := context.Background()

	require.NoError(t, dev.SetGroup(ctx, 2, 3.3, 0.2))
	st := settled(t, dev)
	assert.Equal(t, protocol.Group{Voltage: 3.3, Current: 0.2}, st.Groups[1])
	assert.Equal(t, float32(3.3), st.SetVoltage)
	assert.Equal(t, protocol.Group{Voltage: 3.3, Current: 0.2}, sim.State().Groups[1])

	require.NoError(t, dev.SetVoltage(ctx, 9))
	require.NoError(t, dev.SetCurrent(ctx, 1))
	g, err := dev.LoadGroup(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, protocol.Group{Voltage: 3.3, Current: 0.2}, g)

	st = settled(t, dev)
	assert.Equal(t, float32(3.3), st.SetVoltage)
	assert.Equal(t, float32(0.2), st.SetCurrent)
}

func TestApplyPreset(t *testing.T) {
	dev, _ := connect(t)
	on := true
	require.NoError(t, dev.Apply(context.Background(), Preset{Voltage: 5, Current: 0.1, OCP: 0.3, Output: &on}))

	st := settled(t, dev)
	assert.Equal(t, float32(5), st.SetVoltage)
	assert.Equal(t, float32(0.1), st.SetCurrent)
	assert.Equal(t, float32(0.3), st.OCP)
	assert.Equal(t, float32(31), st.OVP, "zero fields are left alone")
	assert.True(t, st.OutputEnabled)
}

func TestProtection(t *testing.T) {
	dev, sim := connect(t)

	var tripped atomic.Value
	dev.Subscribe(func(ev dispatcher.Event) {
		if ev.Err != nil {
			tripped.Store(ev.Err)
		}
	})

	require.NoError(t, sim.Trip(protocol.ProtectionOVP))

	select {
	case err := <-dev.Protection():
		p, ok := protocol.ProtectionOf(err)
		require.True(t, ok)
		assert.Equal(t, protocol.ProtectionOVP, p)
	case <-time.After(time.Second):
		t.Fatal("no protection signal")
	}
	assert.Eventually(t, func() bool { return tripped.Load() != nil }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return !dev.State().OutputEnabled }, time.Second, 5*time.Millisecond)
}

func TestPolling(t *testing.T) {
	dev, _ := connect(t)

	var polls atomic.Int32
	tok := dev.Subscribe(func(ev dispatcher.Event) {
		if ev.Reply && ev.Type == protocol.TypeAll {
			polls.Add(1)
		}
	})
	defer dev.Unsubscribe(tok)

	dev.StartPolling(context.Background(), 10*time.Millisecond)
	assert.Eventually(t, func() bool { return polls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	dev.StopPolling()
	n := polls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, polls.Load())
}

func TestStateChangeOnUnplug(t *testing.T) {
	dev, sim := connect(t)

	lost := make(chan struct{}, 1)
	dev.OnStateChange(func(from, to dispatcher.ConnState) {
		if to == dispatcher.Disconnected {
			select {
			case lost <- struct{}{}:
			default:
			}
		}
	})

	sim.Unplug()
	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("disconnect not reported")
	}
	_, err := dev.GetAll(context.Background())
	assert.True(t, protocol.IsConnectionError(err))

	// Reconnect through the same dialer.
	require.NoError(t, dev.Connect(context.Background()))
	assert.Equal(t, "DPS-150", dev.State().Info.ModelName)
}

func TestGetAllConcurrentCallsShareRead(t *testing.T) {
	dev, _ := connect(t)
	dev.StartPolling(context.Background(), time.Millisecond)
	defer dev.StopPolling()

	var wg sync.WaitGroup
	errs := make(chan error, 400)
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if _, err := dev.GetAll(context.Background()); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestGetAllCallerCancelDoesNotFailOthers(t *testing.T) {
	dev, _ := connect(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := dev.GetAll(ctx); err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}

	st, err := dev.GetAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "DPS-150", st.Info.ModelName)
}
