package dispatcher

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muurk/dps150/internal/protocol"
)

// fakeDevice is the far end of a net.Pipe. It collects host frames and lets
// the test write device frames.
type fakeDevice struct {
	conn   net.Conn
	frames chan protocol.Frame
}

func (fd *fakeDevice) run() {
	p := protocol.NewHostParser(protocol.DefaultTable)
	buf := make([]byte, 256)
	for {
		n, err := fd.conn.Read(buf)
		for _, f := range p.Feed(buf[:n]) {
			fd.frames <- f
		}
		if err != nil {
			return
		}
	}
}

func (fd *fakeDevice) expect(t *testing.T) protocol.Frame {
	t.Helper()
	select {
	case f := <-fd.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for host frame")
		return protocol.Frame{}
	}
}

func (fd *fakeDevice) send(t *testing.T, cmd, typ byte, payload []byte) {
	t.Helper()
	f, err := protocol.DeviceFrame(cmd, typ, payload)
	require.NoError(t, err)
	fd.raw(t, f.Bytes())
}

func (fd *fakeDevice) raw(t *testing.T, b []byte) {
	t.Helper()
	_, err := fd.conn.Write(b)
	require.NoError(t, err)
}

func newHarness(t *testing.T, cfg Config) (*Dispatcher, *fakeDevice) {
	t.Helper()
	host, dev := net.Pipe()
	fd := &fakeDevice{conn: dev, frames: make(chan protocol.Frame, 32)}
	go fd.run()

	cfg.Dial = func(ctx context.Context) (io.ReadWriteCloser, error) { return host, nil }
	d := New(cfg)
	require.NoError(t, d.Connect(context.Background()))
	t.Cleanup(func() {
		_ = d.Close()
		_ = dev.Close()
	})
	return d, fd
}

type eventLog struct {
	ch chan Event
}

func observe(d *Dispatcher) *eventLog {
	l := &eventLog{ch: make(chan Event, 32)}
	d.Subscribe(func(ev Event) { l.ch <- ev })
	return l
}

func (l *eventLog) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-l.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

type sendResult struct {
	v   protocol.Value
	err error
}

func goGet(d *Dispatcher, name string) <-chan sendResult {
	ch := make(chan sendResult, 1)
	go func() {
		v, err := d.Get(context.Background(), name)
		ch <- sendResult{v, err}
	}()
	return ch
}

func TestSend_NotConnected(t *testing.T) {
	d := New(Config{Dial: func(ctx context.Context) (io.ReadWriteCloser, error) { return nil, errors.New("unused") }})
	_, err := d.Get(context.Background(), "voltage")
	assert.ErrorIs(t, err, protocol.ErrConnection)
}

func TestConnect_DialFailure(t *testing.T) {
	var transitions []ConnState
	d := New(Config{Dial: func(ctx context.Context) (io.ReadWriteCloser, error) {
		return nil, errors.New("no such port")
	}})
	d.OnStateChange(func(from, to ConnState) { transitions = append(transitions, to) })

	err := d.Connect(context.Background())
	assert.ErrorIs(t, err, protocol.ErrConnection)
	assert.Equal(t, Disconnected, d.State())
	assert.Equal(t, []ConnState{Connecting, Disconnected}, transitions)
}

func TestStateTransitions(t *testing.T) {
	host, dev := net.Pipe()
	defer dev.Close()

	var mu sync.Mutex
	var transitions []ConnState
	d := New(Config{Dial: func(ctx context.Context) (io.ReadWriteCloser, error) { return host, nil }})
	d.OnStateChange(func(from, to ConnState) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	})

	require.NoError(t, d.Connect(context.Background()))
	assert.Equal(t, Connected, d.State())
	require.NoError(t, d.Connect(context.Background()), "second connect is a no-op")
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ConnState{Connecting, Connected, Disconnected}, transitions)
}

func TestReplyCorrelation_WithInterleavedPush(t *testing.T) {
	d, fd := newHarness(t, Config{})
	events := observe(d)

	res := goGet(d, "voltage")
	f := fd.expect(t)
	assert.Equal(t, protocol.CommandGet, f.Command())
	assert.Equal(t, protocol.TypeVoltageSet, f.Type())

	// Unrelated telemetry arrives first.
	fd.send(t, protocol.CommandGet, protocol.TypeTemperature, protocol.EncodeFloat(33))
	ev := events.next(t)
	assert.Equal(t, protocol.TypeTemperature, ev.Type)
	assert.InDelta(t, 33, ev.State.Temperature, 1e-6)
	assert.False(t, ev.Reply)

	select {
	case r := <-res:
		t.Fatalf("GET resolved by unrelated push: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	fd.send(t, protocol.CommandGet, protocol.TypeVoltageSet, protocol.EncodeFloat(12))
	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, float32(12), r.v.Float)
	assert.Equal(t, float32(12), d.Snapshot().SetVoltage, "reply folded into snapshot")
	assert.Equal(t, float32(33), d.Snapshot().Temperature)

	select {
	case ev := <-events.ch:
		t.Fatalf("reply delivered to observers: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotifyReplies(t *testing.T) {
	d, fd := newHarness(t, Config{NotifyReplies: true})
	events := observe(d)

	res := goGet(d, "all")
	fd.expect(t)
	fd.send(t, protocol.CommandGet, protocol.TypeAll, protocol.EncodeState(protocol.DeviceState{SetCurrent: 2}))

	require.NoError(t, (<-res).err)
	ev := events.next(t)
	assert.True(t, ev.Reply)
	assert.Equal(t, float32(2), ev.State.SetCurrent)
}

func TestTimeout_ReleasesSlot(t *testing.T) {
	d, fd := newHarness(t, Config{Timeout: 50 * time.Millisecond})

	_, err := d.Get(context.Background(), "current")
	assert.ErrorIs(t, err, protocol.ErrTimeout)
	assert.Equal(t, 0, d.InFlight())
	fd.expect(t)

	res := goGet(d, "current")
	fd.expect(t)
	fd.send(t, protocol.CommandGet, protocol.TypeCurrentSet, protocol.EncodeFloat(1.25))
	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, float32(1.25), r.v.Float)
}

func TestContextCancel(t *testing.T) {
	d, fd := newHarness(t, Config{Timeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := d.Get(ctx, "ovp")
		errCh <- err
	}()
	fd.expect(t)
	cancel()

	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, d.InFlight())
}

func TestBusy_SameCommand(t *testing.T) {
	d, fd := newHarness(t, Config{})

	res := goGet(d, "voltage")
	fd.expect(t)

	_, err := d.Get(context.Background(), "voltage")
	assert.ErrorIs(t, err, protocol.ErrBusy)

	fd.send(t, protocol.CommandGet, protocol.TypeVoltageSet, protocol.EncodeFloat(5))
	require.NoError(t, (<-res).err)
}

func TestConcurrentDistinctCommands_OutOfOrder(t *testing.T) {
	d, fd := newHarness(t, Config{})

	volts := goGet(d, "voltage")
	amps := goGet(d, "current")
	fd.expect(t)
	fd.expect(t)
	assert.Equal(t, 2, d.InFlight())

	fd.send(t, protocol.CommandGet, protocol.TypeCurrentSet, protocol.EncodeFloat(0.5))
	fd.send(t, protocol.CommandGet, protocol.TypeVoltageSet, protocol.EncodeFloat(24))

	a := <-amps
	v := <-volts
	require.NoError(t, a.err)
	require.NoError(t, v.err)
	assert.Equal(t, float32(0.5), a.v.Float)
	assert.Equal(t, float32(24), v.v.Float)
}

func TestConnectionLoss_FailsPending(t *testing.T) {
	d, fd := newHarness(t, Config{Timeout: time.Minute})

	disconnected := make(chan struct{})
	d.OnStateChange(func(from, to ConnState) {
		if to == Disconnected {
			close(disconnected)
		}
	})

	res := goGet(d, "all")
	fd.expect(t)
	require.NoError(t, fd.conn.Close())

	r := <-res
	assert.ErrorIs(t, r.err, protocol.ErrConnection)

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect transition")
	}
	assert.Equal(t, Disconnected, d.State())

	_, err := d.Get(context.Background(), "all")
	assert.ErrorIs(t, err, protocol.ErrConnection)
}

func TestClose_FailsPending(t *testing.T) {
	d, fd := newHarness(t, Config{Timeout: time.Minute})

	res := goGet(d, "temperature")
	fd.expect(t)
	require.NoError(t, d.Close())

	assert.ErrorIs(t, (<-res).err, protocol.ErrConnection)
	assert.Equal(t, 0, d.InFlight())
}

func TestClose_WhileDialing(t *testing.T) {
	host, dev := net.Pipe()
	defer dev.Close()

	dialing := make(chan struct{})
	release := make(chan struct{})
	d := New(Config{Dial: func(ctx context.Context) (io.ReadWriteCloser, error) {
		close(dialing)
		<-release
		return host, nil
	}})

	connected := make(chan error, 1)
	go func() { connected <- d.Connect(context.Background()) }()
	<-dialing
	require.Equal(t, Connecting, d.State())
	require.NoError(t, d.Close())
	close(release)

	err := <-connected
	assert.ErrorIs(t, err, protocol.ErrConnection)
	assert.Equal(t, Disconnected, d.State())

	// The late connection was closed rather than handed to a read loop.
	_, err = dev.Write([]byte{0xF0})
	assert.Error(t, err)

	_, err = d.Get(context.Background(), "all")
	assert.ErrorIs(t, err, protocol.ErrConnection)
}

func TestSet_NoReplyExpected(t *testing.T) {
	d, fd := newHarness(t, Config{})

	require.NoError(t, d.Set(context.Background(), "voltage", protocol.FloatValue(12)))
	f := fd.expect(t)
	assert.Equal(t, protocol.CommandSet, f.Command())
	assert.Equal(t, protocol.EncodeFloat(12), f.Payload())
	assert.Equal(t, 0, d.InFlight())

	err := d.Set(context.Background(), "brightness", protocol.ByteValue(42))
	assert.ErrorIs(t, err, protocol.ErrValue)
}

func TestProtectionTransition_FiresOnce(t *testing.T) {
	d, fd := newHarness(t, Config{})
	events := observe(d)

	push := func(p protocol.ProtectionState) Event {
		fd.send(t, protocol.CommandGet, protocol.TypeProtection, []byte{byte(p)})
		return events.next(t)
	}

	ev := push(protocol.ProtectionOCP)
	assert.Equal(t, protocol.ProtectionOCP, ev.State.Protection)
	require.ErrorIs(t, ev.Err, protocol.ErrProtection)
	st, ok := protocol.ProtectionOf(ev.Err)
	assert.True(t, ok)
	assert.Equal(t, protocol.ProtectionOCP, st)

	select {
	case err := <-d.Protection():
		assert.ErrorIs(t, err, protocol.ErrProtection)
	default:
		t.Fatal("no protection signal")
	}

	ev = push(protocol.ProtectionOCP)
	assert.NoError(t, ev.Err, "still tripped, no new signal")
	select {
	case err := <-d.Protection():
		t.Fatalf("repeated protection signal: %v", err)
	default:
	}

	ev = push(protocol.ProtectionNormal)
	assert.NoError(t, ev.Err)

	ev = push(protocol.ProtectionOVP)
	assert.ErrorIs(t, ev.Err, protocol.ErrProtection)
}

func TestPush_UndecodableDropped(t *testing.T) {
	d, fd := newHarness(t, Config{})
	events := observe(d)

	// Output push with one float instead of three.
	fd.send(t, protocol.CommandGet, protocol.TypeOutput, protocol.EncodeFloat(1))
	// Unknown type.
	fd.send(t, protocol.CommandGet, 225, []byte{1})
	fd.send(t, protocol.CommandGet, protocol.TypeInputVoltage, protocol.EncodeFloat(19.5))

	ev := events.next(t)
	assert.Equal(t, protocol.TypeInputVoltage, ev.Type)
	assert.Equal(t, float32(19.5), ev.State.InputVoltage)
}

func TestPush_CorruptionResync(t *testing.T) {
	d, fd := newHarness(t, Config{})
	events := observe(d)

	bad, err := protocol.DeviceFrame(protocol.CommandGet, protocol.TypeTemperature, protocol.EncodeFloat(99))
	require.NoError(t, err)
	corrupt := bad.Bytes()
	corrupt[6] ^= 0x10

	good, err := protocol.DeviceFrame(protocol.CommandGet, protocol.TypeTemperature, protocol.EncodeFloat(28))
	require.NoError(t, err)

	fd.raw(t, append(append([]byte{0x00, 0x42}, corrupt...), good.Bytes()...))

	ev := events.next(t)
	assert.Equal(t, float32(28), ev.State.Temperature)
	assert.Eventually(t, func() bool { return d.Stats().ChecksumErrors == 1 }, time.Second, 10*time.Millisecond)
}

func TestReply_DecodeFailureGoesToCaller(t *testing.T) {
	d, fd := newHarness(t, Config{})

	res := goGet(d, "output")
	fd.expect(t)
	fd.send(t, protocol.CommandGet, protocol.TypeOutput, []byte{1, 2})

	r := <-res
	assert.ErrorIs(t, r.err, protocol.ErrCodec)

	// The dispatcher keeps working.
	res = goGet(d, "output")
	fd.expect(t)
	fd.send(t, protocol.CommandGet, protocol.TypeOutput,
		append(append(protocol.EncodeFloat(5), protocol.EncodeFloat(1)...), protocol.EncodeFloat(5)...))
	r = <-res
	require.NoError(t, r.err)
	assert.Equal(t, protocol.Output{Voltage: 5, Current: 1, Power: 5}, r.v.Output)
}

func TestUnsubscribe(t *testing.T) {
	d, fd := newHarness(t, Config{})

	var mu sync.Mutex
	var order []string
	record := func(name string) Observer {
		return func(Event) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}
	a := d.Subscribe(record("a"))
	d.Subscribe(record("b"))
	last := observe(d)

	fd.send(t, protocol.CommandGet, protocol.TypeTemperature, protocol.EncodeFloat(20))
	last.next(t)
	d.Unsubscribe(a)
	fd.send(t, protocol.CommandGet, protocol.TypeTemperature, protocol.EncodeFloat(21))
	last.next(t)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "b"}, order)
}

func TestFrameHook(t *testing.T) {
	var mu sync.Mutex
	var seen []protocol.Frame
	d, fd := newHarness(t, Config{FrameHook: func(f protocol.Frame) {
		mu.Lock()
		seen = append(seen, f)
		mu.Unlock()
	}})
	events := observe(d)

	require.NoError(t, d.Set(context.Background(), "output_enable", protocol.BoolValue(true)))
	fd.expect(t)
	fd.send(t, protocol.CommandGet, protocol.TypeOutputEnable, []byte{1})
	events.next(t)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, protocol.MarkerHost, seen[0].Marker())
	assert.Equal(t, protocol.MarkerDevice, seen[1].Marker())
}
