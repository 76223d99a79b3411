package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/muurk/dps150/internal/dispatcher"
	"github.com/muurk/dps150/internal/logging"
	"github.com/muurk/dps150/internal/protocol"
	"github.com/muurk/dps150/internal/transport"
)

const (
	// DefaultTimeout is the reply window for a single GET
	DefaultTimeout = 2 * time.Second

	// DefaultPollInterval is how often StartPolling refreshes the full state
	DefaultPollInterval = time.Second

	// DefaultSettleDelay is the pause after each handshake write. The unit
	// drops frames that arrive too soon after INIT or a baud change.
	DefaultSettleDelay = 200 * time.Millisecond

	// closeTimeout bounds the best-effort session close in Close
	closeTimeout = 500 * time.Millisecond
)

// Options configures a Device.
type Options struct {
	// Port is the serial port path, or "auto" to detect it
	Port string

	// Match narrows auto-detection to a USB vendor/product
	Match transport.Match

	// Timeout is the reply window for a single GET
	Timeout time.Duration

	// PollInterval is the StartPolling period when none is given
	PollInterval time.Duration

	// SettleDelay is the pause after handshake writes; negative disables it
	SettleDelay time.Duration

	// Dial replaces the serial transport, e.g. with simulator.Dial
	Dial dispatcher.DialFunc

	// FrameHook sees every frame on the wire
	FrameHook func(protocol.Frame)

	Logger *zap.Logger
}

// DefaultOptions returns options for an auto-detected serial port.
func DefaultOptions() Options {
	return Options{
		Port:         transport.AutoPort,
		Timeout:      DefaultTimeout,
		PollInterval: DefaultPollInterval,
		SettleDelay:  DefaultSettleDelay,
	}
}

// Device is a DPS-150 power supply.
type Device struct {
	opts Options
	disp *dispatcher.Dispatcher
	reg  *protocol.Registry
	log  *zap.Logger

	// reads coalesces concurrent GetAll calls onto one (GET, ALL) request.
	reads singleflight.Group

	pollMu     sync.Mutex
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a Device. Zero option fields take their defaults.
func New(opts Options) *Device {
	def := DefaultOptions()
	if opts.Port == "" {
		opts.Port = def.Port
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.SettleDelay == 0 {
		opts.SettleDelay = def.SettleDelay
	}
	if opts.Logger == nil {
		opts.Logger = logging.Named("device")
	}
	if opts.Dial == nil {
		opts.Dial = transport.Dialer(opts.Port, opts.Match)
	}

	disp := dispatcher.New(dispatcher.Config{
		Dial:          opts.Dial,
		Timeout:       opts.Timeout,
		NotifyReplies: true,
		FrameHook:     opts.FrameHook,
		Logger:        opts.Logger.Named("dispatcher"),
	})

	return &Device{
		opts: opts,
		disp: disp,
		reg:  disp.Registry(),
		log:  opts.Logger,
	}
}

// Dispatcher exposes the underlying dispatcher.
func (d *Device) Dispatcher() *dispatcher.Dispatcher { return d.disp }

// Connect opens the transport and runs the session handshake: open the
// session, select 115200 baud, then read the identity strings and the full
// state.
func (d *Device) Connect(ctx context.Context) error {
	if err := d.disp.Connect(ctx); err != nil {
		return err
	}

	if err := d.handshake(ctx); err != nil {
		_ = d.disp.Close()
		return err
	}

	st := d.disp.Snapshot()
	d.log.Info("Connected",
		zap.String("model", st.Info.ModelName),
		zap.String("firmware", st.Info.FirmwareVersion))
	return nil
}

func (d *Device) handshake(ctx context.Context) error {
	baud, err := protocol.BaudIndex(protocol.DefaultBaudRate)
	if err != nil {
		return err
	}

	if err := d.disp.Set(ctx, "connect", protocol.ByteValue(1)); err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	if err := d.settle(ctx); err != nil {
		return err
	}
	if err := d.disp.Set(ctx, "baud", protocol.ByteValue(int(baud))); err != nil {
		return fmt.Errorf("failed to select baud rate: %w", err)
	}
	if err := d.settle(ctx); err != nil {
		return err
	}
	if _, err := d.GetInfo(ctx); err != nil {
		return fmt.Errorf("failed to read device info: %w", err)
	}
	if _, err := d.GetAll(ctx); err != nil {
		return fmt.Errorf("failed to read device state: %w", err)
	}
	return nil
}

func (d *Device) settle(ctx context.Context) error {
	if d.opts.SettleDelay <= 0 {
		return nil
	}
	return sleep(ctx, d.opts.SettleDelay)
}

// Close stops polling, tells the unit to end the session and closes the
// transport. The session close is best-effort.
func (d *Device) Close(ctx context.Context) error {
	d.StopPolling()

	if d.disp.State() == dispatcher.Connected {
		cctx, cancel := context.WithTimeout(ctx, closeTimeout)
		if err := d.disp.Set(cctx, "connect", protocol.ByteValue(0)); err != nil {
			d.log.Debug("Session close not sent", zap.Error(err))
		}
		cancel()
	}
	return d.disp.Close()
}

// Connected reports whether the transport is up.
func (d *Device) Connected() bool {
	return d.disp.State() == dispatcher.Connected
}

// State returns the last known device state without touching the wire.
func (d *Device) State() protocol.DeviceState {
	return d.disp.Snapshot()
}

// Stats returns the parser counters of the current connection.
func (d *Device) Stats() protocol.ParserStats {
	return d.disp.Stats()
}

// GetAll reads the full device state. Calls made while a read is in
// flight, including the StartPolling loop, share that read's result.
func (d *Device) GetAll(ctx context.Context) (protocol.DeviceState, error) {
	// The shared read outlives any one caller; the reply timeout bounds it.
	shared := context.WithoutCancel(ctx)
	ch := d.reads.DoChan("all", func() (any, error) {
		if _, err := d.disp.Get(shared, "all"); err != nil {
			return protocol.DeviceState{}, err
		}
		// The snapshot carries the identity strings the ALL payload lacks.
		return d.disp.Snapshot(), nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return protocol.DeviceState{}, res.Err
		}
		return res.Val.(protocol.DeviceState), nil
	case <-ctx.Done():
		return protocol.DeviceState{}, ctx.Err()
	}
}

// GetInfo reads the model name and the hardware and firmware versions.
func (d *Device) GetInfo(ctx context.Context) (protocol.DeviceInfo, error) {
	var info protocol.DeviceInfo
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{"model_name", &info.ModelName},
		{"hardware_version", &info.HardwareVersion},
		{"firmware_version", &info.FirmwareVersion},
	} {
		v, err := d.disp.Get(ctx, f.name)
		if err != nil {
			return protocol.DeviceInfo{}, err
		}
		*f.dst = v.Text
	}
	return info, nil
}

// GetVoltage returns the measured output voltage.
func (d *Device) GetVoltage(ctx context.Context) (float32, error) {
	st, err := d.GetAll(ctx)
	return st.OutputVoltage, err
}

// GetCurrent returns the measured output current.
func (d *Device) GetCurrent(ctx context.Context) (float32, error) {
	st, err := d.GetAll(ctx)
	return st.OutputCurrent, err
}

// GetPower returns the measured output power.
func (d *Device) GetPower(ctx context.Context) (float32, error) {
	st, err := d.GetAll(ctx)
	return st.OutputPower, err
}

// GetTemperature returns the internal temperature.
func (d *Device) GetTemperature(ctx context.Context) (float32, error) {
	st, err := d.GetAll(ctx)
	return st.Temperature, err
}

// SetVoltage sets the output voltage set-point.
func (d *Device) SetVoltage(ctx context.Context, v float32) error {
	return d.setFloat(ctx, "voltage", v)
}

// SetCurrent sets the output current limit.
func (d *Device) SetCurrent(ctx context.Context, i float32) error {
	return d.setFloat(ctx, "current", i)
}

// EnableOutput turns the output on.
func (d *Device) EnableOutput(ctx context.Context) error {
	return d.disp.Set(ctx, "output_enable", protocol.BoolValue(true))
}

// DisableOutput turns the output off.
func (d *Device) DisableOutput(ctx context.Context) error {
	return d.disp.Set(ctx, "output_enable", protocol.BoolValue(false))
}

// SetOutput turns the output on or off.
func (d *Device) SetOutput(ctx context.Context, on bool) error {
	if on {
		return d.EnableOutput(ctx)
	}
	return d.DisableOutput(ctx)
}

// SetOVP sets the over-voltage protection threshold.
func (d *Device) SetOVP(ctx context.Context, v float32) error { return d.setFloat(ctx, "ovp", v) }

// SetOCP sets the over-current protection threshold.
func (d *Device) SetOCP(ctx context.Context, v float32) error { return d.setFloat(ctx, "ocp", v) }

// SetOPP sets the over-power protection threshold.
func (d *Device) SetOPP(ctx context.Context, v float32) error { return d.setFloat(ctx, "opp", v) }

// SetOTP sets the over-temperature protection threshold.
func (d *Device) SetOTP(ctx context.Context, v float32) error { return d.setFloat(ctx, "otp", v) }

// SetLVP sets the input under-voltage protection threshold.
func (d *Device) SetLVP(ctx context.Context, v float32) error { return d.setFloat(ctx, "lvp", v) }

// SetBrightness sets the display brightness, 0 to 10.
func (d *Device) SetBrightness(ctx context.Context, level int) error {
	return d.disp.Set(ctx, "brightness", protocol.ByteValue(level))
}

// SetVolume sets the beeper volume, 0 to 10.
func (d *Device) SetVolume(ctx context.Context, level int) error {
	return d.disp.Set(ctx, "volume", protocol.ByteValue(level))
}

// StartMetering starts capacity and energy accumulation.
func (d *Device) StartMetering(ctx context.Context) error {
	return d.disp.Set(ctx, "metering", protocol.BoolValue(true))
}

// StopMetering stops capacity and energy accumulation.
func (d *Device) StopMetering(ctx context.Context) error {
	return d.disp.Set(ctx, "metering", protocol.BoolValue(false))
}

// SetGroup applies v and i as the active set-point and stores them in preset
// group n (1 to 6).
func (d *Device) SetGroup(ctx context.Context, n int, v, i float32) error {
	if _, _, err := protocol.GroupTypes(n); err != nil {
		return err
	}
	if err := d.SetVoltage(ctx, v); err != nil {
		return err
	}
	if err := d.SetCurrent(ctx, i); err != nil {
		return err
	}
	if err := d.setFloat(ctx, fmt.Sprintf("group%d_voltage", n), v); err != nil {
		return err
	}
	return d.setFloat(ctx, fmt.Sprintf("group%d_current", n), i)
}

// LoadGroup reads preset group n (1 to 6) and makes it the active set-point.
// It returns the preset applied.
func (d *Device) LoadGroup(ctx context.Context, n int) (protocol.Group, error) {
	if _, _, err := protocol.GroupTypes(n); err != nil {
		return protocol.Group{}, err
	}
	st, err := d.GetAll(ctx)
	if err != nil {
		return protocol.Group{}, err
	}
	g := st.Groups[n-1]
	if err := d.SetVoltage(ctx, g.Voltage); err != nil {
		return protocol.Group{}, err
	}
	if err := d.SetCurrent(ctx, g.Current); err != nil {
		return protocol.Group{}, err
	}
	return g, nil
}

// Subscribe registers fn for state updates. fn runs on the read goroutine and
// must not block or call back into the Device.
func (d *Device) Subscribe(fn dispatcher.Observer) dispatcher.Token {
	return d.disp.Subscribe(fn)
}

// Unsubscribe removes an observer.
func (d *Device) Unsubscribe(tok dispatcher.Token) {
	d.disp.Unsubscribe(tok)
}

// OnStateChange registers fn for connection transitions.
func (d *Device) OnStateChange(fn dispatcher.StateWatcher) dispatcher.Token {
	return d.disp.OnStateChange(fn)
}

// Protection carries a *protocol.Error each time a protection trips.
func (d *Device) Protection() <-chan error {
	return d.disp.Protection()
}

// StartPolling refreshes the full state every interval until ctx is done or
// StopPolling is called. Zero uses Options.PollInterval. A running poller is
// replaced.
func (d *Device) StartPolling(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = d.opts.PollInterval
	}
	d.StopPolling()

	pctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	d.pollMu.Lock()
	d.pollCancel = cancel
	d.pollDone = done
	d.pollMu.Unlock()

	go d.poll(pctx, interval, done)
}

// StopPolling stops a poller started by StartPolling and waits for it.
func (d *Device) StopPolling() {
	d.pollMu.Lock()
	cancel, done := d.pollCancel, d.pollDone
	d.pollCancel, d.pollDone = nil, nil
	d.pollMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (d *Device) poll(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !d.Connected() {
				return
			}
			if _, err := d.GetAll(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				d.log.Debug("Poll failed", zap.Error(err))
			}
		}
	}
}

func (d *Device) setFloat(ctx context.Context, name string, v float32) error {
	return d.disp.Set(ctx, name, protocol.FloatValue(v))
}

// Apply sends the set-points and thresholds in p that are non-zero, then
// switches the output if p asks for it.
func (d *Device) Apply(ctx context.Context, p Preset) error {
	steps := []struct {
		name string
		v    float32
	}{
		{"voltage", p.Voltage},
		{"current", p.Current},
		{"ovp", p.OVP},
		{"ocp", p.OCP},
		{"opp", p.OPP},
		{"otp", p.OTP},
		{"lvp", p.LVP},
	}
	for _, s := range steps {
		if s.v == 0 {
			continue
		}
		if err := d.setFloat(ctx, s.name, s.v); err != nil {
			return fmt.Errorf("failed to set %s: %w", s.name, err)
		}
	}
	if p.Output != nil {
		return d.SetOutput(ctx, *p.Output)
	}
	return nil
}

// Preset is a set of values Apply writes in one go.
type Preset struct {
	Voltage float32
	Current float32
	OVP     float32
	OCP     float32
	OPP     float32
	OTP     float32
	LVP     float32
	Output  *bool
}

// SetParam writes the parameter with the given registry name, converting
// value to the parameter's kind. Names come from user input, so unknown or
// read-only parameters are a ValueError.
func (d *Device) SetParam(ctx context.Context, name string, value float64) error {
	c, ok := d.reg.Find(name)
	if !ok {
		return protocol.NewValueError(fmt.Sprintf("unknown parameter %q", name))
	}
	if !c.CanSet() || c.SetCommand != d.reg.Table().Set {
		return protocol.NewValueError(fmt.Sprintf("%s cannot be written", name))
	}

	var v protocol.Value
	switch c.Kind {
	case protocol.KindFloat:
		v = protocol.FloatValue(float32(value))
	case protocol.KindByte:
		if value != float64(int(value)) {
			return protocol.NewValueError(fmt.Sprintf("%s takes a whole number, got %g", name, value))
		}
		v = protocol.ByteValue(int(value))
	case protocol.KindBool:
		v = protocol.BoolValue(value != 0)
	default:
		return protocol.NewValueError(fmt.Sprintf("%s cannot be written", name))
	}
	return d.disp.Set(ctx, name, v)
}

// Settable returns the names SetParam accepts.
func (d *Device) Settable() []string {
	var out []string
	for _, n := range d.reg.Names() {
		c := d.reg.Lookup(n)
		if c.CanSet() && c.SetCommand == d.reg.Table().Set {
			out = append(out, n)
		}
	}
	return out
}
