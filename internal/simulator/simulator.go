// Package simulator provides an in-process DPS-150 that speaks the wire
// protocol over a net.Pipe. It answers GETs, applies SETs, streams telemetry
// and can be made to trip protections or corrupt frames, which makes it
// useful both for tests and for trying the CLI without hardware.
package simulator

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/dps150/internal/logging"
	"github.com/muurk/dps150/internal/protocol"
)

// Defaults
const (
	DefaultPushInterval = 500 * time.Millisecond
	DefaultLoad         = 10.0 // ohms
)

// Option configures a Simulator.
type Option func(*Simulator)

// WithPushInterval sets how often telemetry is pushed. Zero disables pushes.
func WithPushInterval(d time.Duration) Option {
	return func(s *Simulator) { s.pushInterval = d }
}

// WithLoad sets the resistance of the simulated load in ohms.
func WithLoad(ohms float64) Option {
	return func(s *Simulator) { s.load = ohms }
}

// WithState replaces the initial device state.
func WithState(st protocol.DeviceState) Option {
	return func(s *Simulator) { s.state = st }
}

// WithSilentGets makes the simulator ignore GET requests, for timeout tests.
func WithSilentGets() Option {
	return func(s *Simulator) { s.silentGets = true }
}

// DefaultState is the state of a freshly powered unit on a 20V supply.
func DefaultState() protocol.DeviceState {
	return protocol.DeviceState{
		InputVoltage:      20.0,
		Temperature:       25.0,
		SetVoltage:        5.0,
		SetCurrent:        1.0,
		OVP:               31.0,
		OCP:               5.2,
		OPP:               155.0,
		OTP:               80.0,
		LVP:               4.5,
		Brightness:        8,
		Volume:            3,
		Mode:              protocol.ModeCV,
		UpperLimitVoltage: 19.0,
		UpperLimitCurrent: 5.1,
		Info: protocol.DeviceInfo{
			ModelName:       "DPS-150",
			HardwareVersion: "V1.0",
			FirmwareVersion: "V1.1",
		},
	}
}

// Simulator is a fake DPS-150.
type Simulator struct {
	pushInterval time.Duration
	load         float64
	silentGets   bool
	registry     *protocol.Registry
	log          *zap.Logger

	mu          sync.Mutex
	state       protocol.DeviceState
	session     bool // INIT 1 received
	baudIndex   byte
	corruptNext bool
	conn        net.Conn
	received    []protocol.Frame
	lastTick    time.Time

	writeMu sync.Mutex
	wg      sync.WaitGroup
	stop    chan struct{}
	once    sync.Once
}

// New creates a simulator. Call Dial to connect to it.
func New(opts ...Option) *Simulator {
	s := &Simulator{
		pushInterval: DefaultPushInterval,
		load:         DefaultLoad,
		registry:     protocol.DefaultRegistry,
		log:          logging.Named("simulator"),
		state:        DefaultState(),
		stop:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.simulate(0)
	return s
}

// Dial connects a new host link. It matches dispatcher.DialFunc. A previous
// link, if any, is closed.
func (s *Simulator) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-s.stop:
		return nil, protocol.NewConnectionError("simulator closed", nil)
	default:
	}

	host, dev := net.Pipe()

	s.mu.Lock()
	prev := s.conn
	s.conn = dev
	s.session = false
	s.lastTick = time.Now()
	s.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}

	s.wg.Add(1)
	go s.serve(dev)
	if s.pushInterval > 0 {
		s.wg.Add(1)
		go s.pushLoop(dev)
	}
	return host, nil
}

// Close disconnects the host and stops all simulator goroutines.
func (s *Simulator) Close() error {
	s.once.Do(func() {
		close(s.stop)
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
	s.wg.Wait()
	return nil
}

// Unplug drops the current host link, as if the USB cable were pulled.
func (s *Simulator) Unplug() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// State returns the simulated device state.
func (s *Simulator) State() protocol.DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// InSession reports whether the host has opened a session with INIT.
func (s *Simulator) InSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// BaudIndex returns the last baud index the host selected.
func (s *Simulator) BaudIndex() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baudIndex
}

// Received returns every host frame seen so far.
func (s *Simulator) Received() []protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Frame, len(s.received))
	copy(out, s.received)
	return out
}

// Trip forces a protection state, disables the output and pushes both.
func (s *Simulator) Trip(p protocol.ProtectionState) error {
	s.mu.Lock()
	s.state.Protection = p
	if p.Tripped() {
		s.state.OutputEnabled = false
	}
	s.simulate(0)
	conn := s.conn
	prot := s.fieldFrame(protocol.TypeProtection)
	out := s.fieldFrame(protocol.TypeOutputEnable)
	s.mu.Unlock()

	return s.send(conn, prot, out)
}

// CorruptNext flips a payload bit in the next frame sent to the host.
func (s *Simulator) CorruptNext() {
	s.mu.Lock()
	s.corruptNext = true
	s.mu.Unlock()
}

// Push sends the current value of typ to the host immediately.
func (s *Simulator) Push(typ byte) error {
	s.mu.Lock()
	conn := s.conn
	f := s.fieldFrame(typ)
	s.mu.Unlock()
	return s.send(conn, f)
}

func (s *Simulator) serve(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	parser := protocol.NewHostParser(protocol.DefaultTable)
	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		for _, f := range parser.Feed(buf[:n]) {
			if reply := s.handle(f); len(reply) > 0 {
				if werr := s.send(conn, reply...); werr != nil {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// handle applies one host frame and returns the frames to send back.
func (s *Simulator) handle(f protocol.Frame) []protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.received = append(s.received, f)

	switch f.Command() {
	case protocol.CommandInit:
		return s.handleInit(f)
	case protocol.CommandBaud:
		return s.handleBaud(f)
	case protocol.CommandGet:
		return s.handleGet(f)
	case protocol.CommandSet:
		return s.handleSet(f)
	default:
		s.log.Debug("Ignoring unknown command", zap.Uint8("command", f.Command()))
		return nil
	}
}

func (s *Simulator) handleInit(f protocol.Frame) []protocol.Frame {
	p := f.Payload()
	s.session = len(p) > 0 && p[0] == 1
	return nil
}

func (s *Simulator) handleBaud(f protocol.Frame) []protocol.Frame {
	if p := f.Payload(); len(p) > 0 {
		s.baudIndex = p[0]
	}
	return nil
}

func (s *Simulator) handleGet(f protocol.Frame) []protocol.Frame {
	if s.silentGets {
		return nil
	}
	if _, ok := s.registry.ByType(f.Type()); !ok {
		return nil
	}
	return []protocol.Frame{s.fieldFrame(f.Type())}
}

func (s *Simulator) handleSet(f protocol.Frame) []protocol.Frame {
	c, ok := s.registry.ByType(f.Type())
	if !ok || !c.CanSet() {
		return nil
	}
	v, err := c.Decode(f.Payload())
	if err != nil {
		s.log.Debug("Ignoring malformed set", zap.String("param", c.Name), zap.Error(err))
		return nil
	}
	if c.Kind == protocol.KindFloat {
		v.Float = s.clamp(f.Type(), v.Float)
	}

	s.state = s.state.Apply(f.Type(), v)
	if f.Type() == protocol.TypeOutputEnable && v.Bool {
		s.state.Protection = protocol.ProtectionNormal
	}
	s.simulate(0)

	// The real unit echoes output changes through its telemetry stream.
	if f.Type() == protocol.TypeOutputEnable {
		return []protocol.Frame{s.fieldFrame(protocol.TypeOutput), s.fieldFrame(protocol.TypeProtection)}
	}
	return nil
}

func (s *Simulator) clamp(typ byte, v float32) float32 {
	switch typ {
	case protocol.TypeVoltageSet:
		if up := s.state.UpperLimitVoltage; up > 0 && v > up {
			return up
		}
	case protocol.TypeCurrentSet:
		if up := s.state.UpperLimitCurrent; up > 0 && v > up {
			return up
		}
	}
	return v
}

func (s *Simulator) pushLoop(conn net.Conn) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			if s.conn != conn {
				s.mu.Unlock()
				return
			}
			if !s.session {
				s.mu.Unlock()
				continue
			}
			elapsed := now.Sub(s.lastTick)
			s.lastTick = now
			before := s.state.Protection
			s.simulate(elapsed)
			frames := []protocol.Frame{
				s.fieldFrame(protocol.TypeOutput),
				s.fieldFrame(protocol.TypeTemperature),
				s.fieldFrame(protocol.TypeInputVoltage),
			}
			if s.state.MeteringEnabled {
				frames = append(frames, s.fieldFrame(protocol.TypeCapacity), s.fieldFrame(protocol.TypeEnergy))
			}
			if s.state.Protection != before {
				frames = append(frames, s.fieldFrame(protocol.TypeProtection), s.fieldFrame(protocol.TypeOutputEnable))
			}
			s.mu.Unlock()

			if err := s.send(conn, frames...); err != nil {
				return
			}
		}
	}
}

// simulate recomputes the output against a resistive load and advances the
// energy counters by elapsed. The caller holds s.mu.
func (s *Simulator) simulate(elapsed time.Duration) {
	st := &s.state
	if !st.OutputEnabled || s.load <= 0 {
		st.OutputVoltage, st.OutputCurrent, st.OutputPower = 0, 0, 0
		st.Mode = protocol.ModeCV
		return
	}

	v := float64(st.SetVoltage)
	i := v / s.load
	st.Mode = protocol.ModeCV
	if limit := float64(st.SetCurrent); i > limit {
		i = limit
		v = i * s.load
		st.Mode = protocol.ModeCC
	}
	st.OutputVoltage = float32(v)
	st.OutputCurrent = float32(i)
	st.OutputPower = float32(v * i)

	if trip := s.checkProtection(); trip.Tripped() {
		st.Protection = trip
		st.OutputEnabled = false
		st.OutputVoltage, st.OutputCurrent, st.OutputPower = 0, 0, 0
		return
	}

	if st.MeteringEnabled && elapsed > 0 {
		h := elapsed.Hours()
		st.Capacity += float32(i * h)
		st.Energy += float32(v * i * h)
	}
}

func (s *Simulator) checkProtection() protocol.ProtectionState {
	st := s.state
	switch {
	case st.OVP > 0 && st.OutputVoltage > st.OVP:
		return protocol.ProtectionOVP
	case st.OCP > 0 && st.OutputCurrent > st.OCP:
		return protocol.ProtectionOCP
	case st.OPP > 0 && st.OutputPower > st.OPP:
		return protocol.ProtectionOPP
	case st.OTP > 0 && st.Temperature > st.OTP:
		return protocol.ProtectionOTP
	case st.LVP > 0 && st.InputVoltage < st.LVP:
		return protocol.ProtectionLVP
	}
	return protocol.ProtectionNormal
}

// fieldFrame builds a device frame carrying the current value of typ. The
// caller holds s.mu.
func (s *Simulator) fieldFrame(typ byte) protocol.Frame {
	f, _ := protocol.DeviceFrame(protocol.CommandGet, typ, encodeField(s.state, typ))
	return f
}

func (s *Simulator) send(conn net.Conn, frames ...protocol.Frame) error {
	if conn == nil {
		return protocol.NewConnectionError("no host connected", nil)
	}

	s.mu.Lock()
	corrupt := s.corruptNext
	s.corruptNext = false
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for i, f := range frames {
		b := f.Bytes()
		if corrupt && i == 0 && f.Len() > 0 {
			b[protocol.HeaderSize] ^= 0x01
		}
		if _, err := conn.Write(b); err != nil {
			return err
		}
	}
	return nil
}

func encodeField(st protocol.DeviceState, typ byte) []byte {
	fl := protocol.EncodeFloat
	b := protocol.EncodeBool

	if typ >= protocol.TypeGroup1Voltage && typ <= protocol.TypeGroup1Current+2*(protocol.GroupCount-1) {
		g := st.Groups[(typ-protocol.TypeGroup1Voltage)/2]
		if (typ-protocol.TypeGroup1Voltage)%2 == 0 {
			return fl(g.Voltage)
		}
		return fl(g.Current)
	}

	switch typ {
	case protocol.TypeInputVoltage:
		return fl(st.InputVoltage)
	case protocol.TypeVoltageSet:
		return fl(st.SetVoltage)
	case protocol.TypeCurrentSet:
		return fl(st.SetCurrent)
	case protocol.TypeOutput:
		out := fl(st.OutputVoltage)
		out = append(out, fl(st.OutputCurrent)...)
		return append(out, fl(st.OutputPower)...)
	case protocol.TypeTemperature:
		return fl(st.Temperature)
	case protocol.TypeOVP:
		return fl(st.OVP)
	case protocol.TypeOCP:
		return fl(st.OCP)
	case protocol.TypeOPP:
		return fl(st.OPP)
	case protocol.TypeOTP:
		return fl(st.OTP)
	case protocol.TypeLVP:
		return fl(st.LVP)
	case protocol.TypeBrightness:
		return []byte{st.Brightness}
	case protocol.TypeVolume:
		return []byte{st.Volume}
	case protocol.TypeMetering:
		return b(st.MeteringEnabled)
	case protocol.TypeCapacity:
		return fl(st.Capacity)
	case protocol.TypeEnergy:
		return fl(st.Energy)
	case protocol.TypeOutputEnable:
		return b(st.OutputEnabled)
	case protocol.TypeProtection:
		return []byte{byte(st.Protection)}
	case protocol.TypeMode:
		if st.Mode == protocol.ModeCC {
			return []byte{0}
		}
		return []byte{1}
	case protocol.TypeModelName:
		return protocol.EncodeString(st.Info.ModelName)
	case protocol.TypeHardwareVersion:
		return protocol.EncodeString(st.Info.HardwareVersion)
	case protocol.TypeFirmwareVersion:
		return protocol.EncodeString(st.Info.FirmwareVersion)
	case protocol.TypeUpperVoltage:
		return fl(st.UpperLimitVoltage)
	case protocol.TypeUpperCurrent:
		return fl(st.UpperLimitCurrent)
	case protocol.TypeAll:
		return protocol.EncodeState(st)
	}
	return nil
}
