package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/dps150/internal/logging"
	"github.com/muurk/dps150/internal/protocol"
)

// Defaults
const (
	DefaultTimeout        = 2 * time.Second
	DefaultReadBufferSize = 512
)

// ConnState is the connection lifecycle state.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// DialFunc opens the byte transport.
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// Config configures a Dispatcher.
type Config struct {
	Dial    DialFunc
	Timeout time.Duration // per-request reply window, DefaultTimeout if zero

	// Table and Registry default to protocol.DefaultTable and
	// protocol.DefaultRegistry.
	Table    protocol.Table
	Registry *protocol.Registry

	// NotifyReplies also delivers decoded replies to observers, so a poll
	// loop issuing GET all keeps observers current.
	NotifyReplies bool

	// FrameHook, if set, sees every frame written and every valid frame read.
	FrameHook func(protocol.Frame)

	ReadBufferSize int
	Logger         *zap.Logger
}

// Request is one command to send.
type Request struct {
	Command byte
	Type    byte
	Payload []byte

	// AwaitReply makes Send wait for a frame with the same command and type.
	AwaitReply bool
	// Reply selects the decoder for the reply payload.
	Reply protocol.Kind
	// Timeout overrides Config.Timeout when non-zero.
	Timeout time.Duration
}

// Event is one state update delivered to observers.
type Event struct {
	Type  byte                 // frame type that produced the update
	Value protocol.Value       // decoded payload
	State protocol.DeviceState // snapshot after applying Value
	Reply bool                 // true when the frame answered a request
	Err   error                // protection error when this update tripped one
}

// Observer receives state updates on the read goroutine.
type Observer func(Event)

// StateWatcher receives connection state transitions.
type StateWatcher func(from, to ConnState)

// Token identifies a registered observer or watcher.
type Token uint64

type key struct {
	command byte
	typ     byte
}

type result struct {
	value protocol.Value
	err   error
}

type pending struct {
	ch      chan result // buffered 1; written once by whoever removes the entry
	kind    protocol.Kind
	created time.Time
}

type observerEntry struct {
	token Token
	fn    Observer
}

type watcherEntry struct {
	token Token
	fn    StateWatcher
}

// Dispatcher owns a transport and the requests outstanding on it.
type Dispatcher struct {
	cfg      Config
	table    protocol.Table
	registry *protocol.Registry
	log      *zap.Logger

	mu        sync.Mutex
	state     ConnState
	conn      io.ReadWriteCloser
	done      chan struct{} // closed when the current read loop exits
	closing   bool          // Close ran while a Connect was dialing
	pending   map[key]*pending
	observers []observerEntry
	watchers  []watcherEntry
	nextToken Token

	writeMu sync.Mutex

	snapshot   atomic.Pointer[protocol.DeviceState]
	stats      atomic.Pointer[protocol.ParserStats]
	protection chan error
}

// New creates a disconnected Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Table == (protocol.Table{}) {
		cfg.Table = protocol.DefaultTable
	}
	if cfg.Registry == nil {
		cfg.Registry = protocol.DefaultRegistry
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultReadBufferSize
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Named("dispatcher")
	}

	d := &Dispatcher{
		cfg:        cfg,
		table:      cfg.Table,
		registry:   cfg.Registry,
		log:        log,
		pending:    make(map[key]*pending),
		protection: make(chan error, 1),
	}
	d.snapshot.Store(&protocol.DeviceState{})
	d.stats.Store(&protocol.ParserStats{})
	return d
}

// Connect dials the transport and starts the read loop. Connecting an already
// connected Dispatcher is a no-op.
func (d *Dispatcher) Connect(ctx context.Context) error {
	if d.cfg.Dial == nil {
		return protocol.NewConnectionError("no dialer configured", nil)
	}

	d.mu.Lock()
	switch d.state {
	case Connected:
		d.mu.Unlock()
		return nil
	case Connecting:
		d.mu.Unlock()
		return protocol.NewBusyError("connect already in progress")
	}
	d.state = Connecting
	d.closing = false
	d.mu.Unlock()
	d.notifyState(Disconnected, Connecting)

	conn, err := d.cfg.Dial(ctx)
	if err != nil {
		d.mu.Lock()
		d.state = Disconnected
		d.mu.Unlock()
		d.notifyState(Connecting, Disconnected)
		if errors.Is(err, protocol.ErrConnection) {
			return err
		}
		return protocol.NewConnectionError("failed to open transport", err)
	}

	done := make(chan struct{})
	d.mu.Lock()
	if d.closing {
		d.closing = false
		d.state = Disconnected
		d.mu.Unlock()
		_ = conn.Close()
		d.notifyState(Connecting, Disconnected)
		return protocol.NewConnectionError("closed while connecting", nil)
	}
	d.conn = conn
	d.done = done
	d.pending = make(map[key]*pending)
	d.state = Connected
	d.mu.Unlock()

	d.snapshot.Store(&protocol.DeviceState{})
	d.stats.Store(&protocol.ParserStats{})
	d.drainProtection()

	d.notifyState(Connecting, Connected)
	go d.readLoop(conn, done)
	return nil
}

// Close closes the transport, fails every outstanding request and waits for
// the read loop to exit. A Connect still dialing fails once the dial returns.
// It is safe to call more than once.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	done := d.done
	if d.state == Connecting {
		d.closing = true
	}
	d.mu.Unlock()

	d.teardown(protocol.NewConnectionError("connection closed", nil))
	if done != nil {
		<-done
	}
	return nil
}

// State returns the connection state.
func (d *Dispatcher) State() ConnState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Snapshot returns the latest device state.
func (d *Dispatcher) Snapshot() protocol.DeviceState {
	return *d.snapshot.Load()
}

// Stats returns the parser counters of the current connection.
func (d *Dispatcher) Stats() protocol.ParserStats {
	return *d.stats.Load()
}

// InFlight returns the number of requests waiting for a reply.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Protection returns a channel carrying protection errors. It holds at most
// the most recent undrained signal.
func (d *Dispatcher) Protection() <-chan error {
	return d.protection
}

// Registry returns the command registry in use.
func (d *Dispatcher) Registry() *protocol.Registry {
	return d.registry
}

// Subscribe registers an observer for state updates.
func (d *Dispatcher) Subscribe(fn Observer) Token {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextToken++
	d.observers = append(d.observers, observerEntry{token: d.nextToken, fn: fn})
	return d.nextToken
}

// OnStateChange registers a watcher for connection transitions.
func (d *Dispatcher) OnStateChange(fn StateWatcher) Token {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextToken++
	d.watchers = append(d.watchers, watcherEntry{token: d.nextToken, fn: fn})
	return d.nextToken
}

// Unsubscribe removes an observer or watcher. Unknown tokens are ignored.
func (d *Dispatcher) Unsubscribe(tok Token) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, o := range d.observers {
		if o.token == tok {
			d.observers = append(d.observers[:i:i], d.observers[i+1:]...)
			return
		}
	}
	for i, w := range d.watchers {
		if w.token == tok {
			d.watchers = append(d.watchers[:i:i], d.watchers[i+1:]...)
			return
		}
	}
}

// Send writes req and, if req.AwaitReply is set, waits for its reply.
func (d *Dispatcher) Send(ctx context.Context, req Request) (protocol.Value, error) {
	frame, err := d.table.BuildFrame(req.Command, req.Type, req.Payload)
	if err != nil {
		return protocol.Value{}, err
	}

	k := key{command: req.Command, typ: req.Type}
	var p *pending

	d.mu.Lock()
	if d.state != Connected {
		d.mu.Unlock()
		return protocol.Value{}, protocol.NewConnectionError("not connected", nil)
	}
	conn := d.conn
	if req.AwaitReply {
		if _, busy := d.pending[k]; busy {
			d.mu.Unlock()
			return protocol.Value{}, protocol.NewBusyError(fmt.Sprintf("%s type %d already awaiting a reply",
				d.table.CommandName(req.Command), req.Type))
		}
		// Registered before the write so a fast reply always finds it.
		p = &pending{ch: make(chan result, 1), kind: req.Reply, created: time.Now()}
		d.pending[k] = p
	}
	d.mu.Unlock()

	if err := d.write(conn, frame); err != nil {
		if p != nil {
			if r, removed := d.release(k, p); !removed {
				return r.value, r.err
			}
		}
		return protocol.Value{}, protocol.NewConnectionError("write failed", err)
	}
	if p == nil {
		return protocol.Value{}, nil
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.cfg.Timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-p.ch:
		return r.value, r.err
	case <-timer.C:
		if r, removed := d.release(k, p); !removed {
			return r.value, r.err
		}
		d.log.Debug("Request timed out",
			zap.String("command", d.table.CommandName(req.Command)),
			zap.Uint8("type", req.Type),
			zap.Duration("timeout", timeout))
		return protocol.Value{}, protocol.NewTimeoutError(fmt.Sprintf("no reply to %s type %d within %s",
			d.table.CommandName(req.Command), req.Type, timeout))
	case <-ctx.Done():
		if r, removed := d.release(k, p); !removed {
			return r.value, r.err
		}
		return protocol.Value{}, ctx.Err()
	}
}

// Get reads the named parameter and waits for its value.
func (d *Dispatcher) Get(ctx context.Context, name string) (protocol.Value, error) {
	c := d.registry.Lookup(name)
	if !c.CanGet() {
		return protocol.Value{}, protocol.NewValueError(fmt.Sprintf("%s cannot be read", name))
	}
	return d.Send(ctx, Request{
		Command:    d.table.Get,
		Type:       c.Type,
		AwaitReply: true,
		Reply:      c.Kind,
	})
}

// Set writes the named parameter. The device does not acknowledge writes, so
// Set returns once the frame is on the wire.
func (d *Dispatcher) Set(ctx context.Context, name string, v protocol.Value) error {
	c := d.registry.Lookup(name)
	if !c.CanSet() {
		return protocol.NewValueError(fmt.Sprintf("%s cannot be written", name))
	}
	payload, err := c.Encode(v)
	if err != nil {
		return err
	}
	_, err = d.Send(ctx, Request{Command: c.SetCommand, Type: c.Type, Payload: payload})
	return err
}

// release removes p if it is still registered under k. If someone else
// already removed it, their result is read from the slot instead.
func (d *Dispatcher) release(k key, p *pending) (result, bool) {
	d.mu.Lock()
	if d.pending[k] == p {
		delete(d.pending, k)
		d.mu.Unlock()
		return result{}, true
	}
	d.mu.Unlock()
	return <-p.ch, false
}

func (d *Dispatcher) write(conn io.Writer, f protocol.Frame) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	logging.LogFrame(d.log, "tx", f.Command(), f.Type(), f.Payload())
	if _, err := conn.Write(f.Bytes()); err != nil {
		return err
	}
	if d.cfg.FrameHook != nil {
		d.cfg.FrameHook(f)
	}
	return nil
}

func (d *Dispatcher) readLoop(conn io.Reader, done chan struct{}) {
	defer close(done)

	parser := protocol.NewParser(d.table)
	buf := make([]byte, d.cfg.ReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frames := parser.Feed(buf[:n])
			st := parser.Stats()
			d.stats.Store(&st)
			for _, f := range frames {
				d.handleFrame(f)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.teardown(protocol.NewConnectionError("device closed the connection", err))
			} else {
				d.teardown(protocol.NewConnectionError("read failed", err))
			}
			return
		}
	}
}

func (d *Dispatcher) handleFrame(f protocol.Frame) {
	logging.LogFrame(d.log, "rx", f.Command(), f.Type(), f.Payload())
	if d.cfg.FrameHook != nil {
		d.cfg.FrameHook(f)
	}

	if d.table.IsReplyCommand(f.Command()) {
		k := key{command: f.Command(), typ: f.Type()}
		d.mu.Lock()
		p, ok := d.pending[k]
		if ok {
			delete(d.pending, k)
		}
		d.mu.Unlock()

		if ok {
			v, err := protocol.DecodeValue(p.kind, f.Payload())
			var ev Event
			if err == nil {
				ev = d.fold(f.Type(), v)
				ev.Reply = true
			}
			p.ch <- result{value: v, err: err}
			if err == nil && d.cfg.NotifyReplies {
				d.notify(ev)
			}
			return
		}
	}

	c, ok := d.registry.ByType(f.Type())
	if !ok {
		d.log.Debug("Dropping push of unknown type", zap.Uint8("type", f.Type()))
		return
	}
	v, err := c.Decode(f.Payload())
	if err != nil {
		d.log.Warn("Dropping undecodable push",
			zap.String("param", c.Name),
			zap.Int("length", f.Len()),
			zap.Error(err))
		return
	}
	d.notify(d.fold(f.Type(), v))
}

// fold applies v to the current snapshot and publishes the result. Only the
// read goroutine calls it.
func (d *Dispatcher) fold(typ byte, v protocol.Value) Event {
	prev := d.snapshot.Load()
	next := prev.Apply(typ, v)
	d.snapshot.Store(&next)

	ev := Event{Type: typ, Value: v, State: next}
	if !prev.Protection.Tripped() && next.Protection.Tripped() {
		perr := protocol.NewProtectionError(next.Protection)
		ev.Err = perr
		d.signalProtection(perr)
		d.log.Warn("Protection tripped", zap.Stringer("state", next.Protection))
	}
	return ev
}

func (d *Dispatcher) signalProtection(err error) {
	select {
	case d.protection <- err:
		return
	default:
	}
	// Replace the undrained signal with the newer one.
	select {
	case <-d.protection:
	default:
	}
	select {
	case d.protection <- err:
	default:
	}
}

func (d *Dispatcher) drainProtection() {
	select {
	case <-d.protection:
	default:
	}
}

func (d *Dispatcher) notify(ev Event) {
	d.mu.Lock()
	obs := make([]observerEntry, len(d.observers))
	copy(obs, d.observers)
	d.mu.Unlock()

	for _, o := range obs {
		o.fn(ev)
	}
}

func (d *Dispatcher) notifyState(from, to ConnState) {
	d.mu.Lock()
	ws := make([]watcherEntry, len(d.watchers))
	copy(ws, d.watchers)
	d.mu.Unlock()

	d.log.Debug("Connection state", zap.Stringer("from", from), zap.Stringer("to", to))
	for _, w := range ws {
		w.fn(from, to)
	}
}

// teardown moves to Disconnected, closes the transport and fails every
// outstanding request with cause.
func (d *Dispatcher) teardown(cause error) {
	d.mu.Lock()
	if d.state != Connected {
		d.mu.Unlock()
		return
	}
	d.state = Disconnected
	conn := d.conn
	d.conn = nil
	failed := d.pending
	d.pending = make(map[key]*pending)
	d.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	for _, p := range failed {
		p.ch <- result{err: cause}
	}
	d.notifyState(Connected, Disconnected)
}
