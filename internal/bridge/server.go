package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/muurk/dps150/internal/discovery"
	"github.com/muurk/dps150/internal/dispatcher"
	"github.com/muurk/dps150/internal/logging"
	"github.com/muurk/dps150/internal/protocol"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// commandTimeout bounds one client command against the device
	commandTimeout = 5 * time.Second

	// shutdownTimeout bounds Run's graceful shutdown
	shutdownTimeout = 10 * time.Second
)

// Controller is the device surface the bridge needs. *device.Device
// satisfies it.
type Controller interface {
	State() protocol.DeviceState
	Subscribe(fn dispatcher.Observer) dispatcher.Token
	Unsubscribe(tok dispatcher.Token)

	GetAll(ctx context.Context) (protocol.DeviceState, error)
	SetVoltage(ctx context.Context, v float32) error
	SetCurrent(ctx context.Context, i float32) error
	EnableOutput(ctx context.Context) error
	DisableOutput(ctx context.Context) error
	SetParam(ctx context.Context, name string, value float64) error
	LoadGroup(ctx context.Context, n int) (protocol.Group, error)
}

// Config holds the bridge configuration
type Config struct {
	Listen    string // host:port, ":0" picks a free port
	Name      string // mDNS instance name
	Advertise bool   // announce over mDNS
	Path      string // WebSocket path, default "/ws"

	// SendBuffer is the per-client queue length. A client whose queue is
	// full is disconnected.
	SendBuffer int

	Logger *zap.Logger
}

// Server fans device state out to WebSocket clients and accepts commands
// from them.
type Server struct {
	cfg      Config
	ctrl     Controller
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	clients  map[*client]struct{}
	listener net.Listener
	http     *http.Server
	mdns     *zeroconf.Server
	token    dispatcher.Token
	started  bool

	wg sync.WaitGroup
}

// New creates a bridge for ctrl. Call Start or Run to serve.
func New(cfg Config, ctrl Controller) *Server {
	if cfg.Path == "" {
		cfg.Path = discovery.DefaultPath
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 32
	}
	if cfg.Name == "" {
		cfg.Name = "dps150"
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Named("bridge")
	}

	return &Server{
		cfg:  cfg,
		ctrl: ctrl,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Any page on the LAN may watch the supply.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Handler returns the HTTP routes: the WebSocket stream, /state and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWebSocket)
	mux.HandleFunc("/state", s.handleState)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

// Start listens, subscribes to the device and, if configured, advertises the
// bridge. It returns once the server is accepting connections.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("bridge already started")
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	s.listener = ln
	s.http = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.token = s.ctrl.Subscribe(s.observe)
	s.started = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server stopped", zap.Error(err))
		}
	}()

	s.log.Info("Bridge listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("path", s.cfg.Path))

	if s.cfg.Advertise {
		if err := s.advertise(ln.Addr()); err != nil {
			// Serving without mDNS is still useful.
			s.log.Warn("mDNS advertisement failed", zap.Error(err))
		}
	}
	return nil
}

func (s *Server) advertise(addr net.Addr) error {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("unexpected listener address %T", addr)
	}
	st := s.ctrl.State()
	txt := discovery.EncodeTXT(discovery.TXTInfo{
		Model:    st.Info.ModelName,
		Firmware: st.Info.FirmwareVersion,
		Path:     s.cfg.Path,
	})

	server, err := zeroconf.Register(s.cfg.Name, discovery.ServiceType, discovery.ServiceDomain, tcp.Port, txt, nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}
	s.mdns = server
	s.log.Info("Advertising bridge",
		zap.String("name", s.cfg.Name),
		zap.String("service", discovery.ServiceType),
		zap.Int("port", tcp.Port))
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run starts the server and blocks until ctx is done or SIGINT/SIGTERM
// arrives, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
		s.log.Info("Shutdown signal received, stopping bridge...")
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(sctx)
}

// Shutdown stops advertising, closes every client and the listener, and
// waits for the connection goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	if s.mdns != nil {
		s.mdns.Shutdown()
		s.mdns = nil
	}
	s.ctrl.Unsubscribe(s.token)
	httpServer := s.http
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	s.log.Info("Shutting down bridge...", zap.Int("clients", len(clients)))

	// Hijacked WebSocket connections are not tracked by http.Server.Shutdown.
	for _, c := range clients {
		s.drop(c, "server shutdown")
	}
	err := httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("All connections closed gracefully")
	case <-ctx.Done():
		s.log.Warn("Shutdown timeout, forcing close")
	}
	return err
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.ctrl.State()); err != nil {
		s.log.Debug("Failed to write state", zap.Error(err))
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		s.log.Debug("WebSocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, s.cfg.SendBuffer),
		addr: r.RemoteAddr,
	}

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	s.wg.Add(2)
	s.mu.Unlock()

	logging.LogConnection(c.addr, "websocket_opened")

	// Greet with the current state so a fresh client has something to show.
	s.enqueue(c, stateMessage(s.ctrl.State()))

	go s.writePump(c)
	go s.readPump(c)
}

// observe runs on the dispatcher read goroutine and must not block.
func (s *Server) observe(ev dispatcher.Event) {
	s.broadcast(stateMessage(ev.State))
	if p, ok := protocol.ProtectionOf(ev.Err); ok {
		s.broadcast(protectionMessage(p))
	}
}

func (s *Server) broadcast(m Message) {
	data, err := encode(m)
	if err != nil {
		s.log.Error("Failed to encode message", zap.Error(err))
		return
	}

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if !c.offer(data) {
			s.drop(c, "send queue full")
		}
	}
}

func (s *Server) enqueue(c *client, m Message) {
	data, err := encode(m)
	if err != nil {
		s.log.Error("Failed to encode message", zap.Error(err))
		return
	}
	if !c.offer(data) {
		s.drop(c, "send queue full")
	}
}

// drop removes c and closes its queue. The write pump then closes the socket.
func (s *Server) drop(c *client, reason string) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()

	if ok {
		s.log.Info("Dropping client", zap.String("remote_addr", c.addr), zap.String("reason", reason))
	}
	c.close()
}

func (s *Server) writePump(c *client) {
	defer s.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		logging.LogConnection(c.addr, "websocket_closed")
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.drop(c, "write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.drop(c, "ping failed")
				return
			}
		}
	}
}

func (s *Server) readPump(c *client) {
	defer s.wg.Done()
	defer s.drop(c, "connection closed")

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("WebSocket read error", zap.String("remote_addr", c.addr), zap.Error(err))
			}
			return
		}

		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			s.enqueue(c, Message{Type: TypeResult, Error: "malformed message: " + err.Error()})
			continue
		}
		if m.Type != TypeCommand {
			s.enqueue(c, Message{Type: TypeResult, ID: m.ID, Error: fmt.Sprintf("unexpected message type %q", m.Type)})
			continue
		}
		s.enqueue(c, s.execute(m))
	}
}

// execute runs one client command against the device.
func (s *Server) execute(m Message) Message {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	res := Message{Type: TypeResult, ID: m.ID, Op: m.Op}
	needValue := func() (float64, error) {
		if m.Value == nil {
			return 0, protocol.NewValueError(m.Op + " needs a value")
		}
		return *m.Value, nil
	}

	var err error
	switch m.Op {
	case OpSetVoltage:
		var v float64
		if v, err = needValue(); err == nil {
			err = s.ctrl.SetVoltage(ctx, float32(v))
		}
	case OpSetCurrent:
		var v float64
		if v, err = needValue(); err == nil {
			err = s.ctrl.SetCurrent(ctx, float32(v))
		}
	case OpEnableOutput:
		err = s.ctrl.EnableOutput(ctx)
	case OpDisableOutput:
		err = s.ctrl.DisableOutput(ctx)
	case OpSet:
		var v float64
		if v, err = needValue(); err == nil {
			err = s.ctrl.SetParam(ctx, m.Param, v)
		}
	case OpLoadGroup:
		_, err = s.ctrl.LoadGroup(ctx, m.Group)
	case OpRefresh:
		var st protocol.DeviceState
		if st, err = s.ctrl.GetAll(ctx); err == nil {
			res.State = &st
		}
	default:
		err = protocol.NewValueError(fmt.Sprintf("unknown op %q", m.Op))
	}

	if err != nil {
		s.log.Debug("Command failed", zap.String("op", m.Op), zap.Error(err))
		res.Error = err.Error()
		return res
	}
	res.OK = true
	return res
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	addr string

	mu     sync.Mutex
	closed bool
}

// offer queues data without blocking. It reports false when the queue is
// full; offers to a closed client are ignored.
func (c *client) offer(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
