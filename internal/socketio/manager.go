package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Defaults for the Engine.IO session.
const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultPingInterval     = 25 * time.Second
	defaultPingTimeout      = 20 * time.Second
	writeTimeout            = 10 * time.Second
)

// Engine.IO protocol revisions. Revision 3 is spoken by Socket.IO 2.x
// servers, where the client sends the heartbeat pings; in revision 4 the
// server pings.
const (
	EngineIO3 = 3
	EngineIO4 = 4
)

// Logger is the logging interface used by the Manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Manager.
type Options struct {
	// URL is the http(s) or ws(s) URL of the Socket.IO endpoint,
	// including its path (e.g. https://host/api/v1/devices/socket.io/).
	URL string

	// Header is sent with the websocket handshake.
	Header http.Header

	// Dialer overrides the default websocket dialer.
	Dialer *websocket.Dialer

	// EngineIO selects the protocol revision, EngineIO3 or EngineIO4.
	// Zero means EngineIO4.
	EngineIO int

	// Reconnect enables redialling after the connection drops or a
	// dial fails. ReconnectDelay gives the wait before each attempt and
	// MaxReconnectAttempts bounds consecutive failures (0 = unbounded).
	Reconnect            bool
	ReconnectDelay       func(attempt int) time.Duration
	MaxReconnectAttempts int

	Logger Logger
}

// Manager owns one Engine.IO websocket and the namespaces on it.
type Manager struct {
	opts   Options
	url    string
	dialer *websocket.Dialer
	logger Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conn    *websocket.Conn
	open    bool
	started bool
	sockets map[string]*Socket

	writeMu sync.Mutex
}

// NewManager prepares a Manager. Nothing is dialled until Open.
func NewManager(opts Options) (*Manager, error) {
	switch opts.EngineIO {
	case 0:
		opts.EngineIO = EngineIO4
	case EngineIO3, EngineIO4:
	default:
		return nil, fmt.Errorf("socketio: unsupported engine.io revision %d", opts.EngineIO)
	}
	u, err := endpointURL(opts.URL, opts.EngineIO)
	if err != nil {
		return nil, err
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:    opts,
		url:     u,
		dialer:  dialer,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		sockets: make(map[string]*Socket),
	}, nil
}

// endpointURL converts the configured URL to a websocket URL carrying
// the Engine.IO query parameters.
func endpointURL(raw string, eio int) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("socketio: parsing url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("socketio: unsupported scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	q := u.Query()
	q.Set("EIO", strconv.Itoa(eio))
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Socket returns the socket for namespace, creating it if needed.
// If the connection is already open the namespace is joined at once.
func (m *Manager) Socket(namespace string) *Socket {
	if namespace == "" {
		namespace = "/"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sockets[namespace]; ok {
		return s
	}
	s := newSocket(m, namespace)
	m.sockets[namespace] = s
	if m.open {
		m.writeLocked(encodePacket(sioConnect, namespace, nil))
	}
	return s
}

// Open starts dialling in the background. It is a no-op after the
// first call or after Close.
func (m *Manager) Open() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.ctx.Err() != nil {
		return
	}
	m.started = true
	go m.run()
}

// Close shuts the connection without waiting for the reader goroutine,
// so it is safe to call from a handler.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.open = false
	m.mu.Unlock()
	if conn != nil {
		m.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, //nolint:errcheck // closing anyway
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		m.writeMu.Unlock()
		conn.Close()
	}
}

// run dials, serves the connection, and redials while allowed.
func (m *Manager) run() {
	failures := 0
	for {
		err := m.session()
		if m.ctx.Err() != nil {
			return
		}
		if err == nil {
			failures = 0
		} else {
			failures++
		}
		if !m.opts.Reconnect {
			return
		}
		if m.opts.MaxReconnectAttempts > 0 && failures >= m.opts.MaxReconnectAttempts {
			m.logger.Warn("socket.io reconnection attempts exhausted", "attempts", failures)
			return
		}
		delay := time.Second
		if m.opts.ReconnectDelay != nil {
			delay = m.opts.ReconnectDelay(failures)
		}
		m.logger.Info("socket.io reconnecting", "delay", delay, "attempt", failures+1)
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// session runs one connection. It returns nil when an established
// connection later dropped, or the error that prevented establishing it.
func (m *Manager) session() error {
	conn, resp, err := m.dialer.DialContext(m.ctx, m.url, m.opts.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if m.ctx.Err() != nil {
			return err
		}
		ce := &ConnectError{Type: TypeTransport, Message: err.Error()}
		if resp != nil {
			ce.Status = resp.StatusCode
		}
		m.broadcastError(ce)
		return ce
	}

	hs, err := readHandshake(conn)
	if err != nil {
		conn.Close()
		if m.ctx.Err() != nil {
			return err
		}
		m.broadcastError(&ConnectError{Type: TypeTransport, Message: err.Error()})
		return err
	}

	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		conn.Close()
		return m.ctx.Err()
	}
	m.conn = conn
	m.open = true
	for ns := range m.sockets {
		m.writeLocked(encodePacket(sioConnect, ns, nil))
	}
	m.mu.Unlock()
	m.logger.Debug("engine.io session open", "sid", hs.SID, "eio", m.opts.EngineIO)

	stopHeartbeat := func() {}
	if m.opts.EngineIO == EngineIO3 {
		stopHeartbeat = m.heartbeat(conn, time.Duration(hs.PingInterval)*time.Millisecond)
	}
	reason := m.readLoop(conn, hs)
	stopHeartbeat()

	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
		m.open = false
	}
	sockets := m.snapshot()
	m.mu.Unlock()
	conn.Close()

	for _, s := range sockets {
		s.setDisconnected(reason)
	}
	return nil
}

func readHandshake(conn *websocket.Conn) (handshake, error) {
	var hs handshake
	_ = conn.SetReadDeadline(time.Now().Add(defaultHandshakeTimeout)) //nolint:errcheck // surfaces on read
	_, data, err := conn.ReadMessage()
	if err != nil {
		return hs, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if len(data) == 0 || data[0] != eioOpen {
		return hs, fmt.Errorf("%w: unexpected packet %q", ErrHandshake, data)
	}
	if err := json.Unmarshal(data[1:], &hs); err != nil {
		return hs, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if hs.PingInterval <= 0 {
		hs.PingInterval = int(defaultPingInterval / time.Millisecond)
	}
	if hs.PingTimeout <= 0 {
		hs.PingTimeout = int(defaultPingTimeout / time.Millisecond)
	}
	return hs, nil
}

// heartbeat sends client pings every interval until the returned stop
// function is called or a write fails.
func (m *Manager) heartbeat(conn *websocket.Conn, interval time.Duration) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				if err := m.send(conn, string(eioPing)); err != nil {
					m.logger.Debug("engine.io ping failed", "error", err)
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// readLoop serves one open connection and returns the disconnect reason.
func (m *Manager) readLoop(conn *websocket.Conn, hs handshake) string {
	idle := time.Duration(hs.PingInterval+hs.PingTimeout) * time.Millisecond
	for {
		_ = conn.SetReadDeadline(time.Now().Add(idle)) //nolint:errcheck // surfaces on read
		_, data, err := conn.ReadMessage()
		if err != nil {
			if m.ctx.Err() != nil {
				return "io client disconnect"
			}
			var ne interface{ Timeout() bool }
			if errors.As(err, &ne) && ne.Timeout() {
				return "ping timeout"
			}
			m.logger.Warn("socket.io read failed", "error", err)
			return "transport close"
		}
		if len(data) == 0 {
			continue
		}
		switch data[0] {
		case eioPing:
			if err := m.write(string(eioPong)); err != nil {
				return "transport error"
			}
		case eioClose:
			return "transport close"
		case eioMessage:
			m.handlePacket(string(data[1:]))
		case eioPong, eioNoop:
		default:
			m.logger.Debug("ignoring engine.io packet", "type", string(data[0]))
		}
	}
}

func (m *Manager) handlePacket(raw string) {
	p, err := decodePacket(raw)
	if err != nil {
		m.logger.Warn("malformed socket.io packet", "error", err)
		return
	}
	m.mu.Lock()
	s := m.sockets[p.Namespace]
	m.mu.Unlock()
	if s == nil {
		return
	}

	switch p.Type {
	case sioConnect:
		s.setConnected()
	case sioDisconnect:
		s.setDisconnected("io server disconnect")
	case sioConnectError:
		s.connectError(connectErrorFrom(p.Data))
	case sioEvent:
		name, arg, err := eventArgs(p.Data)
		if err != nil {
			m.logger.Warn("malformed socket.io event", "namespace", p.Namespace, "error", err)
			return
		}
		s.dispatch(name, arg)
	case sioBinaryEvent, sioBinaryAck:
		m.logger.Warn("binary socket.io packets are not supported", "namespace", p.Namespace)
	case sioAck:
	}
}

func (m *Manager) broadcastError(ce *ConnectError) {
	m.mu.Lock()
	sockets := m.snapshot()
	m.mu.Unlock()
	for _, s := range sockets {
		s.connectError(ce)
	}
}

// snapshot copies the socket set. Caller holds m.mu.
func (m *Manager) snapshot() []*Socket {
	out := make([]*Socket, 0, len(m.sockets))
	for _, s := range m.sockets {
		out = append(out, s)
	}
	return out
}

func (m *Manager) remove(s *Socket) {
	m.mu.Lock()
	if m.sockets[s.namespace] == s {
		delete(m.sockets, s.namespace)
	}
	m.mu.Unlock()
}

func (m *Manager) write(msg string) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return m.send(conn, msg)
}

// writeLocked sends on the current connection. Caller holds m.mu.
func (m *Manager) writeLocked(msg string) {
	if m.conn == nil {
		return
	}
	if err := m.send(m.conn, msg); err != nil {
		m.logger.Warn("socket.io write failed", "error", err)
	}
}

func (m *Manager) send(conn *websocket.Conn, msg string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck // surfaces on write
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		return fmt.Errorf("socketio: write: %w", err)
	}
	return nil
}
