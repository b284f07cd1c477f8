package socketio

import (
	"encoding/json"
	"sync"
)

// Socket is one namespace multiplexed over a Manager's connection.
type Socket struct {
	namespace string
	manager   *Manager

	mu           sync.RWMutex
	connected    bool
	closed       bool
	handlers     map[string][]func(json.RawMessage)
	onConnect    []func()
	onDisconnect []func(reason string)
	onError      []func(*ConnectError)
}

func newSocket(m *Manager, namespace string) *Socket {
	return &Socket{
		namespace: namespace,
		manager:   m,
		handlers:  make(map[string][]func(json.RawMessage)),
	}
}

// Namespace returns the socket's namespace.
func (s *Socket) Namespace() string { return s.namespace }

// On registers a handler for event. The handler receives the event's
// first argument, or nil when there is none.
func (s *Socket) On(event string, fn func(json.RawMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.handlers[event] = append(s.handlers[event], fn)
}

// OnConnect registers a handler for namespace connection.
func (s *Socket) OnConnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.onConnect = append(s.onConnect, fn)
	}
}

// OnDisconnect registers a handler for loss of the namespace.
func (s *Socket) OnDisconnect(fn func(reason string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.onDisconnect = append(s.onDisconnect, fn)
	}
}

// OnConnectError registers a handler for failed connection attempts.
func (s *Socket) OnConnectError(fn func(*ConnectError)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.onError = append(s.onError, fn)
	}
}

// Connected reports whether the namespace is currently connected.
func (s *Socket) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Emit sends event with a single argument.
func (s *Socket) Emit(event string, arg any) error {
	s.mu.RLock()
	connected, closed := s.connected, s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !connected {
		return ErrNotConnected
	}
	msg, err := encodeEvent(s.namespace, event, arg)
	if err != nil {
		return err
	}
	return s.manager.write(msg)
}

// Close removes every handler, then leaves the namespace. A callback
// already being delivered when Close is called may still be running;
// no further callback starts once Close returns. Handlers may call Close.
func (s *Socket) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	wasConnected := s.connected
	s.connected = false
	clear(s.handlers)
	s.onConnect = nil
	s.onDisconnect = nil
	s.onError = nil
	s.mu.Unlock()

	s.manager.remove(s)
	if wasConnected {
		_ = s.manager.write(encodePacket(sioDisconnect, s.namespace, nil)) //nolint:errcheck // best effort on teardown
	}
}

func (s *Socket) setConnected() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.connected = true
	fns := append([]func(){}, s.onConnect...)
	s.mu.Unlock()
	for _, fn := range fns {
		if s.isClosed() {
			return
		}
		fn()
	}
}

func (s *Socket) setDisconnected(reason string) {
	s.mu.Lock()
	if s.closed || !s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = false
	fns := append([]func(string){}, s.onDisconnect...)
	s.mu.Unlock()
	for _, fn := range fns {
		if s.isClosed() {
			return
		}
		fn(reason)
	}
}

func (s *Socket) connectError(ce *ConnectError) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.connected = false
	fns := append([]func(*ConnectError){}, s.onError...)
	s.mu.Unlock()
	for _, fn := range fns {
		if s.isClosed() {
			return
		}
		fn(ce)
	}
}

func (s *Socket) dispatch(event string, arg json.RawMessage) {
	s.mu.RLock()
	fns := append([]func(json.RawMessage){}, s.handlers[event]...)
	s.mu.RUnlock()
	for _, fn := range fns {
		if s.isClosed() {
			return
		}
		fn(arg)
	}
}

func (s *Socket) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
