package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/dkn-bridge/internal/socketio"
)

// captureLogger records every log line as "LEVEL msg k=v ...".
type captureLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *captureLogger) log(level, msg string, args ...any) {
	var b strings.Builder
	b.WriteString(level + " " + msg)
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
	}
	l.mu.Lock()
	l.lines = append(l.lines, b.String())
	l.mu.Unlock()
}

func (l *captureLogger) Debug(msg string, args ...any) { l.log("DEBUG", msg, args...) }
func (l *captureLogger) Info(msg string, args ...any)  { l.log("INFO", msg, args...) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.log("WARN", msg, args...) }
func (l *captureLogger) Error(msg string, args ...any) { l.log("ERROR", msg, args...) }

func (l *captureLogger) joined() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.lines, "\n")
}

// vendor is a fake DKN Cloud HTTP API.
type vendor struct {
	mu            sync.Mutex
	validTokens   map[string]bool
	refreshTokens map[string]Tokens
	password      string
	loginTokens   Tokens
	installations []Installation
	installStatus int
	calls         []string
}

func newVendor() *vendor {
	return &vendor{
		validTokens:   make(map[string]bool),
		refreshTokens: make(map[string]Tokens),
		installStatus: http.StatusOK,
	}
}

func (v *vendor) record(call string) {
	v.mu.Lock()
	v.calls = append(v.calls, call)
	v.mu.Unlock()
}

func (v *vendor) callLog() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.calls...)
}

func (v *vendor) setInstallations(status int, insts ...Installation) {
	v.mu.Lock()
	v.installStatus = status
	v.installations = insts
	v.mu.Unlock()
}

func (v *vendor) revokeAll() {
	v.mu.Lock()
	clear(v.validTokens)
	clear(v.refreshTokens)
	v.password = ""
	v.mu.Unlock()
}

func (v *vendor) authorized(r *http.Request) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.validTokens[token]
}

func (v *vendor) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/login/dknUsa", func(w http.ResponseWriter, r *http.Request) {
		v.record("login")
		var req LoginRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		v.mu.Lock()
		ok := v.password != "" && req.Password == v.password
		tokens := v.loginTokens
		if ok {
			v.validTokens[tokens.Token] = true
		}
		v.mu.Unlock()
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		writeTestJSON(w, Login{Email: req.Email, Tokens: tokens})
	})
	mux.HandleFunc("GET /api/v1/users/isLoggedIn/dknUsa", func(w http.ResponseWriter, r *http.Request) {
		v.record("isLoggedIn")
		if !v.authorized(r) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		writeTestJSON(w, Login{Email: "user@example.com"})
	})
	mux.HandleFunc("GET /api/v1/auth/refreshToken/{rt}/dknUsa", func(w http.ResponseWriter, r *http.Request) {
		v.record("refresh")
		v.mu.Lock()
		next, ok := v.refreshTokens[r.PathValue("rt")]
		if ok {
			v.validTokens[next.Token] = true
		}
		v.mu.Unlock()
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		writeTestJSON(w, next)
	})
	mux.HandleFunc("GET /api/v1/installations/dknUsa", func(w http.ResponseWriter, r *http.Request) {
		v.record("installations")
		if !v.authorized(r) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		v.mu.Lock()
		status, insts := v.installStatus, v.installations
		v.mu.Unlock()
		if status != http.StatusOK {
			http.Error(w, "boom", status)
			return
		}
		if insts == nil {
			insts = []Installation{}
		}
		writeTestJSON(w, insts)
	})
	return mux
}

func writeTestJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func startVendor(t *testing.T) (*vendor, *httptest.Server) {
	t.Helper()
	v := newVendor()
	srv := httptest.NewServer(v.handler())
	t.Cleanup(srv.Close)
	return v, srv
}

func testClient(srv *httptest.Server, logger Logger) *Client {
	return NewClient(ClientOptions{
		BaseURL: srv.URL,
		Timeout: 5 * time.Second,
		NetLog:  NewNetLog(logger, true),
	})
}

// fakeChannel is an in-memory Channel.
type fakeChannel struct {
	ns string

	mu        sync.Mutex
	handlers  map[string][]func(json.RawMessage)
	onError   []func(*socketio.ConnectError)
	onDrop    []func(string)
	connected bool
	closed    bool
	emitted   []MachineEvent
}

func (c *fakeChannel) On(event string, fn func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], fn)
}

func (c *fakeChannel) OnConnectError(fn func(*socketio.ConnectError)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = append(c.onError, fn)
}

func (c *fakeChannel) OnDisconnect(fn func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDrop = append(c.onDrop, fn)
}

func (c *fakeChannel) Emit(event string, arg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return socketio.ErrNotConnected
	}
	if ev, ok := arg.(MachineEvent); ok && event == EventCreateMachineEvent {
		c.emitted = append(c.emitted, ev)
	}
	return nil
}

func (c *fakeChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.connected = false
	clear(c.handlers)
	c.onError = nil
	c.onDrop = nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) sent() []MachineEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]MachineEvent(nil), c.emitted...)
}

// fire delivers an inbound event as the socket reader would.
func (c *fakeChannel) fire(event string, payload any) {
	raw, _ := json.Marshal(payload)
	c.mu.Lock()
	fns := append([]func(json.RawMessage){}, c.handlers[event]...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(raw)
	}
}

func (c *fakeChannel) failConnect(ce *socketio.ConnectError) {
	c.mu.Lock()
	fns := append([]func(*socketio.ConnectError){}, c.onError...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ce)
	}
}

type fakeMux struct {
	token string

	mu       sync.Mutex
	channels map[string]*fakeChannel
	opened   bool
	closed   bool
}

func (m *fakeMux) Channel(ns string) Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := &fakeChannel{ns: ns, handlers: make(map[string][]func(json.RawMessage)), connected: true}
	m.channels[ns] = ch
	return ch
}

func (m *fakeMux) Open() {
	m.mu.Lock()
	m.opened = true
	m.mu.Unlock()
}

func (m *fakeMux) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

func (m *fakeMux) channel(ns string) *fakeChannel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[ns]
}

func (m *fakeMux) namespaces() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.channels))
	for ns := range m.channels {
		out = append(out, ns)
	}
	return out
}

func (m *fakeMux) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type fakeTransport struct {
	mu    sync.Mutex
	muxes []*fakeMux
}

func (t *fakeTransport) Dial(token string) (Mux, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := &fakeMux{token: token, channels: make(map[string]*fakeChannel)}
	t.muxes = append(t.muxes, m)
	return m, nil
}

func (t *fakeTransport) last() *fakeMux {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.muxes) == 0 {
		return nil
	}
	return t.muxes[len(t.muxes)-1]
}

func (t *fakeTransport) dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.muxes)
}

type fakeTimer struct{}

func (fakeTimer) Stop() bool { return true }

// fakeScheduler captures reconnection callbacks instead of sleeping.
type fakeScheduler struct {
	mu      sync.Mutex
	pending []func()
	delays  []time.Duration
}

func (s *fakeScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, fn)
	s.delays = append(s.delays, d)
	return fakeTimer{}
}

// runNext runs the oldest pending callback; false if none.
func (s *fakeScheduler) runNext() bool {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return false
	}
	fn := s.pending[0]
	s.pending = s.pending[1:]
	s.mu.Unlock()
	fn()
	return true
}

func (s *fakeScheduler) scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delays)
}

func (s *fakeScheduler) queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

type memoryStore struct {
	mu    sync.Mutex
	saved []Tokens
	err   error
}

func (s *memoryStore) Save(_ context.Context, t Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, t)
	return nil
}

func (s *memoryStore) all() []Tokens {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Tokens(nil), s.saved...)
}
