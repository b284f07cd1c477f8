package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/nerrad567/dkn-bridge/internal/socketio"
)

// State is the session lifecycle state.
type State int

// Session states.
const (
	StateDisconnected State = iota
	StateAuthenticating
	StateAuthenticated
	StateLive
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateLive:
		return "live"
	default:
		return "disconnected"
	}
}

// TransportErrorPolicy decides what a non-authentication channel error does.
type TransportErrorPolicy string

// Transport error policies.
const (
	// TransportErrorsLog only logs the error.
	TransportErrorsLog TransportErrorPolicy = "log"
	// TransportErrorsTransport leaves recovery to the socket layer.
	TransportErrorsTransport TransportErrorPolicy = "transport"
	// TransportErrorsSession runs the full reconnection cycle, as for a 401.
	TransportErrorsSession TransportErrorPolicy = "session"
)

// CredentialStore persists a fresh token pair. Save must not return
// before the pair is durable.
type CredentialStore interface {
	Save(ctx context.Context, tokens Tokens) error
}

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

func defaultRand() float64 { return rand.Float64() }

func defaultAfterFunc(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) }

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Client      *Client
	Transport   Transport
	Credentials CredentialStore

	Email    string
	Password string

	Backoff         Backoff
	TransportErrors TransportErrorPolicy

	NetLog *NetLog
	Logger Logger

	// Rand and AfterFunc replace the jitter source and the reconnection
	// scheduler; both default to the real ones.
	Rand      func() float64
	AfterFunc func(time.Duration, func()) Timer
}

// Status is a point-in-time view of the session.
type Status struct {
	State            string `json:"state"`
	Authenticated    bool   `json:"authenticated"`
	Reconnecting     bool   `json:"reconnecting"`
	ReconnectAttempt int    `json:"reconnect_attempt"`
	Installations    int    `json:"installations"`
	Devices          int    `json:"devices"`
	Channels         int    `json:"channels"`
}

// Manager owns the vendor session: authentication, the installation
// list, one channel per installation plus the control channel, the
// reconnection cycle, and the registry of device twins.
type Manager struct {
	client    *Client
	transport Transport
	store     CredentialStore
	email     string
	password  string
	backoff   Backoff
	policy    TransportErrorPolicy
	netlog    *NetLog
	logger    Logger
	rand      func() float64
	afterFunc func(time.Duration, func()) Timer

	ctx    context.Context
	cancel context.CancelFunc

	// opMu serialises Connect and installation refreshes.
	opMu sync.Mutex

	mu            sync.Mutex
	state         State
	authenticated bool
	reconnecting  bool
	attempt       int
	timer         Timer
	installations []Installation
	twins         map[string]*Twin
	mux           Mux
	control       Channel
	channels      map[string]Channel

	lmu       sync.Mutex
	listeners map[uint64]func([]*Twin)
	nextLis   uint64
}

// NewManager creates a Manager. Call Connect to start the session.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Client == nil {
		return nil, errors.New("cloud: manager requires a client")
	}
	if opts.Transport == nil {
		return nil, errors.New("cloud: manager requires a transport")
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Rand == nil {
		opts.Rand = defaultRand
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = defaultAfterFunc
	}
	if opts.TransportErrors == "" {
		opts.TransportErrors = TransportErrorsTransport
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		client:    opts.Client,
		transport: opts.Transport,
		store:     opts.Credentials,
		email:     opts.Email,
		password:  opts.Password,
		backoff:   opts.Backoff.normalised(),
		policy:    opts.TransportErrors,
		netlog:    opts.NetLog,
		logger:    opts.Logger,
		rand:      opts.Rand,
		afterFunc: opts.AfterFunc,
		ctx:       ctx,
		cancel:    cancel,
		twins:     make(map[string]*Twin),
		channels:  make(map[string]Channel),
		listeners: make(map[uint64]func([]*Twin)),
	}, nil
}

// Connect authenticates, lists installations, rebuilds the twin registry
// and opens the channels. It fails only when no authentication method
// succeeds (or fresh credentials cannot be persisted); an installation
// listing failure leaves the session authenticated with no devices.
func (m *Manager) Connect(ctx context.Context) error {
	if m.ctx.Err() != nil {
		return ErrClosed
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.setState(StateAuthenticating)
	m.logger.Info("connecting to DKN Cloud")
	if err := m.authenticate(ctx); err != nil {
		m.mu.Lock()
		m.authenticated = false
		m.state = StateDisconnected
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.authenticated = true
	m.state = StateAuthenticated
	m.mu.Unlock()
	m.logger.Info("authenticated with DKN Cloud")

	m.refresh(ctx)
	return nil
}

// authenticate tries the stored token, then the refresh token, then a
// full login.
func (m *Manager) authenticate(ctx context.Context) error {
	tokens := m.client.Tokens()

	if tokens.Token != "" && m.probe(ctx) {
		return nil
	}

	if tokens.RefreshToken != "" {
		res, err := m.client.RefreshToken(ctx)
		switch {
		case err != nil:
			m.logger.Warn("token refresh failed", "error", err)
		case !res.OK || res.Value.Token == "":
			m.logger.Warn("token refresh rejected", "error", res.Err)
		default:
			next := res.Value
			if next.RefreshToken == "" {
				next.RefreshToken = tokens.RefreshToken
			}
			if err := m.adopt(ctx, next); err != nil {
				return err
			}
			if m.probe(ctx) {
				return nil
			}
		}
	}

	if m.email != "" && m.password != "" {
		res, err := m.client.Login(ctx, m.email, m.password)
		switch {
		case err != nil:
			m.logger.Warn("login failed", "error", err)
		case !res.OK || res.Value.Token == "":
			m.logger.Warn("login rejected", "error", res.Err)
		default:
			return m.adopt(ctx, res.Value.Tokens)
		}
	}

	return ErrAuthentication
}

func (m *Manager) probe(ctx context.Context) bool {
	res, err := m.client.IsLoggedIn(ctx)
	if err != nil {
		m.logger.Warn("session probe failed", "error", err)
		return false
	}
	if !res.OK {
		m.logger.Debug("stored session rejected", "error", res.Err)
	}
	return res.OK
}

// adopt installs a fresh token pair and persists it before returning.
func (m *Manager) adopt(ctx context.Context, tokens Tokens) error {
	m.client.SetTokens(tokens)
	if m.store == nil {
		return nil
	}
	if err := m.store.Save(ctx, tokens); err != nil {
		return fmt.Errorf("%w: %w", ErrCredentialPersist, err)
	}
	return nil
}

// refresh lists installations and rebuilds registry and channels.
// Caller holds opMu.
func (m *Manager) refresh(ctx context.Context) {
	res, err := m.client.Installations(ctx)
	if err != nil || !res.OK {
		if err == nil {
			err = res.Err
		}
		m.logger.Warn("listing installations failed, clearing devices", "error", err)

		m.mu.Lock()
		m.installations = nil
		removed := make([]*Twin, 0, len(m.twins))
		for mac, t := range m.twins {
			removed = append(removed, t)
			delete(m.twins, mac)
		}
		mux, control, channels := m.detachLocked()
		m.state = StateAuthenticated
		m.mu.Unlock()

		for _, t := range removed {
			t.clearSubscribers()
		}
		closeChannels(mux, control, channels)
		m.emitDevices()
		return
	}

	m.mu.Lock()
	m.installations = res.Value
	removed, refreshed := m.reconcileLocked()
	mux, control, channels := m.detachLocked()
	m.mu.Unlock()

	closeChannels(mux, control, channels)
	for _, t := range removed {
		t.clearSubscribers()
	}
	for t, rec := range refreshed {
		t.Patch(rec)
	}
	m.emitDevices()

	m.mu.Lock()
	m.state = StateLive
	m.attempt = 0
	m.reconnecting = false
	m.mu.Unlock()

	m.openChannels()
}

// reconcileLocked aligns the twin registry with m.installations. Twins
// whose (installation, mac) identity persists are kept as-is and their
// listing snapshot returned for patching; the rest are replaced or
// removed. Caller holds m.mu.
func (m *Manager) reconcileLocked() (removed []*Twin, refreshed map[*Twin]Record) {
	refreshed = make(map[*Twin]Record)
	seen := make(map[string]bool)
	for _, inst := range m.installations {
		for _, rec := range inst.Devices {
			mac, _ := rec[string(PropMac)].(string)
			if mac == "" {
				continue
			}
			if seen[mac] {
				m.logger.Warn("device listed twice, keeping first", "mac", mac, "installation", inst.ID)
				continue
			}
			seen[mac] = true

			if t, ok := m.twins[mac]; ok {
				if t.installationID == inst.ID {
					if isPopulated(rec) {
						refreshed[t] = rec
					}
					continue
				}
				removed = append(removed, t)
			}
			m.twins[mac] = NewTwin(inst, rec, m, m.logger)
			m.logger.Info("device discovered", "mac", mac, "installation", inst.ID)
		}
	}
	for mac, t := range m.twins {
		if !seen[mac] {
			delete(m.twins, mac)
			removed = append(removed, t)
			m.logger.Info("device removed", "mac", mac, "installation", t.installationID)
		}
	}
	return removed, refreshed
}

// openChannels dials a new connection and joins the control channel
// plus one channel per installation.
func (m *Manager) openChannels() {
	mux, err := m.transport.Dial(m.client.Tokens().Token)
	if err != nil {
		m.netlog.Error("session", "opening channels failed", err)
		return
	}

	m.mu.Lock()
	installs := append([]Installation(nil), m.installations...)
	m.mu.Unlock()

	control := mux.Channel(controlNamespace)
	control.On(EventDeletedInstallation, m.onDeletedInstallation)
	control.On(EventDeletedDevice, m.onDeletedDevice)
	control.On(EventNewDevice, m.onNewDevice)
	m.watch(control, controlNamespace)

	channels := make(map[string]Channel, len(installs))
	for _, inst := range installs {
		ns := installationNamespace(inst.ID, m.client.Region())
		ch := mux.Channel(ns)
		instID := inst.ID
		ch.On(EventDeviceData, func(raw json.RawMessage) { m.onDeviceData(instID, ns, raw) })
		m.watch(ch, ns)
		channels[inst.ID] = ch
	}

	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		closeChannels(mux, control, channels)
		return
	}
	m.mux = mux
	m.control = control
	m.channels = channels
	m.mu.Unlock()

	m.netlog.Status("session", "opening channels", "installations", len(channels))
	mux.Open()
}

func (m *Manager) watch(ch Channel, ns string) {
	ch.OnConnectError(func(ce *socketio.ConnectError) { m.onConnectError(ns, ce) })
	ch.OnDisconnect(func(reason string) { m.onDisconnect(ns, reason) })
}

// detachLocked takes the current channels out of the session. Caller
// holds m.mu and closes the returned channels after unlocking.
func (m *Manager) detachLocked() (Mux, Channel, map[string]Channel) {
	mux, control, channels := m.mux, m.control, m.channels
	m.mux = nil
	m.control = nil
	m.channels = make(map[string]Channel)
	return mux, control, channels
}

// closeChannels closes every channel, which drops its listeners, then
// the shared connection.
func closeChannels(mux Mux, control Channel, channels map[string]Channel) {
	for _, ch := range channels {
		ch.Close()
	}
	if control != nil {
		control.Close()
	}
	if mux != nil {
		mux.Close()
	}
}

// disconnect closes every channel and the connection. Twins are kept.
func (m *Manager) disconnect() {
	m.mu.Lock()
	mux, control, channels := m.detachLocked()
	if m.state == StateLive {
		m.state = StateAuthenticated
	}
	m.mu.Unlock()
	closeChannels(mux, control, channels)
}

// reconnect schedules a full Connect after the backoff delay. It is a
// no-op while a cycle is in flight and gives up at the attempt ceiling.
func (m *Manager) reconnect() {
	m.mu.Lock()
	if m.reconnecting || m.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	if m.backoff.Exhausted(m.attempt) {
		attempts := m.attempt
		m.attempt = 0
		m.reconnecting = false
		m.mu.Unlock()
		m.logger.Warn("giving up reconnecting to DKN Cloud", "attempts", attempts)
		return
	}
	delay := m.backoff.Delay(m.attempt, m.rand())
	m.attempt++
	attempt := m.attempt
	m.reconnecting = true
	m.timer = m.afterFunc(delay, m.retry)
	m.mu.Unlock()

	m.netlog.Status("session", "reconnect scheduled", "attempt", attempt, "delay", delay)
}

// retry is the scheduled reconnection attempt.
func (m *Manager) retry() {
	if m.ctx.Err() != nil {
		return
	}
	err := m.Connect(m.ctx)

	m.mu.Lock()
	if err != nil || m.state != StateLive {
		m.reconnecting = false
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("reconnection attempt failed", "error", err)
		m.reconnect()
	}
}

func (m *Manager) onConnectError(ns string, ce *socketio.ConnectError) {
	m.netlog.Error(ns, "channel connect error", ce)
	if ce.Unauthorized() || m.policy == TransportErrorsSession {
		m.disconnect()
		m.reconnect()
	}
}

func (m *Manager) onDisconnect(ns, reason string) {
	m.netlog.Status(ns, "channel disconnected", "reason", reason)
	if m.policy == TransportErrorsSession && reason != "io client disconnect" {
		m.disconnect()
		m.reconnect()
	}
}

func (m *Manager) onDeviceData(installationID, ns string, raw json.RawMessage) {
	m.netlog.Receive(ns, EventDeviceData, raw)
	var msg DeviceData
	if err := json.Unmarshal(raw, &msg); err != nil {
		m.logger.Warn("malformed device-data message", "channel", ns, "error", err)
		return
	}
	m.mu.Lock()
	t := m.twins[msg.Mac]
	m.mu.Unlock()
	if t == nil || t.installationID != installationID {
		m.logger.Debug("device-data for untracked device", "mac", msg.Mac, "installation", installationID)
		return
	}
	t.Patch(msg.Data)
}

func (m *Manager) onDeletedInstallation(raw json.RawMessage) {
	m.netlog.Receive(controlNamespace, EventDeletedInstallation, raw)
	var msg InstallationDeleted
	if err := json.Unmarshal(raw, &msg); err != nil || msg.InstallationID == "" {
		m.logger.Warn("malformed installation deletion", "payload", string(raw))
		return
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	kept := m.installations[:0:0]
	for _, inst := range m.installations {
		if inst.ID != msg.InstallationID {
			kept = append(kept, inst)
		}
	}
	m.installations = kept
	var removed []*Twin
	for mac, t := range m.twins {
		if t.installationID == msg.InstallationID {
			delete(m.twins, mac)
			removed = append(removed, t)
		}
	}
	ch := m.channels[msg.InstallationID]
	delete(m.channels, msg.InstallationID)
	m.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	for _, t := range removed {
		t.clearSubscribers()
	}
	m.logger.Info("installation deleted", "installation", msg.InstallationID, "devices", len(removed))
	m.emitDevices()
}

func (m *Manager) onDeletedDevice(raw json.RawMessage) {
	m.netlog.Receive(controlNamespace, EventDeletedDevice, raw)
	var msg DeviceControl
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Mac == "" {
		m.logger.Warn("malformed device deletion", "payload", string(raw))
		return
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	t := m.twins[msg.Mac]
	if t != nil && msg.InstallationID != "" && t.installationID != msg.InstallationID {
		t = nil
	}
	if t != nil {
		delete(m.twins, msg.Mac)
	}
	m.mu.Unlock()

	if t == nil {
		return
	}
	t.clearSubscribers()
	m.logger.Info("device deleted", "mac", msg.Mac, "installation", t.installationID)
	m.emitDevices()
}

func (m *Manager) onNewDevice(raw json.RawMessage) {
	m.netlog.Receive(controlNamespace, EventNewDevice, raw)
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.refresh(m.ctx)
}

// SendMachineEvent sends one attribute write on the installation's
// channel. Without a connected channel the write is dropped with a
// warning; it is never queued.
func (m *Manager) SendMachineEvent(installationID, mac string, prop Property, value any) error {
	m.mu.Lock()
	ch := m.channels[installationID]
	m.mu.Unlock()

	if ch == nil {
		m.logger.Warn("no channel for installation, dropping command",
			"installation", installationID, "mac", mac, "property", prop)
		return fmt.Errorf("%w %s", ErrNoChannel, installationID)
	}
	if !ch.Connected() {
		m.logger.Warn("channel disconnected, dropping command",
			"installation", installationID, "mac", mac, "property", prop)
		return ErrChannelDisconnected
	}

	ev := MachineEvent{Mac: mac, Property: string(prop), Value: value}
	ns := installationNamespace(installationID, m.client.Region())
	m.netlog.Send(ns, EventCreateMachineEvent, ev)
	if err := ch.Emit(EventCreateMachineEvent, ev); err != nil {
		m.logger.Warn("sending command failed", "mac", mac, "property", prop, "error", err)
		return fmt.Errorf("sending %s to %s: %w", prop, mac, err)
	}
	return nil
}

// OnDevicesChanged registers fn to receive the full twin set after every
// registry change. The returned function unregisters it.
func (m *Manager) OnDevicesChanged(fn func([]*Twin)) func() {
	m.lmu.Lock()
	id := m.nextLis
	m.nextLis++
	m.listeners[id] = fn
	m.lmu.Unlock()
	return func() {
		m.lmu.Lock()
		delete(m.listeners, id)
		m.lmu.Unlock()
	}
}

func (m *Manager) emitDevices() {
	devices := m.Devices()
	m.lmu.Lock()
	fns := make([]func([]*Twin), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.lmu.Unlock()
	for _, fn := range fns {
		fn(devices)
	}
}

// Devices returns the live twins in installation listing order.
func (m *Manager) Devices() []*Twin {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Twin, 0, len(m.twins))
	for _, inst := range m.installations {
		for _, rec := range inst.Devices {
			mac, _ := rec[string(PropMac)].(string)
			if t, ok := m.twins[mac]; ok && t.installationID == inst.ID {
				out = append(out, t)
			}
		}
	}
	return out
}

// Device returns the twin tracked for mac.
func (m *Manager) Device(mac string) (*Twin, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.twins[mac]
	return t, ok
}

// Installations returns a copy of the current installation list.
func (m *Manager) Installations() []Installation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Installation(nil), m.installations...)
}

// Status reports the session state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:            m.state.String(),
		Authenticated:    m.authenticated,
		Reconnecting:     m.reconnecting,
		ReconnectAttempt: m.attempt,
		Installations:    len(m.installations),
		Devices:          len(m.twins),
		Channels:         len(m.channels),
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Close stops reconnection and closes every channel.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.reconnecting = false
	m.mu.Unlock()
	m.disconnect()
	m.setState(StateDisconnected)
}
