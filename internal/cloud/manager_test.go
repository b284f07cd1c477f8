package cloud

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/dkn-bridge/internal/socketio"
)

const dataNS = "/inst-1::dknUsa"

type harness struct {
	vendor    *vendor
	client    *Client
	transport *fakeTransport
	sched     *fakeScheduler
	store     *memoryStore
	logger    *captureLogger
	mgr       *Manager

	mu      sync.Mutex
	changes [][]*Twin
}

func newHarness(t *testing.T, configure func(*ManagerOptions)) *harness {
	t.Helper()
	v, srv := startVendor(t)
	h := &harness{
		vendor:    v,
		transport: &fakeTransport{},
		sched:     &fakeScheduler{},
		store:     &memoryStore{},
		logger:    &captureLogger{},
	}
	h.client = testClient(srv, h.logger)

	opts := ManagerOptions{
		Client:      h.client,
		Transport:   h.transport,
		Credentials: h.store,
		Backoff:     DefaultBackoff(),
		Logger:      h.logger,
		NetLog:      NewNetLog(h.logger, true),
		Rand:        func() float64 { return 0 },
		AfterFunc:   h.sched.AfterFunc,
	}
	if configure != nil {
		configure(&opts)
	}
	m, err := NewManager(opts)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	h.mgr = m

	m.OnDevicesChanged(func(ts []*Twin) {
		h.mu.Lock()
		h.changes = append(h.changes, ts)
		h.mu.Unlock()
	})
	return h
}

func (h *harness) notifications() [][]*Twin {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]*Twin(nil), h.changes...)
}

func (h *harness) lastDevices(t *testing.T) []*Twin {
	t.Helper()
	n := h.notifications()
	require.NotEmpty(t, n, "expected a devices notification")
	return n[len(n)-1]
}

// withValidToken makes "tok" a live session.
func (h *harness) withValidToken() {
	h.vendor.validTokens["tok"] = true
	h.client.SetTokens(Tokens{Token: "tok"})
}

func device(mac, name string, extra Record) Record {
	r := Record{"mac": mac, "name": name}
	for k, v := range extra {
		r[k] = v
	}
	return r
}

func home(devices ...Record) Installation {
	return Installation{ID: "inst-1", Name: "Home", TimezoneID: "America/New_York", Units: Celsius, Devices: devices}
}

func macs(ts []*Twin) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.Mac())
	}
	sort.Strings(out)
	return out
}

func TestConnectEndToEnd(t *testing.T) {
	h := newHarness(t, nil)
	h.withValidToken()
	h.vendor.setInstallations(http.StatusOK, home(device("AA:BB", "AC1", Record{"power": false})))

	require.NoError(t, h.mgr.Connect(context.Background()))

	n := h.notifications()
	require.Len(t, n, 1)
	require.Len(t, n[0], 1)
	tw := n[0][0]
	assert.Equal(t, "AA:BB", tw.Mac())
	assert.Equal(t, "AC1", tw.Name())

	assert.Equal(t, []string{"isLoggedIn", "installations"}, h.vendor.callLog())
	assert.Empty(t, h.store.all(), "a valid stored token is not re-persisted")

	mux := h.transport.last()
	require.NotNil(t, mux)
	assert.Equal(t, "tok", mux.token)
	assert.ElementsMatch(t, []string{"/users", dataNS}, mux.namespaces())
	assert.True(t, mux.opened)

	st := h.mgr.Status()
	assert.Equal(t, "live", st.State)
	assert.True(t, st.Authenticated)
	assert.Equal(t, 1, st.Channels)

	var got []Change
	tw.Subscribe(func(c Change) { got = append(got, c) })
	mux.channel(dataNS).fire(EventDeviceData, DeviceData{Mac: "AA:BB", Data: Record{"power": true}})

	assert.Equal(t, []Change{{Key: PropPower, Value: true}}, got)
	assert.True(t, tw.Power())
}

func TestConnectRefreshesStaleToken(t *testing.T) {
	h := newHarness(t, nil)
	h.vendor.refreshTokens["rt"] = Tokens{Token: "fresh", RefreshToken: "rt2"}
	h.client.SetTokens(Tokens{Token: "stale", RefreshToken: "rt"})

	require.NoError(t, h.mgr.Connect(context.Background()))

	assert.Equal(t, []string{"isLoggedIn", "refresh", "isLoggedIn", "installations"}, h.vendor.callLog())
	assert.Equal(t, []Tokens{{Token: "fresh", RefreshToken: "rt2"}}, h.store.all())
	assert.Equal(t, "fresh", h.client.Tokens().Token)
}

func TestConnectFallsBackToLogin(t *testing.T) {
	h := newHarness(t, func(o *ManagerOptions) {
		o.Email = "user@example.com"
		o.Password = "secret"
	})
	h.vendor.password = "secret"
	h.vendor.loginTokens = Tokens{Token: "login-tok", RefreshToken: "login-rt"}
	h.client.SetTokens(Tokens{RefreshToken: "unknown"})

	require.NoError(t, h.mgr.Connect(context.Background()))

	assert.Equal(t, []string{"refresh", "login", "installations"}, h.vendor.callLog())
	assert.Equal(t, []Tokens{{Token: "login-tok", RefreshToken: "login-rt"}}, h.store.all())
	assert.NotContains(t, h.logger.joined(), "secret")
}

func TestConnectAuthenticationFailure(t *testing.T) {
	h := newHarness(t, func(o *ManagerOptions) {
		o.Email = "user@example.com"
		o.Password = "wrong"
	})
	h.vendor.password = "right"
	h.client.SetTokens(Tokens{Token: "stale"})

	err := h.mgr.Connect(context.Background())
	require.ErrorIs(t, err, ErrAuthentication)

	assert.Equal(t, "disconnected", h.mgr.Status().State)
	assert.Zero(t, h.transport.dials())
	assert.Empty(t, h.notifications())
	assert.Zero(t, h.sched.scheduled(), "connect failures are not retried internally")
}

func TestConnectFailsWhenCredentialsCannotBePersisted(t *testing.T) {
	h := newHarness(t, nil)
	h.store.err = assert.AnError
	h.vendor.refreshTokens["rt"] = Tokens{Token: "fresh", RefreshToken: "rt2"}
	h.client.SetTokens(Tokens{RefreshToken: "rt"})

	err := h.mgr.Connect(context.Background())
	assert.ErrorIs(t, err, ErrCredentialPersist)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestInstallationFetchFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.withValidToken()
	h.vendor.setInstallations(http.StatusInternalServerError)

	require.NoError(t, h.mgr.Connect(context.Background()))

	n := h.notifications()
	require.Len(t, n, 1)
	assert.Empty(t, n[0])
	st := h.mgr.Status()
	assert.Equal(t, "authenticated", st.State)
	assert.Zero(t, st.Channels)
	assert.Zero(t, h.transport.dials())
}

func TestFailedRefreshClearsDevicesAndChannels(t *testing.T) {
	h := newHarness(t, nil)
	h.withValidToken()
	h.vendor.setInstallations(http.StatusOK, home(device("A", "a", nil)))
	require.NoError(t, h.mgr.Connect(context.Background()))

	first := h.transport.last()
	tw, ok := h.mgr.Device("A")
	require.True(t, ok)
	calls := 0
	tw.Subscribe(func(Change) { calls++ })

	h.vendor.setInstallations(http.StatusBadGateway)
	first.channel("/users").fire(EventNewDevice, DeviceControl{InstallationID: "inst-1", Mac: "B"})

	assert.Empty(t, h.lastDevices(t))
	assert.Empty(t, h.mgr.Devices())
	assert.Empty(t, h.mgr.Installations())
	assert.True(t, first.isClosed())
	assert.True(t, first.channel(dataNS).isClosed())

	tw.Patch(Record{"power": true})
	assert.Zero(t, calls, "removed twin keeps no subscribers")
}

func TestReconciliationKeepsSurvivingTwins(t *testing.T) {
	h := newHarness(t, nil)
	h.withValidToken()
	h.vendor.setInstallations(http.StatusOK, home(
		device("A", "a", Record{"power": true}),
		device("B", "b", Record{"power": false}),
	))
	require.NoError(t, h.mgr.Connect(context.Background()))

	twinA, _ := h.mgr.Device("A")
	twinB, _ := h.mgr.Device("B")
	twinB.Patch(Record{"foo": "kept"})
	aCalls := 0
	twinA.Subscribe(func(Change) { aCalls++ })

	h.vendor.setInstallations(http.StatusOK, home(
		device("B", "b", Record{"power": true}),
		device("C", "c", Record{"power": false}),
	))
	h.transport.last().channel("/users").fire(EventNewDevice, DeviceControl{InstallationID: "inst-1", Mac: "C"})

	assert.Equal(t, []string{"B", "C"}, macs(h.mgr.Devices()))
	assert.Equal(t, []string{"B", "C"}, macs(h.lastDevices(t)))

	gotB, ok := h.mgr.Device("B")
	require.True(t, ok)
	assert.Same(t, twinB, gotB)
	assert.Equal(t, "kept", gotB.Attributes()["foo"], "surviving twin state is not reset")
	assert.True(t, gotB.Power(), "listing snapshot is applied as a patch")

	twinA.Patch(Record{"power": false})
	assert.Zero(t, aCalls)

	assert.Equal(t, 2, h.transport.dials(), "channels are reopened after a refresh")
}

func TestMacMovingInstallationGetsNewTwin(t *testing.T) {
	h := newHarness(t, nil)
	h.withValidToken()
	h.vendor.setInstallations(http.StatusOK, home(device("A", "a", nil)))
	require.NoError(t, h.mgr.Connect(context.Background()))
	before, _ := h.mgr.Device("A")

	other := Installation{ID: "inst-2", Devices: []Record{device("A", "a", nil)}}
	h.vendor.setInstallations(http.StatusOK, other)
	h.transport.last().channel("/users").fire(EventNewDevice, DeviceControl{})

	after, ok := h.mgr.Device("A")
	require.True(t, ok)
	assert.NotSame(t, before, after)
	assert.Equal(t, "inst-2", after.InstallationID())
}

func TestDeletedDeviceControl(t *testing.T) {
	h := newHarness(t, nil)
	h.withValidToken()
	h.vendor.setInstallations(http.StatusOK, home(device("A", "a", nil), device("B", "b", nil)))
	require.NoError(t, h.mgr.Connect(context.Background()))
	mux := h.transport.last()

	mux.channel("/users").fire(EventDeletedDevice, DeviceControl{InstallationID: "inst-1", Mac: "A"})

	assert.Equal(t, []string{"B"}, macs(h.lastDevices(t)))
	_, ok := h.mgr.Device("A")
	assert.False(t, ok)

	// A deletion naming another installation leaves the twin alone.
	before := len(h.notifications())
	mux.channel("/users").fire(EventDeletedDevice, DeviceControl{InstallationID: "elsewhere", Mac: "B"})
	assert.Len(t, h.notifications(), before)
	_, ok = h.mgr.Device("B")
	assert.True(t, ok)
}

func TestDeletedInstallationControl(t *testing.T) {
	h := newHarness(t, nil)
	h.withValidToken()
	h.vendor.setInstallations(http.StatusOK,
		home(device("A", "a", nil)),
		Installation{ID: "inst-2", Devices: []Record{device("B", "b", Record{"power": false})}},
	)
	require.NoError(t, h.mgr.Connect(context.Background()))
	mux := h.transport.last()
	twinB, _ := h.mgr.Device("B")

	mux.channel("/users").fire(EventDeletedInstallation, InstallationDeleted{InstallationID: "inst-2"})

	assert.Equal(t, []string{"A"}, macs(h.lastDevices(t)))
	assert.Len(t, h.mgr.Installations(), 1)
	assert.True(t, mux.channel("/inst-2::dknUsa").isClosed())
	assert.False(t, mux.channel(dataNS).isClosed())
	assert.Equal(t, 1, h.mgr.Status().Channels)

	err := h.mgr.SendMachineEvent("inst-2", "B", PropPower, true)
	assert.ErrorIs(t, err, ErrNoChannel)
	twinB.SetPower(true)
	assert.Contains(t, h.logger.joined(), "no channel for installation")
}

func TestDeviceDataRoutesByInstallation(t *testing.T) {
	h := newHarness(t, nil)
	h.withValidToken()
	h.vendor.setInstallations(http.StatusOK,
		home(device("A", "a", Record{"power": false})),
		Installation{ID: "inst-2", Devices: []Record{device("B", "b", nil)}},
	)
	require.NoError(t, h.mgr.Connect(context.Background()))
	mux := h.transport.last()

	mux.channel("/inst-2::dknUsa").fire(EventDeviceData, DeviceData{Mac: "A", Data: Record{"power": true}})
	twinA, _ := h.mgr.Device("A")
	assert.False(t, twinA.Power())

	mux.channel(dataNS).fire(EventDeviceData, DeviceData{Mac: "unknown", Data: Record{"power": true}})
	mux.channel(dataNS).fire(EventDeviceData, "not an object")
	assert.False(t, twinA.Power())
}

func TestPatchesApplyInOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.withValidToken()
	h.vendor.setInstallations(http.StatusOK, home(device("A", "a", Record{"work_temp": 20.0})))
	require.NoError(t, h.mgr.Connect(context.Background()))
	ch := h.transport.last().channel(dataNS)
	tw, _ := h.mgr.Device("A")

	var seen []any
	tw.Subscribe(func(c Change) { seen = append(seen, c.Value) })
	for _, v := range []float64{21, 22, 21.5} {
		ch.fire(EventDeviceData, DeviceData{Mac: "A", Data: Record{"work_temp": v}})
	}
	assert.Equal(t, []any{21.0, 22.0, 21.5}, seen)
	assert.Equal(t, 21.5, tw.CurrentTemperature())
}

func TestSendMachineEvent(t *testing.T) {
	h := newHarness(t, nil)
	h.withValidToken()
	h.vendor.setInstallations(http.StatusOK, home(device("A", "a", Record{"power": false})))
	require.NoError(t, h.mgr.Connect(context.Background()))
	ch := h.transport.last().channel(dataNS)
	tw, _ := h.mgr.Device("A")

	tw.SetPower(true)
	tw.SetFanSpeed(40)
	assert.Equal(t, []MachineEvent{
		{Mac: "A", Property: "power", Value: true},
		{Mac: "A", Property: "speed_state", Value: 3},
	}, ch.sent())

	ch.mu.Lock()
	ch.connected = false
	ch.mu.Unlock()
	tw.SetMode(ModeCool)
	assert.Len(t, ch.sent(), 2)
	assert.Equal(t, ModeCool, tw.Mode(), "mirror is updated even when the write is dropped")
	assert.ErrorIs(t, h.mgr.SendMachineEvent("inst-1", "A", PropMode, 2), ErrChannelDisconnected)
}

func TestUnauthorizedChannelErrorReconnects(t *testing.T) {
	h := newHarness(t, nil)
	h.withValidToken()
	h.vendor.setInstallations(http.StatusOK, home(device("A", "a", nil)))
	require.NoError(t, h.mgr.Connect(context.Background()))
	first := h.transport.last()
	twinA, _ := h.mgr.Device("A")

	first.channel(dataNS).failConnect(&socketio.ConnectError{Type: socketio.TypeTransport, Status: http.StatusUnauthorized})

	assert.True(t, first.isClosed())
	assert.True(t, first.channel("/users").isClosed())
	st := h.mgr.Status()
	assert.True(t, st.Reconnecting)
	assert.Equal(t, 1, st.ReconnectAttempt)
	assert.Zero(t, st.Channels)
	assert.Equal(t, 1, h.sched.scheduled())

	// A second request while reconnecting is ignored.
	h.mgr.reconnect()
	assert.Equal(t, 1, h.sched.scheduled())

	require.True(t, h.sched.runNext())

	st = h.mgr.Status()
	assert.Equal(t, "live", st.State)
	assert.False(t, st.Reconnecting)
	assert.Zero(t, st.ReconnectAttempt)
	assert.Equal(t, 2, h.transport.dials())

	again, _ := h.mgr.Device("A")
	assert.Same(t, twinA, again)
}

func TestReconnectionGivesUpAtCeiling(t *testing.T) {
	h := newHarness(t, nil)
	h.withValidToken()
	h.vendor.setInstallations(http.StatusOK, home(device("A", "a", nil)))
	require.NoError(t, h.mgr.Connect(context.Background()))

	h.vendor.revokeAll()
	h.transport.last().channel("/users").failConnect(&socketio.ConnectError{Type: socketio.TypeNamespace, Message: "Unauthorized"})

	runs := 0
	for h.sched.runNext() {
		runs++
		require.Less(t, runs, 20, "reconnection never stopped")
	}

	assert.Equal(t, DefaultBackoffMaxAttempts, h.sched.scheduled())
	assert.Zero(t, h.sched.queued())
	st := h.mgr.Status()
	assert.False(t, st.Reconnecting)
	assert.Equal(t, "disconnected", st.State)
	assert.Equal(t, 1, h.transport.dials())

	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second,
	}, h.sched.delays)
}

func TestTransportErrorPolicies(t *testing.T) {
	timeout := &socketio.ConnectError{Type: socketio.TypeTransport, Message: "i/o timeout"}

	t.Run("log", func(t *testing.T) {
		h := newHarness(t, func(o *ManagerOptions) { o.TransportErrors = TransportErrorsLog })
		h.withValidToken()
		h.vendor.setInstallations(http.StatusOK, home(device("A", "a", nil)))
		require.NoError(t, h.mgr.Connect(context.Background()))

		h.transport.last().channel(dataNS).failConnect(timeout)
		assert.Zero(t, h.sched.scheduled())
		assert.False(t, h.transport.last().isClosed())
		assert.Contains(t, h.logger.joined(), "i/o timeout")
	})

	t.Run("transport fault mentioning 401 is not an auth failure", func(t *testing.T) {
		h := newHarness(t, func(o *ManagerOptions) { o.TransportErrors = TransportErrorsLog })
		h.withValidToken()
		h.vendor.setInstallations(http.StatusOK, home(device("A", "a", nil)))
		require.NoError(t, h.mgr.Connect(context.Background()))

		refused := &socketio.ConnectError{Type: socketio.TypeTransport, Message: "dial tcp 10.0.0.2:4010: connect: connection refused"}
		h.transport.last().channel(dataNS).failConnect(refused)
		assert.Zero(t, h.sched.scheduled())
		assert.False(t, h.mgr.Status().Reconnecting)
		assert.False(t, h.transport.last().isClosed())
	})

	t.Run("session", func(t *testing.T) {
		h := newHarness(t, func(o *ManagerOptions) { o.TransportErrors = TransportErrorsSession })
		h.withValidToken()
		h.vendor.setInstallations(http.StatusOK, home(device("A", "a", nil)))
		require.NoError(t, h.mgr.Connect(context.Background()))

		h.transport.last().channel(dataNS).failConnect(timeout)
		assert.Equal(t, 1, h.sched.scheduled())
		assert.True(t, h.transport.last().isClosed())
	})
}

func TestCloseStopsManager(t *testing.T) {
	h := newHarness(t, nil)
	h.withValidToken()
	h.vendor.setInstallations(http.StatusOK, home(device("A", "a", nil)))
	require.NoError(t, h.mgr.Connect(context.Background()))
	mux := h.transport.last()

	h.mgr.Close()
	assert.True(t, mux.isClosed())
	assert.ErrorIs(t, h.mgr.Connect(context.Background()), ErrClosed)

	h.mgr.reconnect()
	assert.Zero(t, h.sched.scheduled())
}

func TestNewManagerRequiresCollaborators(t *testing.T) {
	_, err := NewManager(ManagerOptions{})
	assert.Error(t, err)
	_, err = NewManager(ManagerOptions{Client: NewClient(ClientOptions{})})
	assert.Error(t, err)
}
