package cloud

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentEvent struct {
	Installation string
	Mac          string
	Property     Property
	Value        any
}

type recordingCommander struct {
	mu   sync.Mutex
	sent []sentEvent
}

func (r *recordingCommander) SendMachineEvent(installationID, mac string, prop Property, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentEvent{installationID, mac, prop, value})
	return nil
}

func (r *recordingCommander) events() []sentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentEvent(nil), r.sent...)
}

func newTestTwin(rec Record) (*Twin, *recordingCommander) {
	cmd := &recordingCommander{}
	inst := Installation{ID: "inst-1", Units: Celsius}
	if rec == nil {
		rec = Record{}
	}
	if _, ok := rec["mac"]; !ok {
		rec["mac"] = "AA:BB"
	}
	return NewTwin(inst, rec, cmd, nil), cmd
}

func collect(t *Twin) *[]Change {
	var mu sync.Mutex
	changes := &[]Change{}
	t.Subscribe(func(c Change) {
		mu.Lock()
		*changes = append(*changes, c)
		mu.Unlock()
	})
	return changes
}

func TestTwinIdentity(t *testing.T) {
	tw, _ := newTestTwin(Record{"name": "AC1"})
	assert.Equal(t, "AA:BB", tw.Mac())
	assert.Equal(t, "inst-1", tw.InstallationID())
	assert.Equal(t, "inst-1:AA:BB", tw.Key())
	assert.Equal(t, "AC1", tw.Name())
}

func TestPatchAllowListFiltering(t *testing.T) {
	tw, _ := newTestTwin(nil)
	changes := collect(tw)

	tw.Patch(Record{"foo": 1.0, "power": true})

	require.Len(t, *changes, 1)
	assert.Equal(t, Change{Key: PropPower, Value: true}, (*changes)[0])
	assert.True(t, tw.Power())
	assert.Equal(t, 1.0, tw.Attributes()["foo"])
}

func TestPatchIsShallowMerge(t *testing.T) {
	tw, _ := newTestTwin(Record{"power": false, "mode": 2.0, "setpoint_air_cool": 24.0})
	tw.Patch(Record{"mode": 3.0})

	attrs := tw.Attributes()
	assert.Equal(t, false, attrs["power"])
	assert.Equal(t, 3.0, attrs["mode"])
	assert.Equal(t, 24.0, attrs["setpoint_air_cool"])
	assert.Equal(t, ModeHeat, tw.Mode())
}

func TestPatchNotifiesEveryAllowListedKeyInOrder(t *testing.T) {
	tw, _ := newTestTwin(nil)
	changes := collect(tw)

	tw.Patch(Record{
		"speed_state":      3.0,
		"power":            true,
		"work_temp":        21.5,
		"slats_vertical_1": 9.0,
		"humidity":         40.0,
	})

	var keys []Property
	for _, c := range *changes {
		keys = append(keys, c.Key)
	}
	assert.Equal(t, []Property{PropPower, PropWorkTemp, PropSpeedState, PropSlatsVertical}, keys)
}

func TestUnsubscribe(t *testing.T) {
	tw, _ := newTestTwin(nil)
	calls := 0
	cancel := tw.Subscribe(func(Change) { calls++ })

	tw.Patch(Record{"power": true})
	cancel()
	tw.Patch(Record{"power": false})

	assert.Equal(t, 1, calls)
}

func TestClearSubscribers(t *testing.T) {
	tw, _ := newTestTwin(nil)
	calls := 0
	tw.Subscribe(func(Change) { calls++ })
	tw.clearSubscribers()
	tw.Patch(Record{"power": true})
	assert.Zero(t, calls)
}

func TestPowerSetterDispatchesOnlyOnChange(t *testing.T) {
	tw, cmd := newTestTwin(Record{"power": false})

	tw.SetPower(true)
	tw.SetPower(true)
	require.Len(t, cmd.events(), 1)

	tw.SetPower(false)
	tw.SetPower(true)
	tw.SetPower(false)
	events := cmd.events()
	require.Len(t, events, 4)
	assert.Equal(t, sentEvent{"inst-1", "AA:BB", PropPower, false}, events[3])
	assert.False(t, tw.Power())
}

func TestSettersUpdateMirrorAndDispatch(t *testing.T) {
	tw, cmd := newTestTwin(Record{"power": true, "mode": float64(ModeCool)})

	tw.SetMode(ModeHeat)
	tw.SetFanSpeed(80)
	tw.SetLouver(true)
	tw.SetHeatingThreshold(20)

	assert.Equal(t, ModeHeat, tw.Mode())
	assert.Equal(t, 80, tw.FanSpeed())
	assert.True(t, tw.Louver())
	assert.Equal(t, 20.0, tw.HeatingThreshold())

	assert.Equal(t, []sentEvent{
		{"inst-1", "AA:BB", PropMode, int(ModeHeat)},
		{"inst-1", "AA:BB", PropSpeedState, 5},
		{"inst-1", "AA:BB", PropSlatsVertical, LouverSwing},
		{"inst-1", "AA:BB", PropSetpointHeat, 20.0},
	}, cmd.events())
}

func TestSettersDoNotNotify(t *testing.T) {
	tw, _ := newTestTwin(Record{"power": false})
	changes := collect(tw)
	tw.SetPower(true)
	tw.SetMode(ModeCool)
	assert.Empty(t, *changes)
}

func TestTargetTemperatureFollowsMode(t *testing.T) {
	tw, cmd := newTestTwin(Record{
		"units":             float64(Celsius),
		"mode":              float64(ModeCool),
		"setpoint_air_auto": 23.0,
		"setpoint_air_cool": 24.0,
		"setpoint_air_heat": 19.0,
	})

	assert.Equal(t, 24.0, tw.TargetTemperature())
	tw.SetMode(ModeAuto)
	assert.Equal(t, 23.0, tw.TargetTemperature())
	tw.SetMode(ModeHeat)
	assert.Equal(t, 19.0, tw.TargetTemperature())

	tw.SetTargetTemperature(21)
	assert.Equal(t, 21.0, tw.HeatingThreshold())

	tw.SetMode(ModeFan)
	assert.Equal(t, DefaultTemperatureC, tw.TargetTemperature())

	before := len(cmd.events())
	tw.SetTargetTemperature(25)
	assert.Len(t, cmd.events(), before, "fan mode has no setpoint to write")
}

func TestFahrenheitDevice(t *testing.T) {
	tw, cmd := newTestTwin(Record{
		"units":             float64(Fahrenheit),
		"mode":              float64(ModeCool),
		"work_temp":         75.0,
		"setpoint_air_cool": 72.0,
	})

	assert.Equal(t, Fahrenheit, tw.Units())
	assert.Equal(t, 23.9, tw.CurrentTemperature())
	assert.Equal(t, 22.2, tw.TargetTemperature())
	// Missing exterior temperature falls back to 72F.
	assert.Equal(t, 22.2, tw.ExteriorTemperature())

	tw.SetTargetTemperature(20)
	events := cmd.events()
	require.Len(t, events, 1)
	assert.Equal(t, PropSetpointCool, events[0].Property)
	assert.Equal(t, 68.0, events[0].Value)
	assert.Equal(t, 20.0, tw.TargetTemperature())
}

func TestUnitsFallBackToInstallation(t *testing.T) {
	tw := NewTwin(Installation{ID: "i", Units: Fahrenheit}, Record{"mac": "m", "power": true}, nil, nil)
	assert.Equal(t, Fahrenheit, tw.Units())
	assert.Equal(t, 22.2, tw.CurrentTemperature())
}

func TestMissingTemperatureDefaults(t *testing.T) {
	tw, _ := newTestTwin(Record{"power": true})
	assert.Equal(t, DefaultTemperatureC, tw.CurrentTemperature())
	assert.Equal(t, DefaultTemperatureC, tw.CoolingThreshold())
	assert.Equal(t, FanSpeedAuto, tw.FanSpeed())
	assert.False(t, tw.Louver())
}

func TestUnpopulatedTwin(t *testing.T) {
	tw, _ := newTestTwin(Record{"name": "Hall"})
	assert.False(t, tw.Populated())

	_, err := tw.State()
	assert.ErrorIs(t, err, ErrNotPopulated)
	assert.Equal(t, "Hall", tw.Name())

	tw.Patch(Record{"power": true, "mode": float64(ModeDry)})
	require.True(t, tw.Populated())

	var st Snapshot
	st, err = tw.State()
	require.NoError(t, err)
	assert.Equal(t, "Hall", st.Name)
	assert.True(t, st.Power)
	assert.Equal(t, "dry", st.Mode)
	assert.Equal(t, "AA:BB", st.Mac)
}

func TestSettersOnSkeletonDispatchWithoutPopulating(t *testing.T) {
	tw, cmd := newTestTwin(Record{"name": "Hall"})

	tw.SetPower(false)
	tw.SetMode(ModeCool)
	tw.SetFanSpeed(40)

	assert.False(t, tw.Populated())
	_, err := tw.State()
	assert.ErrorIs(t, err, ErrNotPopulated)
	assert.Equal(t, Record{"mac": "AA:BB", "name": "Hall"}, tw.Attributes())
	assert.Equal(t, []sentEvent{
		{"inst-1", "AA:BB", PropPower, false},
		{"inst-1", "AA:BB", PropMode, int(ModeCool)},
		{"inst-1", "AA:BB", PropSpeedState, PercentToFanCode(40)},
	}, cmd.events())

	tw.Patch(Record{"power": true})
	assert.True(t, tw.Populated())
	assert.True(t, tw.Power())
}

func TestTwinWithoutCommanderDropsWrites(t *testing.T) {
	tw := NewTwin(Installation{ID: "i"}, Record{"mac": "m", "power": true}, nil, nil)
	tw.SetMode(ModeCool)
	assert.Equal(t, ModeCool, tw.Mode())
}
