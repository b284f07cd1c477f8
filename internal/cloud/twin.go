package cloud

import (
	"maps"
	"sync"
)

// Commander dispatches a device attribute write to the vendor.
// *Manager implements it.
type Commander interface {
	SendMachineEvent(installationID, mac string, prop Property, value any) error
}

// Change is one announced attribute update.
type Change struct {
	Key   Property
	Value any
}

// deviceState is the twin's mirror: either only the identity the
// installation listing announced, or a full attribute record.
type deviceState interface {
	attrs() Record
}

type unpopulated struct {
	mac  string
	name string
}

func (u unpopulated) attrs() Record {
	r := Record{string(PropMac): u.mac}
	if u.name != "" {
		r[string(PropName)] = u.name
	}
	return r
}

type populated struct {
	record Record
}

func (p populated) attrs() Record { return p.record }

// Twin mirrors the last known state of one physical device.
//
// Getters translate vendor encodings to domain values (temperatures in
// Celsius, fan speed in percent). Setters update the mirror optimistically
// and send the write through the Commander. Only Patch announces changes.
type Twin struct {
	installationID string
	mac            string
	fallbackUnits  Units
	commander      Commander
	logger         Logger

	mu    sync.RWMutex
	state deviceState

	subMu   sync.Mutex
	subs    map[uint64]func(Change)
	nextSub uint64
}

// NewTwin creates a twin for the device record found in an installation.
func NewTwin(inst Installation, rec Record, commander Commander, logger Logger) *Twin {
	if logger == nil {
		logger = noopLogger{}
	}
	mac, _ := rec[string(PropMac)].(string)
	t := &Twin{
		installationID: inst.ID,
		mac:            mac,
		fallbackUnits:  inst.Units,
		commander:      commander,
		logger:         logger,
		subs:           make(map[uint64]func(Change)),
	}
	if isPopulated(rec) {
		t.state = populated{record: maps.Clone(rec)}
	} else {
		name, _ := rec[string(PropName)].(string)
		t.state = unpopulated{mac: mac, name: name}
	}
	return t
}

func isPopulated(rec Record) bool {
	for _, p := range notifiedProperties {
		if _, ok := rec[string(p)]; ok {
			return true
		}
	}
	return false
}

// InstallationID returns the installation the device belongs to.
func (t *Twin) InstallationID() string { return t.installationID }

// Mac returns the device mac address.
func (t *Twin) Mac() string { return t.mac }

// Key returns the twin's identity, unique across installations.
func (t *Twin) Key() string { return t.installationID + ":" + t.mac }

// Populated reports whether device attributes have been received.
func (t *Twin) Populated() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.state.(populated)
	return ok
}

// Attributes returns a copy of the raw mirror.
func (t *Twin) Attributes() Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.state.attrs())
}

// Subscribe registers fn for change notifications and returns a
// function that removes it.
func (t *Twin) Subscribe(fn func(Change)) func() {
	t.subMu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.subMu.Unlock()

	return func() {
		t.subMu.Lock()
		delete(t.subs, id)
		t.subMu.Unlock()
	}
}

// clearSubscribers drops every subscription; used when the twin is
// removed from the registry.
func (t *Twin) clearSubscribers() {
	t.subMu.Lock()
	clear(t.subs)
	t.subMu.Unlock()
}

// Patch merges a partial record into the mirror and announces every
// allow-listed key it carried. Other keys are stored silently.
func (t *Twin) Patch(data Record) {
	if len(data) == 0 {
		return
	}

	t.mu.Lock()
	rec := t.recordLocked()
	maps.Copy(rec, data)
	t.mu.Unlock()

	changes := make([]Change, 0, len(data))
	for _, p := range notifiedProperties {
		if v, ok := data[string(p)]; ok {
			changes = append(changes, Change{Key: p, Value: v})
		}
	}
	t.notify(changes)
}

func (t *Twin) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}
	t.subMu.Lock()
	fns := make([]func(Change), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	t.subMu.Unlock()

	for _, c := range changes {
		for _, fn := range fns {
			fn(c)
		}
	}
}

// recordLocked promotes the mirror to a populated record if needed.
// Caller holds t.mu for writing.
func (t *Twin) recordLocked() Record {
	if p, ok := t.state.(populated); ok {
		return p.record
	}
	rec := t.state.attrs()
	t.state = populated{record: rec}
	return rec
}

func (t *Twin) get(p Property) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.state.attrs()[string(p)]
	return v, ok && v != nil
}

func (t *Twin) number(p Property) (float64, bool) {
	v, ok := t.get(p)
	if !ok {
		return 0, false
	}
	return asFloat(v)
}

// write stores value locally then dispatches it. A twin that has not
// received its attributes yet stays unpopulated; the value is only sent.
// Dispatch failures are logged by the Commander and otherwise dropped.
func (t *Twin) write(p Property, value any) {
	t.mu.Lock()
	if rec, ok := t.state.(populated); ok {
		rec.record[string(p)] = value
	}
	t.mu.Unlock()
	t.send(p, value)
}

func (t *Twin) send(p Property, value any) {
	if t.commander == nil {
		t.logger.Warn("no commander for device, dropping write", "mac", t.mac, "property", p)
		return
	}
	_ = t.commander.SendMachineEvent(t.installationID, t.mac, p, value) //nolint:errcheck // logged by the commander
}

// Name returns the display name.
func (t *Twin) Name() string {
	v, _ := t.get(PropName)
	s, _ := v.(string)
	return s
}

// Units returns the device's native temperature scale, falling back to
// the installation's.
func (t *Twin) Units() Units {
	if n, ok := t.number(PropUnits); ok {
		return Units(int(n))
	}
	return t.fallbackUnits
}

func (t *Twin) toDomain(raw float64) float64 {
	if t.Units() == Fahrenheit {
		return ToCelsius(raw)
	}
	return raw
}

func (t *Twin) toNative(c float64) float64 {
	if t.Units() == Fahrenheit {
		return ToFahrenheit(c)
	}
	return c
}

// temperature reads a raw temperature attribute as Celsius.
func (t *Twin) temperature(p Property) float64 {
	raw, ok := t.number(p)
	if !ok {
		raw = DefaultTemperature(t.Units())
	}
	return t.toDomain(raw)
}

// Power reports whether the unit is on.
func (t *Twin) Power() bool {
	v, ok := t.get(PropPower)
	if !ok {
		return false
	}
	on, _ := asBool(v)
	return on
}

// SetPower switches the unit. Nothing is sent when the value is known
// and unchanged.
func (t *Twin) SetPower(on bool) {
	t.mu.Lock()
	if p, ok := t.state.(populated); ok {
		cur, _ := asBool(p.record[string(PropPower)])
		if cur == on {
			t.mu.Unlock()
			return
		}
		p.record[string(PropPower)] = on
	}
	t.mu.Unlock()
	t.send(PropPower, on)
}

// Mode returns the selected operating mode, or 0 if unknown.
func (t *Twin) Mode() Mode {
	n, _ := t.number(PropMode)
	return Mode(int(n))
}

// SetMode selects an operating mode.
func (t *Twin) SetMode(m Mode) {
	t.write(PropMode, int(m))
}

// RealMode returns the mode the unit is actually running, which differs
// from Mode while auto is deciding between heating and cooling.
func (t *Twin) RealMode() Mode {
	n, _ := t.number(PropRealMode)
	return Mode(int(n))
}

// CurrentTemperature returns the indoor temperature in Celsius.
func (t *Twin) CurrentTemperature() float64 {
	return t.temperature(PropWorkTemp)
}

// ExteriorTemperature returns the outdoor temperature in Celsius.
func (t *Twin) ExteriorTemperature() float64 {
	return t.temperature(PropExtTemp)
}

func setpointFor(m Mode) (Property, bool) {
	switch m {
	case ModeAuto:
		return PropSetpointAuto, true
	case ModeCool:
		return PropSetpointCool, true
	case ModeHeat:
		return PropSetpointHeat, true
	default:
		return "", false
	}
}

// TargetTemperature returns the setpoint of the current mode in Celsius.
// Modes without a setpoint read the default temperature.
func (t *Twin) TargetTemperature() float64 {
	p, ok := setpointFor(t.Mode())
	if !ok {
		return t.toDomain(DefaultTemperature(t.Units()))
	}
	return t.temperature(p)
}

// SetTargetTemperature writes the setpoint of the current mode.
// It is ignored in modes without a setpoint.
func (t *Twin) SetTargetTemperature(c float64) {
	m := t.Mode()
	p, ok := setpointFor(m)
	if !ok {
		t.logger.Warn("mode has no setpoint, ignoring target temperature", "mac", t.mac, "mode", m.String())
		return
	}
	t.write(p, t.toNative(c))
}

// CoolingThreshold returns the cooling setpoint in Celsius.
func (t *Twin) CoolingThreshold() float64 {
	return t.temperature(PropSetpointCool)
}

// SetCoolingThreshold writes the cooling setpoint.
func (t *Twin) SetCoolingThreshold(c float64) {
	t.write(PropSetpointCool, t.toNative(c))
}

// HeatingThreshold returns the heating setpoint in Celsius.
func (t *Twin) HeatingThreshold() float64 {
	return t.temperature(PropSetpointHeat)
}

// SetHeatingThreshold writes the heating setpoint.
func (t *Twin) SetHeatingThreshold(c float64) {
	t.write(PropSetpointHeat, t.toNative(c))
}

// FanSpeed returns the fan speed in percent; FanSpeedAuto means automatic.
func (t *Twin) FanSpeed() int {
	n, ok := t.number(PropSpeedState)
	if !ok {
		return FanSpeedAuto
	}
	return FanCodeToPercent(int(n))
}

// SetFanSpeed writes the fan speed given in percent.
func (t *Twin) SetFanSpeed(pct int) {
	t.write(PropSpeedState, PercentToFanCode(pct))
}

// Louver reports whether the vertical slats swing.
func (t *Twin) Louver() bool {
	n, _ := t.number(PropSlatsVertical)
	return int(n) == LouverSwing
}

// SetLouver enables or disables slat swing.
func (t *Twin) SetLouver(enabled bool) {
	t.write(PropSlatsVertical, LouverCode(enabled))
}

// Snapshot is a typed view of a populated twin.
type Snapshot struct {
	Key                 string  `json:"key"`
	InstallationID      string  `json:"installation_id"`
	Mac                 string  `json:"mac"`
	Name                string  `json:"name"`
	Units               string  `json:"units"`
	Power               bool    `json:"power"`
	Mode                string  `json:"mode"`
	RealMode            string  `json:"real_mode"`
	CurrentTemperature  float64 `json:"current_temperature"`
	ExteriorTemperature float64 `json:"exterior_temperature"`
	TargetTemperature   float64 `json:"target_temperature"`
	CoolingThreshold    float64 `json:"cooling_temperature"`
	HeatingThreshold    float64 `json:"heating_temperature"`
	FanSpeed            int     `json:"fan_speed"`
	Louver              bool    `json:"louver"`
}

// State returns a typed snapshot, or ErrNotPopulated while the twin
// only knows the device's identity.
func (t *Twin) State() (Snapshot, error) {
	if !t.Populated() {
		return Snapshot{}, ErrNotPopulated
	}
	return Snapshot{
		Key:                 t.Key(),
		InstallationID:      t.installationID,
		Mac:                 t.mac,
		Name:                t.Name(),
		Units:               t.Units().String(),
		Power:               t.Power(),
		Mode:                t.Mode().String(),
		RealMode:            t.RealMode().String(),
		CurrentTemperature:  t.CurrentTemperature(),
		ExteriorTemperature: t.ExteriorTemperature(),
		TargetTemperature:   t.TargetTemperature(),
		CoolingThreshold:    t.CoolingThreshold(),
		HeatingThreshold:    t.HeatingThreshold(),
		FanSpeed:            t.FanSpeed(),
		Louver:              t.Louver(),
	}, nil
}
