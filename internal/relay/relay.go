package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nerrad567/dkn-bridge/internal/cloud"
	"github.com/nerrad567/dkn-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/dkn-bridge/internal/infrastructure/mqtt"
)

const (
	stateQoS   byte = 1
	commandQoS byte = 1
)

// MQTTClient is the subset of *mqtt.Client the relay uses.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Source provides the twin registry; *cloud.Manager satisfies it.
type Source interface {
	Devices() []*cloud.Twin
	Device(mac string) (*cloud.Twin, bool)
	OnDevicesChanged(fn func([]*cloud.Twin)) func()
}

// Telemetry records device readings; *influxdb.Client satisfies it.
type Telemetry interface {
	WriteDeviceTelemetry(d influxdb.DeviceTelemetry)
}

// Logger is the subset of logging.Logger the relay needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options configures a Relay.
type Options struct {
	Source Source
	MQTT   MQTTClient

	// Telemetry is optional.
	Telemetry Telemetry
	Logger    Logger
}

// Stats counts relay activity since start.
type Stats struct {
	StatePublishes   uint64
	CommandsApplied  uint64
	CommandsRejected uint64
	PublishErrors    uint64
	TrackedDevices   int
}

// tracked is a twin the relay has subscribed to.
type tracked struct {
	twin        *cloud.Twin
	unsubscribe func()
}

// Relay bridges the twin registry to MQTT.
//
// Thread Safety: All methods are safe for concurrent use.
type Relay struct {
	source    Source
	mqtt      MQTTClient
	telemetry Telemetry
	logger    Logger

	mu      sync.Mutex
	devices map[string]tracked // by mac
	stopFn  func()
	started bool

	statePublishes   atomic.Uint64
	commandsApplied  atomic.Uint64
	commandsRejected atomic.Uint64
	publishErrors    atomic.Uint64
}

// New creates a relay. Call Start to begin relaying.
func New(opts Options) (*Relay, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("relay: source is required")
	}
	if opts.MQTT == nil {
		return nil, fmt.Errorf("relay: MQTT client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &Relay{
		source:    opts.Source,
		mqtt:      opts.MQTT,
		telemetry: opts.Telemetry,
		logger:    logger,
		devices:   make(map[string]tracked),
	}, nil
}

// Start subscribes to the command topic, registers for devices-changed
// notifications and publishes the current twin set.
func (r *Relay) Start() error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.mu.Unlock()

	topic := mqtt.Topics{}.AllDeviceCommands()
	if err := r.mqtt.Subscribe(topic, commandQoS, r.handleCommand); err != nil {
		r.mu.Lock()
		r.started = false
		r.mu.Unlock()
		return fmt.Errorf("subscribe to commands: %w", err)
	}

	stop := r.source.OnDevicesChanged(r.Sync)
	r.mu.Lock()
	r.stopFn = stop
	r.mu.Unlock()

	r.Sync(r.source.Devices())
	r.logger.Info("relay started", "topic", topic)
	return nil
}

// Stop drops every twin subscription and the command subscription.
// Retained state stays on the broker.
func (r *Relay) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	stop := r.stopFn
	r.stopFn = nil
	for mac, d := range r.devices {
		d.unsubscribe()
		delete(r.devices, mac)
	}
	r.mu.Unlock()

	if stop != nil {
		stop()
	}
	if err := r.mqtt.Unsubscribe(mqtt.Topics{}.AllDeviceCommands()); err != nil {
		r.logger.Warn("unsubscribe from commands failed", "error", err)
	}
	r.logger.Info("relay stopped")
}

// Sync reconciles the relay with a twin set: new twins are subscribed and
// published, twins no longer present are unsubscribed and their retained
// state cleared. The device list is republished every time.
func (r *Relay) Sync(twins []*cloud.Twin) {
	current := make(map[string]*cloud.Twin, len(twins))
	for _, t := range twins {
		current[t.Mac()] = t
	}

	var added []*cloud.Twin
	var cleared []string

	r.mu.Lock()
	for mac, d := range r.devices {
		t, ok := current[mac]
		if ok && t == d.twin {
			continue
		}
		d.unsubscribe()
		delete(r.devices, mac)
		if !ok {
			cleared = append(cleared, mac)
		}
	}
	for _, t := range twins {
		if _, ok := r.devices[t.Mac()]; ok {
			continue
		}
		r.devices[t.Mac()] = tracked{twin: t, unsubscribe: t.Subscribe(r.onChange(t))}
		added = append(added, t)
	}
	r.mu.Unlock()

	for _, mac := range cleared {
		r.publish(mqtt.Topics{}.DeviceState(mac), nil)
		r.logger.Debug("device state cleared", "mac", mac)
	}
	for _, t := range added {
		r.publishState(t)
	}

	payload, err := json.Marshal(deviceList(twins))
	if err != nil {
		r.logger.Error("encoding device list failed", "error", err)
		return
	}
	r.publish(mqtt.Topics{}.Devices(), payload)
}

func (r *Relay) onChange(t *cloud.Twin) func(cloud.Change) {
	return func(c cloud.Change) {
		r.logger.Debug("device changed", "mac", t.Mac(), "key", string(c.Key))
		r.publishState(t)
		r.recordTelemetry(t)
	}
}

// publishState sends the retained snapshot. Unpopulated twins have no
// snapshot yet and are skipped.
func (r *Relay) publishState(t *cloud.Twin) {
	state, err := t.State()
	if errors.Is(err, cloud.ErrNotPopulated) {
		return
	}
	payload, err := json.Marshal(state)
	if err != nil {
		r.logger.Error("encoding device state failed", "mac", t.Mac(), "error", err)
		return
	}
	if r.publish(mqtt.Topics{}.DeviceState(t.Mac()), payload) {
		r.statePublishes.Add(1)
	}
}

func (r *Relay) recordTelemetry(t *cloud.Twin) {
	if r.telemetry == nil {
		return
	}
	state, err := t.State()
	if err != nil {
		return
	}
	mode := int(t.Mode())
	r.telemetry.WriteDeviceTelemetry(influxdb.DeviceTelemetry{
		Mac:                 state.Mac,
		InstallationID:      state.InstallationID,
		Power:               &state.Power,
		Mode:                &mode,
		CurrentTemperature:  &state.CurrentTemperature,
		ExteriorTemperature: &state.ExteriorTemperature,
		TargetTemperature:   &state.TargetTemperature,
		FanSpeed:            &state.FanSpeed,
	})
}

// publish sends a retained message; a nil payload clears the topic.
func (r *Relay) publish(topic string, payload []byte) bool {
	if err := r.mqtt.Publish(topic, payload, stateQoS, true); err != nil {
		r.publishErrors.Add(1)
		r.logger.Warn("publish failed", "topic", topic, "error", err)
		return false
	}
	return true
}

// handleCommand applies a command from dkn/command/{mac} and acks it.
func (r *Relay) handleCommand(topic string, payload []byte) error {
	mac := mqtt.MacFromTopic(topic)

	cmd, err := decodeCommand(payload)
	if err == nil {
		err = r.Execute(mac, cmd)
	}
	if err != nil {
		r.commandsRejected.Add(1)
		r.logger.Warn("command rejected", "mac", mac, "command_id", cmd.ID, "error", err)
	} else {
		r.commandsApplied.Add(1)
		r.logger.Info("command applied", "mac", mac, "command_id", cmd.ID)
	}

	ack, mErr := json.Marshal(newAck(cmd.ID, mac, err))
	if mErr != nil {
		return fmt.Errorf("encoding ack: %w", mErr)
	}
	if pErr := r.mqtt.Publish(mqtt.Topics{}.DeviceAck(mac), ack, commandQoS, false); pErr != nil {
		r.publishErrors.Add(1)
		return fmt.Errorf("publishing ack: %w", pErr)
	}
	return nil
}

// Execute applies cmd to the twin tracked for mac.
func (r *Relay) Execute(mac string, cmd cloud.Command) error {
	t, ok := r.source.Device(mac)
	if !ok {
		return fmt.Errorf("%w: %s", cloud.ErrUnknownDevice, mac)
	}
	return cmd.Apply(t)
}

// Stats returns the relay counters.
func (r *Relay) Stats() Stats {
	r.mu.Lock()
	n := len(r.devices)
	r.mu.Unlock()
	return Stats{
		StatePublishes:   r.statePublishes.Load(),
		CommandsApplied:  r.commandsApplied.Load(),
		CommandsRejected: r.commandsRejected.Load(),
		PublishErrors:    r.publishErrors.Load(),
		TrackedDevices:   n,
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
