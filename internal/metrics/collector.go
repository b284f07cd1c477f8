// Package metrics exposes the bridge session and device twins as
// Prometheus metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/dkn-bridge/internal/cloud"
	"github.com/nerrad567/dkn-bridge/internal/relay"
)

// SessionSource is satisfied by *cloud.Manager.
type SessionSource interface {
	Status() cloud.Status
	Devices() []*cloud.Twin
}

// RelaySource is satisfied by *relay.Relay.
type RelaySource interface {
	Stats() relay.Stats
}

var sessionStates = []cloud.State{
	cloud.StateDisconnected,
	cloud.StateAuthenticating,
	cloud.StateAuthenticated,
	cloud.StateLive,
}

// Collector reads the session and twin registry on every scrape.
type Collector struct {
	session SessionSource
	relay   RelaySource

	// mu serialises scrapes; the device vectors are reset on each one.
	mu sync.Mutex

	state         *prometheus.GaugeVec
	authenticated prometheus.Gauge
	reconnecting  prometheus.Gauge
	attempt       prometheus.Gauge
	installations prometheus.Gauge
	devices       prometheus.Gauge
	channels      prometheus.Gauge

	populated   *prometheus.GaugeVec
	power       *prometheus.GaugeVec
	mode        *prometheus.GaugeVec
	temperature *prometheus.GaugeVec
	target      *prometheus.GaugeVec
	fanSpeed    *prometheus.GaugeVec

	statePublishes   *prometheus.Desc
	commandsApplied  *prometheus.Desc
	commandsRejected *prometheus.Desc
	publishErrors    *prometheus.Desc
}

// NewCollector builds a collector. relay may be nil when MQTT is disabled.
func NewCollector(session SessionSource, relay RelaySource) *Collector {
	device := []string{"mac", "installation", "name"}
	return &Collector{
		session: session,
		relay:   relay,
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dkn_session_state",
			Help: "Cloud session state (1 for the current state)",
		}, []string{"state"}),
		authenticated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dkn_session_authenticated",
			Help: "Whether the cloud session holds valid tokens (1=yes, 0=no)",
		}),
		reconnecting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dkn_session_reconnecting",
			Help: "Whether a reconnection is scheduled (1=yes, 0=no)",
		}),
		attempt: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dkn_session_reconnect_attempt",
			Help: "Current reconnection attempt counter",
		}),
		installations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dkn_installations",
			Help: "Installations returned by the last listing",
		}),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dkn_devices",
			Help: "Device twins in the registry",
		}),
		channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dkn_channels",
			Help: "Open per-installation channels",
		}),
		populated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dkn_device_populated",
			Help: "Whether the twin has received device data (1=yes, 0=no)",
		}, device),
		power: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dkn_device_power",
			Help: "Unit power (1=on, 0=off)",
		}, device),
		mode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dkn_device_mode",
			Help: "Selected operating mode (1 for the active mode)",
		}, append(device, "mode")),
		temperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dkn_device_temperature_celsius",
			Help: "Reported temperature (celsius)",
		}, append(device, "sensor")),
		target: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dkn_device_target_temperature_celsius",
			Help: "Setpoint for the selected mode (celsius)",
		}, device),
		fanSpeed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dkn_device_fan_speed_percent",
			Help: "Fan speed (percent, 50 when automatic)",
		}, device),
		statePublishes: prometheus.NewDesc("dkn_relay_state_publishes_total",
			"Device snapshots published to MQTT", nil, nil),
		commandsApplied: prometheus.NewDesc("dkn_relay_commands_applied_total",
			"Commands applied to a device", nil, nil),
		commandsRejected: prometheus.NewDesc("dkn_relay_commands_rejected_total",
			"Commands rejected as malformed, invalid or for an unknown device", nil, nil),
		publishErrors: prometheus.NewDesc("dkn_relay_publish_errors_total",
			"Failed MQTT publishes", nil, nil),
	}
}

func (c *Collector) gauges() []prometheus.Collector {
	return []prometheus.Collector{
		c.state, c.authenticated, c.reconnecting, c.attempt,
		c.installations, c.devices, c.channels,
		c.populated, c.power, c.mode, c.temperature, c.target, c.fanSpeed,
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, g := range c.gauges() {
		g.Describe(ch)
	}
	if c.relay != nil {
		ch <- c.statePublishes
		ch <- c.commandsApplied
		ch <- c.commandsRejected
		ch <- c.publishErrors
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := c.session.Status()
	for _, s := range sessionStates {
		c.state.WithLabelValues(s.String()).Set(boolToFloat(status.State == s.String()))
	}
	c.authenticated.Set(boolToFloat(status.Authenticated))
	c.reconnecting.Set(boolToFloat(status.Reconnecting))
	c.attempt.Set(float64(status.ReconnectAttempt))
	c.installations.Set(float64(status.Installations))
	c.devices.Set(float64(status.Devices))
	c.channels.Set(float64(status.Channels))

	c.populated.Reset()
	c.power.Reset()
	c.mode.Reset()
	c.temperature.Reset()
	c.target.Reset()
	c.fanSpeed.Reset()

	for _, t := range c.session.Devices() {
		labels := prometheus.Labels{
			"mac":          t.Mac(),
			"installation": t.InstallationID(),
			"name":         t.Name(),
		}
		st, err := t.State()
		if err != nil {
			c.populated.With(labels).Set(0)
			continue
		}
		c.populated.With(labels).Set(1)
		c.power.With(labels).Set(boolToFloat(st.Power))
		c.mode.WithLabelValues(st.Mac, st.InstallationID, st.Name, st.Mode).Set(1)
		c.temperature.WithLabelValues(st.Mac, st.InstallationID, st.Name, "current").Set(st.CurrentTemperature)
		c.temperature.WithLabelValues(st.Mac, st.InstallationID, st.Name, "exterior").Set(st.ExteriorTemperature)
		c.target.With(labels).Set(st.TargetTemperature)
		c.fanSpeed.With(labels).Set(float64(st.FanSpeed))
	}

	for _, g := range c.gauges() {
		g.Collect(ch)
	}

	if c.relay != nil {
		s := c.relay.Stats()
		ch <- prometheus.MustNewConstMetric(c.statePublishes, prometheus.CounterValue, float64(s.StatePublishes))
		ch <- prometheus.MustNewConstMetric(c.commandsApplied, prometheus.CounterValue, float64(s.CommandsApplied))
		ch <- prometheus.MustNewConstMetric(c.commandsRejected, prometheus.CounterValue, float64(s.CommandsRejected))
		ch <- prometheus.MustNewConstMetric(c.publishErrors, prometheus.CounterValue, float64(s.PublishErrors))
	}
}

func boolToFloat(value bool) float64 {
	if value {
		return 1
	}
	return 0
}
