// Package relay mirrors the cloud device twins onto the MQTT bus and
// InfluxDB.
//
// For every live twin the relay keeps a retained snapshot on
// dkn/state/{mac}, refreshed on each change notification, and clears it
// when the twin leaves the registry. The retained dkn/devices list follows
// every devices-changed notification. Commands published on
// dkn/command/{mac} are applied to the matching twin and answered on
// dkn/ack/{mac}. When a telemetry sink is configured each change also
// records a dkn_device point.
package relay
