// Package api implements the HTTP API and live state stream of the bridge.
//
// This package provides:
//   - Health reporting for the cloud session and local infrastructure
//   - Device twin listing and detail endpoints
//   - A command endpoint sharing the MQTT command body
//   - A WebSocket stream of twin changes
//   - Prometheus exposition on /metrics
//
// # Architecture
//
// The server reads the twin registry held by the cloud session and routes
// commands through the relay when one is configured. State flows the other
// way: twin change notifications are pushed to WebSocket clients
// subscribed to the matching channel.
//
// # Graceful Degradation
//
// The server runs without MQTT or InfluxDB. Commands are then applied
// directly to the twin and health reports the missing component.
package api
