// Package influxdb records device telemetry in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library: connection
// management, batched non-blocking writes and health checks. Every allow-
// listed change on a device produces one dkn_device point tagged with the
// device mac and its installation.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteDeviceTelemetry(influxdb.DeviceTelemetry{Mac: mac, InstallationID: id, Power: &on})
//
// Write errors are delivered asynchronously to the SetOnError callback;
// connection and health check errors are returned directly.
package influxdb
