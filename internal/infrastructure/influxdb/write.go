package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// MeasurementDevice holds one point per device state change.
const MeasurementDevice = "dkn_device"

// DeviceTelemetry is one snapshot of an HVAC unit's readings.
//
// Nil fields are omitted from the point, so a device that has not reported
// a value yet does not record a zero.
type DeviceTelemetry struct {
	Mac            string
	InstallationID string

	Power               *bool
	Mode                *int
	CurrentTemperature  *float64
	ExteriorTemperature *float64
	TargetTemperature   *float64
	FanSpeed            *int

	// Time defaults to now.
	Time time.Time
}

// Fields returns the point fields for the non-nil readings.
func (d DeviceTelemetry) Fields() map[string]any {
	fields := make(map[string]any, 6)
	if d.Power != nil {
		fields["power"] = *d.Power
	}
	if d.Mode != nil {
		fields["mode"] = int64(*d.Mode)
	}
	if d.CurrentTemperature != nil {
		fields["current_temperature"] = *d.CurrentTemperature
	}
	if d.ExteriorTemperature != nil {
		fields["exterior_temperature"] = *d.ExteriorTemperature
	}
	if d.TargetTemperature != nil {
		fields["target_temperature"] = *d.TargetTemperature
	}
	if d.FanSpeed != nil {
		fields["fan_speed"] = int64(*d.FanSpeed)
	}
	return fields
}

// WriteDeviceTelemetry queues a dkn_device point tagged with mac and
// installation. Points without any field are dropped.
func (c *Client) WriteDeviceTelemetry(d DeviceTelemetry) {
	if !c.IsConnected() {
		return
	}
	fields := d.Fields()
	if len(fields) == 0 {
		return
	}
	ts := d.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementDevice,
		map[string]string{
			"mac":          d.Mac,
			"installation": d.InstallationID,
		},
		fields,
		ts,
	))
}

// WritePoint queues a point with explicit tags and fields.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}
