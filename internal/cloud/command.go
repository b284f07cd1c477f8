package cloud

import (
	"fmt"
	"math"
)

// Accepted ranges for command values, in domain units.
const (
	minSetpointC = 10.0
	maxSetpointC = 35.0
)

// Command is a set of attribute writes addressed to one twin. Nil fields
// are left untouched. It is the shared body of MQTT and HTTP commands.
type Command struct {
	ID                 string   `json:"id,omitempty"`
	Power              *bool    `json:"power,omitempty"`
	Mode               *Mode    `json:"mode,omitempty"`
	TargetTemperature  *float64 `json:"target_temperature,omitempty"`
	CoolingTemperature *float64 `json:"cooling_temperature,omitempty"`
	HeatingTemperature *float64 `json:"heating_temperature,omitempty"`
	FanSpeed           *int     `json:"fan_speed,omitempty"`
	Louver             *bool    `json:"louver,omitempty"`
}

// Empty reports whether the command carries no writes.
func (c Command) Empty() bool {
	return c.Power == nil && c.Mode == nil && c.TargetTemperature == nil &&
		c.CoolingTemperature == nil && c.HeatingTemperature == nil &&
		c.FanSpeed == nil && c.Louver == nil
}

// Validate checks every present field.
func (c Command) Validate() error {
	if c.Empty() {
		return fmt.Errorf("%w: no fields set", ErrInvalidCommand)
	}
	if c.Mode != nil && !c.Mode.Valid() {
		return fmt.Errorf("%w: unknown mode %d", ErrInvalidCommand, int(*c.Mode))
	}
	for name, v := range map[string]*float64{
		"target_temperature":  c.TargetTemperature,
		"cooling_temperature": c.CoolingTemperature,
		"heating_temperature": c.HeatingTemperature,
	} {
		if v == nil {
			continue
		}
		if math.IsNaN(*v) || *v < minSetpointC || *v > maxSetpointC {
			return fmt.Errorf("%w: %s %.1f outside %.0f..%.0f", ErrInvalidCommand, name, *v, minSetpointC, maxSetpointC)
		}
	}
	if c.FanSpeed != nil && (*c.FanSpeed < 0 || *c.FanSpeed > 100) {
		return fmt.Errorf("%w: fan_speed %d outside 0..100", ErrInvalidCommand, *c.FanSpeed)
	}
	return nil
}

// Apply validates the command and runs the matching twin setters.
// Power and mode go first so a new target lands on the right setpoint.
func (c Command) Apply(t *Twin) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Power != nil {
		t.SetPower(*c.Power)
	}
	if c.Mode != nil {
		t.SetMode(*c.Mode)
	}
	if c.TargetTemperature != nil {
		t.SetTargetTemperature(*c.TargetTemperature)
	}
	if c.CoolingTemperature != nil {
		t.SetCoolingThreshold(*c.CoolingTemperature)
	}
	if c.HeatingTemperature != nil {
		t.SetHeatingThreshold(*c.HeatingTemperature)
	}
	if c.FanSpeed != nil {
		t.SetFanSpeed(*c.FanSpeed)
	}
	if c.Louver != nil {
		t.SetLouver(*c.Louver)
	}
	return nil
}
