package cloud

import "math"

// Fallback temperatures used when a device has not reported a value.
const (
	DefaultTemperatureC = 22.2
	DefaultTemperatureF = 72.0
)

// FanSpeedAuto is the percentage reported for the automatic fan code.
// It sits between manual steps so it never collides with one.
const FanSpeedAuto = 50

// Louver codes for slats_vertical_1.
const (
	LouverSwing = 9
	LouverFixed = 0
)

// Fan speed codes.
const (
	fanCodeAuto = 0
	fanCodeMin  = 2
	fanCodeMax  = 6
)

// roundHalfUp rounds x to the nearest integer, halves towards +Inf.
func roundHalfUp(x float64) float64 {
	return math.Floor(x + 0.5)
}

// ToCelsius converts Fahrenheit to Celsius rounded to one decimal.
func ToCelsius(f float64) float64 {
	return roundHalfUp((f-32)*5/9*10) / 10
}

// ToFahrenheit converts Celsius to whole degrees Fahrenheit.
func ToFahrenheit(c float64) float64 {
	return roundHalfUp(c*9/5 + 32)
}

// DefaultTemperature returns the fallback temperature in units.
func DefaultTemperature(units Units) float64 {
	if units == Fahrenheit {
		return DefaultTemperatureF
	}
	return DefaultTemperatureC
}

// FanCodeToPercent maps a vendor fan code to a percentage.
// Unknown codes read as automatic.
func FanCodeToPercent(code int) int {
	if code < fanCodeMin || code > fanCodeMax {
		return FanSpeedAuto
	}
	return (code - 1) * 20
}

// PercentToFanCode maps a percentage to the nearest vendor fan code.
func PercentToFanCode(pct int) int {
	if pct == FanSpeedAuto {
		return fanCodeAuto
	}
	code := int(roundHalfUp(float64(pct)/20)) + 1
	return max(fanCodeMin, min(fanCodeMax, code))
}

// LouverCode maps the swing flag to the vendor louver code.
func LouverCode(enabled bool) int {
	if enabled {
		return LouverSwing
	}
	return LouverFixed
}

// asFloat reads a numeric attribute in any of the shapes it may hold.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint8:
		return float64(n), true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// asBool reads a boolean attribute. Numeric 0/1 are accepted.
func asBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	default:
		if f, ok := asFloat(v); ok {
			return f != 0, true
		}
		return false, false
	}
}
