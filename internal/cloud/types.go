package cloud

import "strconv"

// Units is the temperature scale a device or installation reports in.
type Units int

// Vendor unit codes.
const (
	Celsius    Units = 0
	Fahrenheit Units = 1
)

func (u Units) String() string {
	if u == Fahrenheit {
		return "fahrenheit"
	}
	return "celsius"
}

// Mode is the vendor operating mode code.
type Mode int

// Vendor mode codes.
const (
	ModeAuto Mode = 1
	ModeCool Mode = 2
	ModeHeat Mode = 3
	ModeFan  Mode = 4
	ModeDry  Mode = 5
)

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeCool:
		return "cool"
	case ModeHeat:
		return "heat"
	case ModeFan:
		return "fan"
	case ModeDry:
		return "dry"
	default:
		return "mode(" + strconv.Itoa(int(m)) + ")"
	}
}

// Valid reports whether m is a known vendor mode.
func (m Mode) Valid() bool {
	return m >= ModeAuto && m <= ModeDry
}

// Property names a vendor device attribute.
type Property string

// Device attributes read or written by the bridge.
const (
	PropName          Property = "name"
	PropMac           Property = "mac"
	PropUnits         Property = "units"
	PropPower         Property = "power"
	PropMode          Property = "mode"
	PropRealMode      Property = "real_mode"
	PropWorkTemp      Property = "work_temp"
	PropExtTemp       Property = "ext_temp"
	PropSetpointAuto  Property = "setpoint_air_auto"
	PropSetpointCool  Property = "setpoint_air_cool"
	PropSetpointHeat  Property = "setpoint_air_heat"
	PropSpeedState    Property = "speed_state"
	PropSlatsVertical Property = "slats_vertical_1"
)

// notifiedProperties is the closed set of attributes whose patches are
// announced to subscribers, in announcement order.
var notifiedProperties = []Property{
	PropPower,
	PropMode,
	PropRealMode,
	PropWorkTemp,
	PropExtTemp,
	PropSetpointAuto,
	PropSetpointCool,
	PropSetpointHeat,
	PropSpeedState,
	PropSlatsVertical,
}

// Notified reports whether patches to p produce change notifications.
func (p Property) Notified() bool {
	for _, n := range notifiedProperties {
		if n == p {
			return true
		}
	}
	return false
}

// Record is the raw attribute bag the vendor sends for one device.
// Values keep their JSON-decoded shape (float64, bool, string, ...).
type Record map[string]any

// Installation is one entry of the installations listing.
type Installation struct {
	ID         string   `json:"_id"`
	Name       string   `json:"name"`
	TimezoneID string   `json:"timezoneId"`
	Units      Units    `json:"units"`
	Devices    []Record `json:"devices"`
}

// Tokens is a vendor access/refresh token pair.
type Tokens struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

// Login is the body returned by the login and session-probe endpoints.
type Login struct {
	ID    string `json:"_id"`
	Email string `json:"email"`
	Tokens
	Data struct {
		Name     string `json:"name"`
		Lastname string `json:"lastName"`
	} `json:"data"`
}

// LoginRequest is the body of the login endpoint.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// DeviceData is the payload of the "device-data" channel event.
type DeviceData struct {
	Mac  string `json:"mac"`
	Data Record `json:"data"`
}

// MachineEvent is the payload of the outbound "create-machine-event".
type MachineEvent struct {
	Mac      string `json:"mac"`
	Property string `json:"property"`
	Value    any    `json:"value"`
}

// InstallationDeleted is the payload of "control-deleted-installation".
type InstallationDeleted struct {
	InstallationID string `json:"installation_id"`
}

// DeviceControl is the payload of "control-deleted-device" and
// "control-new-device".
type DeviceControl struct {
	InstallationID string `json:"installation_id"`
	Mac            string `json:"mac"`
}

// Channel event names.
const (
	EventDeviceData          = "device-data"
	EventDeletedInstallation = "control-deleted-installation"
	EventDeletedDevice       = "control-deleted-device"
	EventNewDevice           = "control-new-device"
	EventCreateMachineEvent  = "create-machine-event"
)
