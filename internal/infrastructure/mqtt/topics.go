package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every topic the bridge publishes or consumes.
const TopicPrefix = "dkn"

// Topics provides builders for the bridge's MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.DeviceState("aa:bb:cc:dd:ee:ff")
//	// Returns: "dkn/state/aa:bb:cc:dd:ee:ff"
type Topics struct{}

// DeviceState is the retained snapshot topic for one device.
func (Topics) DeviceState(mac string) string {
	return fmt.Sprintf("%s/state/%s", TopicPrefix, mac)
}

// DeviceCommand is where clients publish commands for one device.
func (Topics) DeviceCommand(mac string) string {
	return fmt.Sprintf("%s/command/%s", TopicPrefix, mac)
}

// DeviceAck carries the outcome of each command.
func (Topics) DeviceAck(mac string) string {
	return fmt.Sprintf("%s/ack/%s", TopicPrefix, mac)
}

// Devices is the retained list of known devices.
func (Topics) Devices() string {
	return TopicPrefix + "/devices"
}

// SystemStatus carries the bridge's online/offline status and its LWT.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// AllDeviceCommands matches DeviceCommand for every device.
func (Topics) AllDeviceCommands() string {
	return TopicPrefix + "/command/+"
}

// MacFromTopic returns the last topic level, which carries the device mac
// for the state, command and ack topics.
func MacFromTopic(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
