// Package mqtt provides the broker connection the bridge publishes device
// state on and receives commands from.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//
// # Topics
//
//	dkn/state/{mac}     retained device snapshot
//	dkn/devices         retained device list
//	dkn/command/{mac}   inbound commands
//	dkn/ack/{mac}       command outcomes
//	dkn/system/status   online/offline, also the LWT
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllDeviceCommands(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("command for %s: %s", mqtt.MacFromTopic(topic), payload)
//	        return nil
//	    })
package mqtt
