// Package mqtt provides MQTT client connectivity for the AV bridge.
//
// This package manages:
//   - Connection to the Mosquitto broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//
// # Architecture
//
// The bridge talks to the receiver over TCP and to the rest of the
// home-automation system over MQTT:
//
//	JBL receiver ↔ jblav bridge ↔ MQTT broker ↔ Gray Logic Core
//
// The bridge registers its offline health message as the LWT, so a
// crashed bridge shows up on graylogic/health/jblav without any polling.
//
// # Security Considerations
//
//   - TLS should be enabled for brokers outside the local host (cfg.Broker.TLS=true)
//   - Credentials are validated against the broker ACL
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, &mqtt.Will{Topic: topic, Payload: payload, QoS: 1})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	bridge, err := jblav.NewBridge(jblav.BridgeOptions{MQTTClient: client.ForBridge(), ...})
package mqtt
