// Package mqtt is the bridge's broker connection.
//
// Client wraps paho.mqtt.golang with the pieces the bridge relies on: a
// retained presence record plus Last Will on the health topic,
// subscriptions that survive reconnects, and handlers that cannot take the
// client down with a panic. Topics builds the tuyable topic tree.
//
// Enable cfg.Broker.TLS when the broker is reachable beyond the local
// network; payloads carry device state in clear JSON.
package mqtt
