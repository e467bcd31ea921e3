// Package tuya is the consumer-facing layer over the protocol engine.
//
// A Device binds one protocol session to a product schema and exposes
// named datapoints through GetDatapoint, SetDatapoint and Subscribe.
// Callers never see frames, sequence numbers or the command queue.
// A Manager holds the configured devices and starts and stops them.
package tuya
