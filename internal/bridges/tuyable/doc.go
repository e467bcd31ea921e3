// Package tuyable bridges Tuya BLE devices to MQTT.
//
// Topic layout under the configured prefix (default "tuyable"):
//
//	command/{device}/{datapoint}   in: datapoint write, {"id":..,"value":..} or a bare value
//	ack/{device}/{datapoint}       out: completed, failed or timeout with an error code
//	state/{device}                 out, retained: every known datapoint by name
//	event/{device}                 out: button_press, connected, disconnected
//	request/{request_id}           in: read_state, read_datapoint, read_all, refresh
//	response/{request_id}          out: request result
//	health                         out, retained: bridge health, also the Last Will
//
// Raw datapoints are carried as hex strings and bitmaps as integers, the
// same forms commands accept.
//
// Writes to one device are queued and executed in order. The ack is
// published once the device acknowledges the write or the session gives
// up after its retries.
//
// State and event messages are produced by device callbacks on the
// session goroutine. They go through a bounded queue to one publish
// worker, so a slow broker never delays the protocol session.
package tuyable
