// Package mcptools exposes managed devices as Model Context Protocol tools
// over stdio.
//
// Tools:
//   - list_devices: every device with connection status
//   - get_device: one device with its schema and reported datapoints
//   - get_datapoint: one datapoint by name or numeric id
//   - set_datapoint: write a datapoint and wait for the device ack
//   - refresh_device: ask a device to report all datapoints
//
// Tool failures are returned as error results carrying the same codes the
// MQTT bridge and HTTP API use (timeout, disconnected, unknown_datapoint
// and so on), so an assistant can react to them.
package mcptools
