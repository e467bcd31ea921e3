package ble

import "errors"

// Domain errors for the ble package.
var (
	// ErrNotConnected is returned by Write when the link is down.
	ErrNotConnected = errors.New("ble: not connected")

	// ErrDeviceNotFound is returned when a scan ends without seeing the
	// device.
	ErrDeviceNotFound = errors.New("ble: device not found")

	// ErrServiceNotFound is returned when the device lacks the Tuya GATT
	// service or one of its characteristics.
	ErrServiceNotFound = errors.New("ble: tuya service not found")

	// ErrLinkLost is reported to the disconnect handler when the device
	// drops the connection.
	ErrLinkLost = errors.New("ble: link lost")
)
