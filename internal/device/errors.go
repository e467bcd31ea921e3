package device

import "errors"

// Inventory errors, matched with errors.Is. The api reads
// ErrDeviceNotFound as "never seen" rather than a failure.
var (
	ErrDeviceNotFound = errors.New("device: not in inventory")

	// ErrDeviceExists covers both a duplicate id and a BLE address already
	// assigned to another device.
	ErrDeviceExists = errors.New("device: already in inventory")

	ErrInvalidDevice  = errors.New("device: invalid")
	ErrInvalidAddress = errors.New("device: address is not a BLE MAC")
	ErrInvalidName    = errors.New("device: name too long")
)
