package tuya

import "errors"

// Domain errors for the device layer.
var (
	// ErrUnknownDevice is returned when no device has the requested id.
	ErrUnknownDevice = errors.New("tuya: unknown device")

	// ErrDuplicateDevice is returned when a device id is added twice.
	ErrDuplicateDevice = errors.New("tuya: duplicate device")

	// ErrUnknownDatapoint is returned when a name resolves to no schema
	// field and the device has not reported that datapoint yet, so its
	// type is unknown.
	ErrUnknownDatapoint = errors.New("tuya: unknown datapoint")

	// ErrReadOnly is returned when writing a read-only datapoint.
	ErrReadOnly = errors.New("tuya: datapoint is read-only")

	// ErrInvalidValue is returned when a value cannot be converted to the
	// datapoint's type.
	ErrInvalidValue = errors.New("tuya: invalid value")

	// ErrNotSupported is returned when the product lacks the requested
	// function.
	ErrNotSupported = errors.New("tuya: not supported by product")
)
