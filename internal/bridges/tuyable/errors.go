package tuyable

import "errors"

// Domain errors for the bridge package.
var (
	// ErrMissingDependency is returned by NewBridge when a required option
	// is nil.
	ErrMissingDependency = errors.New("bridge: missing dependency")

	// ErrInvalidTopic is returned for messages on topics the bridge does
	// not serve.
	ErrInvalidTopic = errors.New("bridge: invalid topic")

	// ErrInvalidPayload is returned when a message body cannot be parsed.
	ErrInvalidPayload = errors.New("bridge: invalid payload")

	// ErrBusy is returned when a device's command queue is full.
	ErrBusy = errors.New("bridge: device command queue full")
)
