package datapoint

import "errors"

// Domain errors for the datapoint package.
var (
	// ErrTypeMismatch is returned when an update's type differs from the
	// type first recorded for that datapoint id, or when a Go value does not
	// match the declared type.
	ErrTypeMismatch = errors.New("datapoint: type mismatch")

	// ErrUnknownType is returned for a type tag outside the supported set.
	ErrUnknownType = errors.New("datapoint: unknown type")

	// ErrInvalidValue is returned when a value is outside the range its
	// type allows (for example a bitmap wider than its declared width).
	ErrInvalidValue = errors.New("datapoint: invalid value")
)
