package session

import (
	"errors"
	"fmt"
)

// Domain errors for the session package.
var (
	// ErrTimeout is returned when a command is not acknowledged after all
	// retries.
	ErrTimeout = errors.New("session: command timed out")

	// ErrDisconnected is returned when the link is lost (or cannot be
	// established) while a command is pending or queued.
	ErrDisconnected = errors.New("session: device disconnected")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("session: already started")

	// ErrInvalidConfig is returned when the session configuration is invalid.
	ErrInvalidConfig = errors.New("session: invalid configuration")
)

// ErrRejected is returned when the device acknowledges a command with a
// non-zero status. It wraps ErrTimeout so callers that only distinguish
// timeouts from disconnects treat it as a recoverable failure.
var ErrRejected = fmt.Errorf("%w: rejected by device", ErrTimeout)

// errClosed resolves commands still outstanding when the session closes.
var errClosed = fmt.Errorf("%w: session closed", ErrDisconnected)
