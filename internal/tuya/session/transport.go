package session

import "context"

// Transport is the byte pipe to one device's GATT characteristics.
//
// Notification and disconnect handlers may be invoked from any goroutine
// and must not be called after Disconnect returns.
type Transport interface {
	// Connect establishes the link and enables notifications.
	Connect(ctx context.Context) error

	// Disconnect tears the link down. Safe to call when not connected.
	Disconnect() error

	// Write sends one frame. Frames of one message are written in order by
	// a single goroutine.
	Write(ctx context.Context, frame []byte) error

	// IsConnected reports the current link state.
	IsConnected() bool

	// SetOnNotify installs the notification handler. The slice is only
	// valid for the duration of the call.
	SetOnNotify(fn func([]byte))

	// SetOnDisconnect installs the link loss handler.
	SetOnDisconnect(fn func(error))
}
