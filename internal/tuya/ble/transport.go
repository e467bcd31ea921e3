package ble

import (
	"context"
	"fmt"
	"sync"

	"github.com/nerrad567/tuyable/internal/tuya/session"
)

// link is one prepared GATT connection.
type link interface {
	send(frame []byte) error
	close() error
}

// Transport is the link to one device.
//
// Thread Safety: All methods are safe for concurrent use.
type Transport struct {
	address string
	dial    func(ctx context.Context) (link, error)

	mu   sync.Mutex
	conn link

	// dialing is set while Connect runs; droppedDuringDial records a radio
	// disconnect seen before the new link was stored.
	dialing           bool
	droppedDuringDial bool

	callbackMu   sync.RWMutex
	onNotify     func([]byte)
	onDisconnect func(error)

	logger Logger
}

var _ session.Transport = (*Transport)(nil)

func newTransport(address string, logger Logger) *Transport {
	return &Transport{address: address, logger: logger}
}

// Address returns the device address in full form.
func (t *Transport) Address() string {
	return t.address
}

// Connect finds the device, connects and enables notifications.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	t.dialing = true
	t.droppedDuringDial = false
	t.mu.Unlock()

	t.logDebug("connecting")
	l, err := t.dial(ctx)

	t.mu.Lock()
	dropped := t.droppedDuringDial
	t.dialing = false
	t.droppedDuringDial = false
	if err == nil && !dropped {
		t.conn = l
	}
	t.mu.Unlock()

	if err != nil {
		return err
	}
	if dropped {
		_ = l.close()
		t.logWarn("link dropped while connecting")
		return fmt.Errorf("connecting %s: %w", t.address, ErrLinkLost)
	}
	t.logInfo("connected")
	return nil
}

// Disconnect tears the link down without reporting link loss.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	l := t.conn
	t.conn = nil
	t.mu.Unlock()

	if l == nil {
		return nil
	}
	if err := l.close(); err != nil {
		return fmt.Errorf("disconnecting %s: %w", t.address, err)
	}
	return nil
}

// Write sends one frame on the write characteristic.
func (t *Transport) Write(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	l := t.conn
	t.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}
	if err := l.send(frame); err != nil {
		return fmt.Errorf("writing to %s: %w", t.address, err)
	}
	return nil
}

// IsConnected reports whether a prepared link exists.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// SetOnNotify installs the notification handler.
func (t *Transport) SetOnNotify(fn func([]byte)) {
	t.callbackMu.Lock()
	t.onNotify = fn
	t.callbackMu.Unlock()
}

// SetOnDisconnect installs the link loss handler.
func (t *Transport) SetOnDisconnect(fn func(error)) {
	t.callbackMu.Lock()
	t.onDisconnect = fn
	t.callbackMu.Unlock()
}

func (t *Transport) notify(b []byte) {
	t.callbackMu.RLock()
	fn := t.onNotify
	t.callbackMu.RUnlock()
	if fn != nil {
		fn(b)
	}
}

// handleLinkEvent receives radio connect events for this address. Only an
// unexpected drop of an established link is reported. A drop during Connect
// makes that Connect fail instead.
func (t *Transport) handleLinkEvent(connected bool) {
	if connected {
		return
	}

	t.mu.Lock()
	l := t.conn
	t.conn = nil
	if l == nil && t.dialing {
		t.droppedDuringDial = true
	}
	t.mu.Unlock()
	if l == nil {
		return
	}
	t.logWarn("link dropped by device")

	t.callbackMu.RLock()
	fn := t.onDisconnect
	t.callbackMu.RUnlock()
	if fn != nil {
		fn(ErrLinkLost)
	}
}

func (t *Transport) logDebug(msg string) {
	if t.logger != nil {
		t.logger.Debug(msg, "address", t.address)
	}
}

func (t *Transport) logInfo(msg string) {
	if t.logger != nil {
		t.logger.Info(msg, "address", t.address)
	}
}

func (t *Transport) logWarn(msg string) {
	if t.logger != nil {
		t.logger.Warn(msg, "address", t.address)
	}
}
