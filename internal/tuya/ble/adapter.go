package ble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/nerrad567/tuyable/internal/tuya/catalog"
)

// Tuya BLE GATT layout.
var (
	ServiceUUID        = bluetooth.New16BitUUID(0x1910)
	WriteCharUUID      = bluetooth.New16BitUUID(0x2b11)
	NotifyCharUUID     = bluetooth.New16BitUUID(0x2b10)
	defaultScanTimeout = 15 * time.Second
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Adapter owns the host radio. The radio delivers connect events for all
// devices through one handler, so the adapter dispatches them by address.
//
// Thread Safety: All methods are safe for concurrent use.
type Adapter struct {
	radio       *bluetooth.Adapter
	scanTimeout time.Duration

	// scanMu serialises scans; the radio runs one at a time.
	scanMu sync.Mutex

	mu         sync.Mutex
	transports map[string]*Transport

	logger Logger
}

// AdapterOptions configures an Adapter.
type AdapterOptions struct {
	// Radio defaults to bluetooth.DefaultAdapter.
	Radio *bluetooth.Adapter

	// ScanTimeout bounds the search for a device; 0 selects 15s.
	ScanTimeout time.Duration

	Logger Logger
}

// NewAdapter enables the radio and installs the connect handler.
func NewAdapter(opts AdapterOptions) (*Adapter, error) {
	radio := opts.Radio
	if radio == nil {
		radio = bluetooth.DefaultAdapter
	}
	timeout := opts.ScanTimeout
	if timeout == 0 {
		timeout = defaultScanTimeout
	}
	if err := radio.Enable(); err != nil {
		return nil, fmt.Errorf("enabling bluetooth adapter: %w", err)
	}

	a := &Adapter{
		radio:       radio,
		scanTimeout: timeout,
		transports:  make(map[string]*Transport),
		logger:      opts.Logger,
	}
	radio.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		a.dispatch(device.Address.String(), connected)
	})
	return a, nil
}

// Transport returns the transport for address, creating it on first use.
func (a *Adapter) Transport(address string) *Transport {
	key := catalog.FullAddress(address)

	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.transports[key]; ok {
		return t
	}
	t := newTransport(key, a.logger)
	t.dial = func(ctx context.Context) (link, error) { return a.dial(ctx, key, t.notify) }
	a.transports[key] = t
	return t
}

func (a *Adapter) dispatch(address string, connected bool) {
	a.mu.Lock()
	t := a.transports[catalog.FullAddress(address)]
	a.mu.Unlock()
	if t != nil {
		t.handleLinkEvent(connected)
	}
}

// dial finds, connects and prepares one device.
func (a *Adapter) dial(ctx context.Context, address string, onNotify func([]byte)) (link, error) {
	addr, err := a.scan(ctx, address)
	if err != nil {
		return nil, err
	}

	type result struct {
		dev bluetooth.Device
		err error
	}
	done := make(chan result, 1)
	go func() {
		dev, err := a.radio.Connect(addr, bluetooth.ConnectionParams{})
		done <- result{dev, err}
	}()

	var dev bluetooth.Device
	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("connecting %s: %w", address, r.err)
		}
		dev = r.dev
	case <-ctx.Done():
		// Tear down a connection that completes after we gave up.
		go func() {
			if r := <-done; r.err == nil {
				_ = r.dev.Disconnect()
			}
		}()
		return nil, fmt.Errorf("connecting %s: %w", address, ctx.Err())
	}

	l, err := prepare(dev, onNotify)
	if err != nil {
		_ = dev.Disconnect()
		return nil, fmt.Errorf("preparing %s: %w", address, err)
	}
	return l, nil
}

// scan searches for address until found, ctx ends or the scan timeout
// elapses.
func (a *Adapter) scan(ctx context.Context, address string) (bluetooth.Address, error) {
	a.scanMu.Lock()
	defer a.scanMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, a.scanTimeout)
	defer cancel()

	found := make(chan bluetooth.Address, 1)
	scanErr := make(chan error, 1)
	go func() {
		scanErr <- a.radio.Scan(func(radio *bluetooth.Adapter, r bluetooth.ScanResult) {
			if catalog.FullAddress(r.Address.String()) != address {
				return
			}
			select {
			case found <- r.Address:
			default:
			}
			_ = radio.StopScan()
		})
	}()

	select {
	case addr := <-found:
		<-scanErr
		return addr, nil
	case err := <-scanErr:
		if err != nil {
			return bluetooth.Address{}, fmt.Errorf("scanning for %s: %w", address, err)
		}
		select {
		case addr := <-found:
			return addr, nil
		default:
			return bluetooth.Address{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, address)
		}
	case <-ctx.Done():
		_ = a.radio.StopScan()
		<-scanErr
		return bluetooth.Address{}, fmt.Errorf("%w: %s: %w", ErrDeviceNotFound, address, ctx.Err())
	}
}

// gattLink is a prepared connection.
type gattLink struct {
	dev   bluetooth.Device
	write bluetooth.DeviceCharacteristic
}

// prepare discovers the Tuya service and enables notifications.
func prepare(dev bluetooth.Device, onNotify func([]byte)) (*gattLink, error) {
	services, err := dev.DiscoverServices([]bluetooth.UUID{ServiceUUID})
	if err != nil {
		return nil, fmt.Errorf("%w: service %s: %w", ErrServiceNotFound, ServiceUUID.String(), err)
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("%w: service %s", ErrServiceNotFound, ServiceUUID.String())
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{WriteCharUUID, NotifyCharUUID})
	if err != nil {
		return nil, fmt.Errorf("%w: characteristics: %w", ErrServiceNotFound, err)
	}

	var l gattLink
	var notify *bluetooth.DeviceCharacteristic
	haveWrite := false
	for i := range chars {
		switch chars[i].UUID() {
		case WriteCharUUID:
			l.write = chars[i]
			haveWrite = true
		case NotifyCharUUID:
			notify = &chars[i]
		}
	}
	if notify == nil || !haveWrite {
		return nil, fmt.Errorf("%w: write or notify characteristic missing", ErrServiceNotFound)
	}
	if err := notify.EnableNotifications(onNotify); err != nil {
		return nil, fmt.Errorf("enabling notifications: %w", err)
	}

	l.dev = dev
	return &l, nil
}

func (l *gattLink) send(frame []byte) error {
	_, err := l.write.WriteWithoutResponse(frame)
	return err
}

func (l *gattLink) close() error {
	return l.dev.Disconnect()
}
