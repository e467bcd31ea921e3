package tuya

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Manager holds the configured devices and routes calls by device id.
// Devices are independent; the manager does no cross-device scheduling.
type Manager struct {
	mu      sync.RWMutex
	devices map[string]*Device
	started bool

	logger Logger
}

// NewManager creates an empty manager.
func NewManager(logger Logger) *Manager {
	return &Manager{devices: make(map[string]*Device), logger: logger}
}

// Add registers a device. A device added after Start is started at once.
func (m *Manager) Add(d *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.devices[d.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateDevice, d.ID())
	}
	if m.started {
		if err := d.Start(); err != nil {
			return err
		}
	}
	m.devices[d.ID()] = d
	return nil
}

// Device returns the device with the given id.
func (m *Manager) Device(id string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return d, nil
}

// Devices returns every device ordered by id.
func (m *Manager) Devices() []*Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of devices.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.devices)
}

// Start starts every device session. Links open lazily on first use or
// subscription.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, d := range m.devices {
		if err := d.Start(); err != nil {
			return fmt.Errorf("starting %s: %w", id, err)
		}
	}
	m.started = true
	if m.logger != nil {
		m.logger.Info("device manager started", "devices", len(m.devices))
	}
	return nil
}

// Close stops every device. All devices are closed even if some fail.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, d := range m.devices {
		if err := d.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.started = false
	return errors.Join(errs...)
}

// GetDatapoint reads a named datapoint of one device.
func (m *Manager) GetDatapoint(deviceID, name string) (any, bool, error) {
	d, err := m.Device(deviceID)
	if err != nil {
		return nil, false, err
	}
	v, ok := d.GetDatapoint(name)
	return v, ok, nil
}

// SetDatapoint writes a named datapoint of one device.
func (m *Manager) SetDatapoint(ctx context.Context, deviceID, name string, value any) error {
	d, err := m.Device(deviceID)
	if err != nil {
		return err
	}
	return d.SetDatapoint(ctx, name, value)
}

// Subscribe registers fn on every current device. The returned function
// removes all registrations.
func (m *Manager) Subscribe(fn func(Change)) func() {
	devices := m.Devices()
	unsubs := make([]func(), 0, len(devices))
	for _, d := range devices {
		unsubs = append(unsubs, d.Subscribe(fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Statuses returns the status of every device ordered by id.
func (m *Manager) Statuses() []Status {
	devices := m.Devices()
	out := make([]Status, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.Status())
	}
	return out
}
