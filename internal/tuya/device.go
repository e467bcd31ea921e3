package tuya

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/tuyable/internal/tuya/catalog"
	"github.com/nerrad567/tuyable/internal/tuya/datapoint"
	"github.com/nerrad567/tuyable/internal/tuya/session"
)

// DefaultDisconnectDelay is how long a lost link may stay down before the
// device is reported as disconnected.
const DefaultDisconnectDelay = 10 * time.Second

// Session is the protocol engine a Device drives. *session.Session
// satisfies it.
type Session interface {
	Start() error
	Close() error
	Send(ctx context.Context, id uint8, t datapoint.Type, value any) error
	QueryStatus(ctx context.Context) error
	Datapoints() datapoint.View
	Subscribe(fn datapoint.Listener) func()
	State() session.State
	SetOnStateChange(fn func(session.State))
	Stats() session.Stats
}

var _ Session = (*session.Session)(nil)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// DeviceOptions configures a Device.
type DeviceOptions struct {
	ID      string
	Name    string
	Address string
	Product catalog.Product
	Session Session

	// DisconnectDelay debounces link loss; 0 selects DefaultDisconnectDelay.
	DisconnectDelay time.Duration

	Logger Logger
}

// Change is a named datapoint update pushed to subscribers.
type Change struct {
	DeviceID string `json:"device_id"`
	Value
}

// Value is a datapoint with its schema name.
type Value struct {
	Name            string         `json:"name"`
	ID              uint8          `json:"id"`
	Type            datapoint.Type `json:"type"`
	Value           any            `json:"value"`
	ChangedByDevice bool           `json:"changed_by_device"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Status summarises a device for health and inventory views.
type Status struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Address   string        `json:"address"`
	Product   string        `json:"product"`
	Category  string        `json:"category"`
	State     string        `json:"state"`
	Connected bool          `json:"connected"`
	Stats     session.Stats `json:"stats"`
}

// Device is one Tuya BLE device addressed by datapoint names.
//
// Thread Safety: All methods are safe for concurrent use.
type Device struct {
	id      string
	name    string
	address string
	product catalog.Product
	schema  catalog.Schema
	sess    Session
	delay   time.Duration

	mu              sync.Mutex
	connected       bool
	disconnectTimer *time.Timer

	callbackMu     sync.RWMutex
	onConnected    func(*Device)
	onDisconnected func(*Device)
	onButtonPress  func(*Device)

	unsubButton func()

	logger   Logger
	loggerMu sync.RWMutex
}

// NewDevice creates a device over an unstarted session.
func NewDevice(opts DeviceOptions) (*Device, error) {
	if opts.ID == "" {
		return nil, fmt.Errorf("%w: empty id", ErrUnknownDevice)
	}
	if opts.Session == nil {
		return nil, fmt.Errorf("device %s: session is required", opts.ID)
	}
	delay := opts.DisconnectDelay
	if delay == 0 {
		delay = DefaultDisconnectDelay
	}
	name := opts.Name
	if name == "" {
		name = opts.Product.Name
	}

	d := &Device{
		id:      opts.ID,
		name:    name,
		address: catalog.FullAddress(opts.Address),
		product: opts.Product,
		schema:  opts.Product.Schema(),
		sess:    opts.Session,
		delay:   delay,
		logger:  opts.Logger,
	}
	d.sess.SetOnStateChange(d.handleState)
	return d, nil
}

// ID returns the configured device id.
func (d *Device) ID() string { return d.id }

// Name returns the display name.
func (d *Device) Name() string { return d.name }

// Address returns the full BLE address.
func (d *Device) Address() string { return d.address }

// Product returns the catalog product.
func (d *Device) Product() catalog.Product { return d.product }

// Schema returns the datapoint schema.
func (d *Device) Schema() catalog.Schema { return d.schema }

// Start starts the protocol session. The link is opened on first use.
func (d *Device) Start() error {
	if d.product.Fingerbot.HasManualControl() {
		d.unsubButton = d.sess.Subscribe(d.detectButtonPress)
	}
	if err := d.sess.Start(); err != nil {
		return fmt.Errorf("starting device %s: %w", d.id, err)
	}
	return nil
}

// Close stops the session and any pending disconnect timer.
func (d *Device) Close() error {
	if d.unsubButton != nil {
		d.unsubButton()
	}
	d.mu.Lock()
	if d.disconnectTimer != nil {
		d.disconnectTimer.Stop()
		d.disconnectTimer = nil
	}
	d.mu.Unlock()
	return d.sess.Close()
}

// GetDatapoint returns the last known value of a named datapoint.
//
// Returns:
//   - any: The value (bool, int32, uint8, string, []byte or datapoint.Bitmap)
//   - bool: false if the name is unknown or the device has not reported it
func (d *Device) GetDatapoint(name string) (any, bool) {
	id, _, err := d.schema.Resolve(name)
	if err != nil {
		return nil, false
	}
	dp, ok := d.sess.Datapoints().Get(id)
	if !ok {
		return nil, false
	}
	return dp.Value, true
}

// SetDatapoint writes a named datapoint and waits for the device to
// acknowledge it. The value is converted to the datapoint's type first.
//
// Returns:
//   - error: nil on ack; session.ErrTimeout, session.ErrDisconnected,
//     ErrUnknownDatapoint, ErrReadOnly, ErrInvalidValue or ctx.Err()
func (d *Device) SetDatapoint(ctx context.Context, name string, value any) error {
	id, t, width, err := d.writeTarget(name)
	if err != nil {
		return err
	}
	v, err := Coerce(t, width, value)
	if err != nil {
		return fmt.Errorf("%s.%s: %w", d.id, name, err)
	}

	d.logDebug("setting datapoint", "name", name, "dp", id, "value", v)
	if err := d.sess.Send(ctx, id, t, v); err != nil {
		return fmt.Errorf("%s.%s: %w", d.id, name, err)
	}
	return nil
}

// writeTarget resolves the id, type and bitmap width for a write. Names
// outside the schema use the type the device last reported.
func (d *Device) writeTarget(name string) (uint8, datapoint.Type, uint8, error) {
	id, field, err := d.schema.Resolve(name)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: %s.%s", ErrUnknownDatapoint, d.id, name)
	}
	if field != nil {
		if field.ReadOnly {
			return 0, 0, 0, fmt.Errorf("%w: %s.%s", ErrReadOnly, d.id, name)
		}
		return id, field.Type, field.Width, nil
	}

	dp, ok := d.sess.Datapoints().Get(id)
	if !ok {
		return 0, 0, 0, fmt.Errorf("%w: %s.%s has no schema entry and no reported type", ErrUnknownDatapoint, d.id, name)
	}
	var width uint8
	if b, ok := dp.Value.(datapoint.Bitmap); ok {
		width = b.Width
	}
	return id, dp.Type, width, nil
}

// SetLight sends a light command through the product's light control
// datapoint.
func (d *Device) SetLight(ctx context.Context, cmd catalog.LightCommand) error {
	if _, ok := d.schema.Field(catalog.LightFieldName); !ok {
		return fmt.Errorf("%w: %s has no %s datapoint", ErrNotSupported, d.id, catalog.LightFieldName)
	}
	return d.SetDatapoint(ctx, catalog.LightFieldName, cmd.Encode())
}

// Refresh asks the device to report every datapoint.
func (d *Device) Refresh(ctx context.Context) error {
	if err := d.sess.QueryStatus(ctx); err != nil {
		return fmt.Errorf("refreshing %s: %w", d.id, err)
	}
	return nil
}

// Subscribe registers fn for every datapoint change. Subscribing keeps the
// device connected. The returned function unsubscribes.
func (d *Device) Subscribe(fn func(Change)) func() {
	return d.sess.Subscribe(func(dp datapoint.Datapoint) {
		fn(Change{DeviceID: d.id, Value: d.value(dp)})
	})
}

// State returns every known datapoint ordered by id.
func (d *Device) State() []Value {
	snap := d.sess.Datapoints().Snapshot()
	out := make([]Value, 0, len(snap))
	for _, dp := range snap {
		out = append(out, d.value(dp))
	}
	return out
}

// Connected reports the debounced connection state.
func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Status returns a summary of the device.
func (d *Device) Status() Status {
	return Status{
		ID:        d.id,
		Name:      d.name,
		Address:   d.address,
		Product:   d.product.Name,
		Category:  d.product.Category,
		State:     d.sess.State().String(),
		Connected: d.Connected(),
		Stats:     d.sess.Stats(),
	}
}

// SetOnConnected installs a callback run when the device connects.
func (d *Device) SetOnConnected(fn func(*Device)) {
	d.callbackMu.Lock()
	d.onConnected = fn
	d.callbackMu.Unlock()
}

// SetOnDisconnected installs a callback run when the link has stayed down
// for the disconnect delay.
func (d *Device) SetOnDisconnected(fn func(*Device)) {
	d.callbackMu.Lock()
	d.onDisconnected = fn
	d.callbackMu.Unlock()
}

// SetOnButtonPress installs a callback run when a fingerbot with manual
// control is pressed by hand.
func (d *Device) SetOnButtonPress(fn func(*Device)) {
	d.callbackMu.Lock()
	d.onButtonPress = fn
	d.callbackMu.Unlock()
}

// SetLogger sets the logger.
func (d *Device) SetLogger(logger Logger) {
	d.loggerMu.Lock()
	d.logger = logger
	d.loggerMu.Unlock()
}

func (d *Device) value(dp datapoint.Datapoint) Value {
	return Value{
		Name:            d.schema.Name(dp.ID),
		ID:              dp.ID,
		Type:            dp.Type,
		Value:           dp.Value,
		ChangedByDevice: dp.ChangedByDevice,
		UpdatedAt:       dp.UpdatedAt,
	}
}

// handleState runs on the session goroutine.
func (d *Device) handleState(st session.State) {
	switch st {
	case session.StateConnected:
		d.markConnected()
	case session.StateDisconnected, session.StateReconnecting:
		d.scheduleDisconnected()
	case session.StateConnecting:
	}
}

func (d *Device) markConnected() {
	d.mu.Lock()
	if d.disconnectTimer != nil {
		d.disconnectTimer.Stop()
		d.disconnectTimer = nil
	}
	was := d.connected
	d.connected = true
	d.mu.Unlock()

	if was {
		return
	}
	d.logInfo("device connected", "address", d.address)

	d.callbackMu.RLock()
	fn := d.onConnected
	d.callbackMu.RUnlock()
	if fn != nil {
		fn(d)
	}
}

func (d *Device) scheduleDisconnected() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected || d.disconnectTimer != nil {
		return
	}
	d.logDebug("link down, confirming disconnect", "delay", d.delay.String())
	d.disconnectTimer = time.AfterFunc(d.delay, d.markDisconnected)
}

func (d *Device) markDisconnected() {
	d.mu.Lock()
	if d.disconnectTimer == nil {
		d.mu.Unlock()
		return
	}
	d.disconnectTimer = nil
	d.connected = false
	d.mu.Unlock()

	d.logInfo("device disconnected", "address", d.address)

	d.callbackMu.RLock()
	fn := d.onDisconnected
	d.callbackMu.RUnlock()
	if fn != nil {
		fn(d)
	}
}

// detectButtonPress fires the button callback when the fingerbot switch
// changes without a command from us.
func (d *Device) detectButtonPress(dp datapoint.Datapoint) {
	if dp.ID != d.product.Fingerbot.Switch || !dp.ChangedByDevice {
		return
	}
	d.logDebug("fingerbot pressed by hand")

	d.callbackMu.RLock()
	fn := d.onButtonPress
	d.callbackMu.RUnlock()
	if fn != nil {
		fn(d)
	}
}

func (d *Device) getLogger() Logger {
	d.loggerMu.RLock()
	defer d.loggerMu.RUnlock()
	return d.logger
}

func (d *Device) logDebug(msg string, keysAndValues ...any) {
	if l := d.getLogger(); l != nil {
		l.Debug(msg, append([]any{"device", d.id}, keysAndValues...)...)
	}
}

func (d *Device) logInfo(msg string, keysAndValues ...any) {
	if l := d.getLogger(); l != nil {
		l.Info(msg, append([]any{"device", d.id}, keysAndValues...)...)
	}
}

// ErrorCode maps a SetDatapoint error to a short machine-readable code
// used by the bridge and API.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, session.ErrRejected):
		return "rejected"
	case errors.Is(err, session.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, session.ErrDisconnected):
		return "disconnected"
	case errors.Is(err, datapoint.ErrTypeMismatch):
		return "type_mismatch"
	case errors.Is(err, ErrUnknownDatapoint):
		return "unknown_datapoint"
	case errors.Is(err, ErrUnknownDevice):
		return "unknown_device"
	case errors.Is(err, ErrReadOnly):
		return "read_only"
	case errors.Is(err, ErrNotSupported):
		return "not_supported"
	case errors.Is(err, ErrInvalidValue), errors.Is(err, datapoint.ErrInvalidValue):
		return "invalid_value"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "internal_error"
	}
}
