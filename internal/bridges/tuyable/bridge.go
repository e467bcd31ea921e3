package tuyable

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/tuyable/internal/infrastructure/mqtt"
	"github.com/nerrad567/tuyable/internal/tuya"
)

// Bridge operation constants.
const (
	// defaultCommandTimeout bounds one datapoint write including session
	// retries.
	defaultCommandTimeout = 30 * time.Second

	// commandQueueSize is the per-device backlog before commands are
	// rejected as busy.
	commandQueueSize = 16

	// outboundQueueSize bounds state and event messages waiting for the
	// publish worker.
	outboundQueueSize = 256

	// requestTimeout bounds refresh requests.
	requestTimeout = 10 * time.Second

	qosAtLeastOnce byte = 1
)

// MQTTClient is the subset of *mqtt.Client the bridge uses.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// DeviceManager resolves devices by id. *tuya.Manager satisfies it.
type DeviceManager interface {
	Device(id string) (*tuya.Device, error)
	Devices() []*tuya.Device
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options holds configuration for creating a bridge.
type Options struct {
	MQTT    MQTTClient
	Devices DeviceManager
	Topics  mqtt.Topics

	// BridgeID names this bridge in health messages.
	BridgeID string
	Version  string

	// HealthInterval defaults to 30s.
	HealthInterval time.Duration

	// CommandTimeout bounds one write; 0 selects 30s.
	CommandTimeout time.Duration

	Logger Logger
}

// outbound is one state or event message waiting for the publish worker.
// Device callbacks run on the session goroutine, so they only enqueue.
type outbound struct {
	deviceID string
	event    string // empty for a state message
	changed  string
	byDevice bool
}

// command is one queued datapoint write.
type command struct {
	msg       CommandMessage
	datapoint string
}

// Bridge exposes devices on MQTT:
//   - datapoint writes from command topics, answered on ack topics
//   - full device state on retained state topics after every change
//   - button presses and connection changes on event topics
//   - read requests answered on response topics
//   - bridge health with a Last Will
//
// Writes to one device run in arrival order on a per-device queue.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	mqtt    MQTTClient
	devices DeviceManager
	topics  mqtt.Topics
	timeout time.Duration
	health  *HealthReporter

	// queues is built by Start and read-only afterwards.
	queues map[string]chan command
	unsubs []func()

	outbound chan outbound

	commandsReceived atomic.Uint64
	commandsFailed   atomic.Uint64
	statesPublished  atomic.Uint64
	requestsHandled  atomic.Uint64
	errors           atomic.Uint64
	publishesDropped atomic.Uint64

	ctx       context.Context
	ctxCancel context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewBridge creates a bridge. Call Start to begin operation.
func NewBridge(opts Options) (*Bridge, error) {
	if opts.MQTT == nil {
		return nil, fmt.Errorf("%w: MQTT client", ErrMissingDependency)
	}
	if opts.Devices == nil {
		return nil, fmt.Errorf("%w: device manager", ErrMissingDependency)
	}
	timeout := opts.CommandTimeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		mqtt:      opts.MQTT,
		devices:   opts.Devices,
		topics:    opts.Topics,
		timeout:   timeout,
		queues:    make(map[string]chan command),
		outbound:  make(chan outbound, outboundQueueSize),
		ctx:       ctx,
		ctxCancel: cancel,
		logger:    opts.Logger,
	}
	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.BridgeID,
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Topic:     opts.Topics.Health(),
		Publisher: opts.MQTT,
		Devices:   opts.Devices,
		Stats:     b.statistics,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	b.wg.Add(1)
	go b.publishWorker()
	return b, nil
}

// Start subscribes to every device and to the command and request topics,
// then starts health reporting. Subscribing keeps each device connected.
func (b *Bridge) Start(ctx context.Context) error {
	var err error
	b.startOnce.Do(func() { err = b.start(ctx) })
	return err
}

func (b *Bridge) start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	devices := b.devices.Devices()
	for _, d := range devices {
		queue := make(chan command, commandQueueSize)
		b.queues[d.ID()] = queue
		b.wg.Add(1)
		go b.runQueue(d, queue)
		b.unsubs = append(b.unsubs, d.Subscribe(b.handleChange))
	}

	if err := b.mqtt.Subscribe(b.topics.AllCommands(), qosAtLeastOnce, b.handleMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	if err := b.mqtt.Subscribe(b.topics.AllRequests(), qosAtLeastOnce, b.handleMessage); err != nil {
		return fmt.Errorf("subscribe to requests: %w", err)
	}

	b.health.Start(ctx)
	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish healthy status", err)
	}

	b.logInfo("bridge started", "devices", len(devices), "prefix", b.topics.Root())
	return nil
}

// Stop drops the command and request subscriptions, unsubscribes from
// devices, cancels in-flight writes and publishes a final stopping status.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		for _, topic := range []string{b.topics.AllCommands(), b.topics.AllRequests()} {
			if err := b.mqtt.Unsubscribe(topic); err != nil {
				b.logWarn("unsubscribe failed", "topic", topic, "error", err)
			}
		}
		for _, unsub := range b.unsubs {
			unsub()
		}
		b.ctxCancel()
		b.health.Stop()
		b.wg.Wait()
		b.logInfo("bridge stopped")
	})
}

// HandleConnectionChange queues a connection event and the device's
// state. Wire it to tuya.Device connected and disconnected callbacks.
func (b *Bridge) HandleConnectionChange(d *tuya.Device) {
	event := EventDisconnected
	if d.Connected() {
		event = EventConnected
	}
	b.enqueue(outbound{deviceID: d.ID(), event: event})
	b.enqueue(outbound{deviceID: d.ID()})
}

// HandleButtonPress queues a fingerbot manual press event.
func (b *Bridge) HandleButtonPress(d *tuya.Device) {
	b.enqueue(outbound{deviceID: d.ID(), event: EventButtonPress})
}

// handleChange queues a full state message for every datapoint update.
func (b *Bridge) handleChange(c tuya.Change) {
	b.enqueue(outbound{deviceID: c.DeviceID, changed: c.Name, byDevice: c.ChangedByDevice})
}

// enqueue hands o to the publish worker without blocking. A full queue
// drops o; the next state message carries the full state anyway.
func (b *Bridge) enqueue(o outbound) {
	select {
	case b.outbound <- o:
	default:
		b.publishesDropped.Add(1)
		b.logWarn("outbound queue full, dropping message", "device", o.deviceID, "event", o.event)
	}
}

// publishWorker publishes queued state and event messages in order until
// Stop. Messages still queued at Stop are discarded.
func (b *Bridge) publishWorker() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case o := <-b.outbound:
			if o.event != "" {
				b.publishEvent(o.deviceID, o.event)
				continue
			}
			d, err := b.devices.Device(o.deviceID)
			if err != nil {
				b.logError("state for unknown device", err)
				continue
			}
			b.publishState(d, o.changed, o.byDevice)
		}
	}
}

// handleMessage routes incoming MQTT messages by topic.
func (b *Bridge) handleMessage(topic string, payload []byte) error {
	rest, ok := strings.CutPrefix(topic, b.topics.Root()+"/")
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidTopic, topic)
	}
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 3 && parts[0] == "command":
		return b.handleCommand(parts[1], parts[2], payload)
	case len(parts) == 2 && parts[0] == "request":
		return b.handleRequest(parts[1], payload)
	default:
		return fmt.Errorf("%w: %s", ErrInvalidTopic, topic)
	}
}

// handleCommand validates a write and queues it on the device.
func (b *Bridge) handleCommand(deviceID, datapoint string, payload []byte) error {
	b.commandsReceived.Add(1)

	msg, err := parseCommand(payload)
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if err != nil {
		b.publishAck(newAck(msg, deviceID, datapoint, nil, err))
		return err
	}

	queue, ok := b.queues[deviceID]
	if !ok {
		err := fmt.Errorf("%w: %s", tuya.ErrUnknownDevice, deviceID)
		b.publishAck(newAck(msg, deviceID, datapoint, nil, err))
		return err
	}

	b.logDebug("received command",
		"command_id", msg.ID,
		"device", deviceID,
		"datapoint", datapoint,
		"source", msg.Source)

	select {
	case queue <- command{msg: msg, datapoint: datapoint}:
		return nil
	default:
		err := fmt.Errorf("%w: %s", ErrBusy, deviceID)
		b.publishAck(newAck(msg, deviceID, datapoint, nil, err))
		return err
	}
}

// runQueue executes one device's writes in order until Stop. Writes still
// queued at Stop are acked as cancelled.
func (b *Bridge) runQueue(d *tuya.Device, queue chan command) {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			for {
				select {
				case c := <-queue:
					b.publishAck(newAck(c.msg, d.ID(), c.datapoint, nil, b.ctx.Err()))
				default:
					return
				}
			}
		case c := <-queue:
			b.execute(d, c)
		}
	}
}

func (b *Bridge) execute(d *tuya.Device, c command) {
	ctx, cancel := context.WithTimeout(b.ctx, b.timeout)
	defer cancel()

	err := d.SetDatapoint(ctx, c.datapoint, c.msg.Value)
	var value any
	if err == nil {
		value, _ = d.GetDatapoint(c.datapoint)
	} else {
		b.commandsFailed.Add(1)
		b.logWarn("command failed",
			"command_id", c.msg.ID,
			"device", d.ID(),
			"datapoint", c.datapoint,
			"error", err)
	}
	b.publishAck(newAck(c.msg, d.ID(), c.datapoint, value, err))
}

// handleRequest answers one read request.
func (b *Bridge) handleRequest(topicID string, payload []byte) error {
	b.requestsHandled.Add(1)

	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		b.publishResponse(topicID, errorResponse(topicID, ErrCodeInvalidPayload, err.Error()))
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if req.RequestID == "" {
		req.RequestID = topicID
	}

	b.publishResponse(topicID, b.answer(req))
	return nil
}

func (b *Bridge) answer(req RequestMessage) ResponseMessage {
	if req.Action == ActionReadAll {
		devices := b.devices.Devices()
		states := make([]StateMessage, 0, len(devices))
		for _, d := range devices {
			states = append(states, newStateMessage(d))
		}
		return okResponse(req.RequestID, map[string]any{"devices": states})
	}

	d, err := b.devices.Device(req.DeviceID)
	if err != nil {
		return errorResponse(req.RequestID, errorCode(err), err.Error())
	}

	switch req.Action {
	case ActionReadState:
		st := newStateMessage(d)
		return okResponse(req.RequestID, map[string]any{
			"device_id": st.DeviceID,
			"connected": st.Connected,
			"state":     st.State,
		})

	case ActionReadDatapoint:
		if _, _, err := d.Schema().Resolve(req.Datapoint); err != nil {
			err = fmt.Errorf("%w: %s.%s", tuya.ErrUnknownDatapoint, d.ID(), req.Datapoint)
			return errorResponse(req.RequestID, errorCode(err), err.Error())
		}
		v, known := d.GetDatapoint(req.Datapoint)
		return okResponse(req.RequestID, map[string]any{
			"device_id": d.ID(),
			"datapoint": req.Datapoint,
			"known":     known,
			"value":     tuya.Plain(v),
		})

	case ActionRefresh:
		ctx, cancel := context.WithTimeout(b.ctx, requestTimeout)
		defer cancel()
		if err := d.Refresh(ctx); err != nil {
			return errorResponse(req.RequestID, errorCode(err), err.Error())
		}
		return okResponse(req.RequestID, map[string]any{"device_id": d.ID(), "requested": true})

	default:
		return errorResponse(req.RequestID, ErrCodeInvalidAction, "unknown action: "+req.Action)
	}
}

func (b *Bridge) publishAck(ack AckMessage) {
	b.publishJSON(b.topics.Ack(ack.DeviceID, ack.Datapoint), ack, false)
}

func (b *Bridge) publishState(d *tuya.Device, changed string, byDevice bool) {
	msg := newStateMessage(d)
	msg.Changed = changed
	msg.ChangedByDevice = byDevice
	if b.publishJSON(b.topics.State(d.ID()), msg, true) {
		b.statesPublished.Add(1)
	}
}

func (b *Bridge) publishEvent(deviceID, event string) {
	b.publishJSON(b.topics.Event(deviceID), EventMessage{
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
		Event:     event,
	}, false)
}

func (b *Bridge) publishResponse(requestID string, resp ResponseMessage) {
	b.publishJSON(b.topics.Response(requestID), resp, false)
}

// publishJSON marshals and publishes v, reporting success.
func (b *Bridge) publishJSON(topic string, v any, retained bool) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		b.errors.Add(1)
		b.logError("failed to marshal message", err)
		return false
	}
	if err := b.mqtt.Publish(topic, payload, qosAtLeastOnce, retained); err != nil {
		b.errors.Add(1)
		b.logError("failed to publish", err)
		return false
	}
	return true
}

func (b *Bridge) statistics() BridgeStatistics {
	return BridgeStatistics{
		CommandsReceived: b.commandsReceived.Load(),
		CommandsFailed:   b.commandsFailed.Load(),
		StatesPublished:  b.statesPublished.Load(),
		RequestsHandled:  b.requestsHandled.Load(),
		Errors:           b.errors.Load(),
		PublishesDropped: b.publishesDropped.Load(),
	}
}

// Metrics contains bridge data for the API metrics endpoint.
type Metrics struct {
	MQTTConnected    bool             `json:"mqtt_connected"`
	Status           HealthStatus     `json:"status"`
	DevicesManaged   int              `json:"devices_managed"`
	DevicesConnected int              `json:"devices_connected"`
	Statistics       BridgeStatistics `json:"statistics"`
}

// GetMetrics returns current bridge metrics.
func (b *Bridge) GetMetrics() Metrics {
	status, _ := b.health.determineStatus()
	managed, connected := b.health.deviceCounts()
	return Metrics{
		MQTTConnected:    b.mqtt.IsConnected(),
		Status:           status,
		DevicesManaged:   managed,
		DevicesConnected: connected,
		Statistics:       b.statistics(),
	}
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
	b.health.SetLogger(logger)
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if l := b.getLogger(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if l := b.getLogger(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if l := b.getLogger(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	if l := b.getLogger(); l != nil {
		l.Error(msg, "error", err)
	}
}
