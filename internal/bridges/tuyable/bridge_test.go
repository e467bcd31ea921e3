package tuyable

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/tuyable/internal/infrastructure/mqtt"
	"github.com/nerrad567/tuyable/internal/tuya"
	"github.com/nerrad567/tuyable/internal/tuya/catalog"
	"github.com/nerrad567/tuyable/internal/tuya/datapoint"
	"github.com/nerrad567/tuyable/internal/tuya/session"
	"github.com/nerrad567/tuyable/internal/tuya/tuyatest"
)

type published struct {
	topic    string
	payload  []byte
	retained bool
}

// fakeMQTT records publishes and lets tests deliver messages.
type fakeMQTT struct {
	mu        sync.Mutex
	messages  []published
	handlers  map[string]mqtt.MessageHandler
	connected bool

	// gate, when set, holds every Publish until it is closed.
	gate chan struct{}
}

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{handlers: make(map[string]mqtt.MessageHandler), connected: true}
}

func (f *fakeMQTT) Publish(topic string, payload []byte, _ byte, retained bool) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, published{topic, append([]byte(nil), payload...), retained})
	return nil
}

func (f *fakeMQTT) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeMQTT) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, topic)
	return nil
}

func (f *fakeMQTT) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// deliver routes a message to the handler subscribed on pattern.
func (f *fakeMQTT) deliver(t *testing.T, pattern, topic, payload string) error {
	t.Helper()
	f.mu.Lock()
	h := f.handlers[pattern]
	f.mu.Unlock()
	if h == nil {
		t.Fatalf("no handler for %s", pattern)
	}
	return h(topic, []byte(payload))
}

// last returns the latest message on topic.
func (f *fakeMQTT) last(topic string) (published, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.messages) - 1; i >= 0; i-- {
		if f.messages[i].topic == topic {
			return f.messages[i], true
		}
	}
	return published{}, false
}

// waitFor polls until a message on topic satisfies match.
func (f *fakeMQTT) waitFor(t *testing.T, topic string, into any, match func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m, ok := f.last(topic); ok {
			if err := json.Unmarshal(m.payload, into); err != nil {
				t.Fatalf("unmarshal %s: %v", topic, err)
			}
			if match == nil || match() {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no matching message on %s", topic)
}

func fingerbotPlus(t *testing.T) catalog.Product {
	t.Helper()
	p, err := catalog.Builtin().Lookup("szjqr", "blliqpsj")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	return p
}

type testRig struct {
	bridge  *Bridge
	mqtt    *fakeMQTT
	manager *tuya.Manager
	device  *tuya.Device
	session *tuyatest.FakeSession
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	fs := tuyatest.NewFakeSession()
	d, err := tuya.NewDevice(tuya.DeviceOptions{
		ID:              "bot",
		Address:         "AA:BB:CC:DD:EE:FF",
		Product:         fingerbotPlus(t),
		Session:         fs,
		DisconnectDelay: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewDevice() error = %v", err)
	}
	m := tuya.NewManager(nil)
	if err := m.Add(d); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })

	fm := newFakeMQTT()
	b, err := NewBridge(Options{
		MQTT:           fm,
		Devices:        m,
		BridgeID:       "site-001",
		Version:        "test",
		CommandTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	d.SetOnConnected(b.HandleConnectionChange)
	d.SetOnDisconnected(b.HandleConnectionChange)
	d.SetOnButtonPress(b.HandleButtonPress)

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(b.Stop)

	return &testRig{bridge: b, mqtt: fm, manager: m, device: d, session: fs}
}

func TestNewBridge_RequiresDependencies(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"no mqtt", Options{Devices: tuya.NewManager(nil)}},
		{"no devices", Options{MQTT: newFakeMQTT()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewBridge(tt.opts); !errors.Is(err, ErrMissingDependency) {
				t.Errorf("NewBridge() error = %v, want ErrMissingDependency", err)
			}
		})
	}
}

func TestBridge_CommandAck(t *testing.T) {
	rig := newTestRig(t)
	topics := mqtt.Topics{}

	err := rig.mqtt.deliver(t, topics.AllCommands(), topics.Command("bot", "switch"), `{"id":"c1","value":true}`)
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}

	var ack AckMessage
	rig.mqtt.waitFor(t, topics.Ack("bot", "switch"), &ack, func() bool { return ack.CommandID == "c1" })
	if ack.Status != AckCompleted || ack.Value != true || ack.Error != nil {
		t.Errorf("ack = %+v, want completed with value true", ack)
	}

	var state StateMessage
	rig.mqtt.waitFor(t, topics.State("bot"), &state, func() bool { return state.State["switch"] == true })
	if state.Changed != "switch" || state.ChangedByDevice {
		t.Errorf("state = %+v, want changed switch by us", state)
	}
	if m, _ := rig.mqtt.last(topics.State("bot")); !m.retained {
		t.Error("state was not retained")
	}

	sent := rig.session.Sent()
	if len(sent) != 1 || sent[0].ID != 2 || sent[0].Value != true {
		t.Errorf("sent = %+v, want dp 2 = true", sent)
	}
}

func TestBridge_BareValueGetsGeneratedID(t *testing.T) {
	rig := newTestRig(t)
	topics := mqtt.Topics{}

	if err := rig.mqtt.deliver(t, topics.AllCommands(), topics.Command("bot", "hold_time"), `3`); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	var ack AckMessage
	rig.mqtt.waitFor(t, topics.Ack("bot", "hold_time"), &ack, nil)
	if ack.CommandID == "" {
		t.Error("CommandID is empty, want generated id")
	}
	if ack.Status != AckCompleted || ack.Value != float64(3) {
		t.Errorf("ack = %+v, want completed with value 3", ack)
	}
}

func TestBridge_CommandErrors(t *testing.T) {
	tests := []struct {
		name       string
		device     string
		datapoint  string
		payload    string
		sendErr    error
		wantStatus AckStatus
		wantCode   string
	}{
		{"unknown device", "ghost", "switch", `true`, nil, AckFailed, "unknown_device"},
		{"unknown datapoint", "bot", "turbo", `true`, nil, AckFailed, "unknown_datapoint"},
		{"invalid value", "bot", "switch", `"sideways"`, nil, AckFailed, "invalid_value"},
		{"object without value", "bot", "switch", `{"id":"x"}`, nil, AckFailed, ErrCodeInvalidPayload},
		{"not json", "bot", "switch", `on please`, nil, AckFailed, ErrCodeInvalidPayload},
		{"timeout", "bot", "switch", `true`, session.ErrTimeout, AckTimeout, "timeout"},
		{"rejected", "bot", "switch", `true`, session.ErrRejected, AckFailed, "rejected"},
		{"disconnected", "bot", "switch", `true`, session.ErrDisconnected, AckFailed, "disconnected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newTestRig(t)
			rig.session.FailSends(tt.sendErr)
			topics := mqtt.Topics{}

			_ = rig.mqtt.deliver(t, topics.AllCommands(), topics.Command(tt.device, tt.datapoint), tt.payload)

			var ack AckMessage
			rig.mqtt.waitFor(t, topics.Ack(tt.device, tt.datapoint), &ack, nil)
			if ack.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", ack.Status, tt.wantStatus)
			}
			if ack.Error == nil || ack.Error.Code != tt.wantCode {
				t.Errorf("Error = %+v, want code %q", ack.Error, tt.wantCode)
			}
		})
	}
}

func TestBridge_CommandsRunInOrder(t *testing.T) {
	rig := newTestRig(t)
	topics := mqtt.Topics{}
	rig.session.DelaySends(5 * time.Millisecond)

	for _, v := range []string{"1", "2", "3", "4"} {
		if err := rig.mqtt.deliver(t, topics.AllCommands(), topics.Command("bot", "hold_time"), v); err != nil {
			t.Fatalf("handler error = %v", err)
		}
	}

	var ack AckMessage
	rig.mqtt.waitFor(t, topics.Ack("bot", "hold_time"), &ack, func() bool { return ack.Value == float64(4) })

	sent := rig.session.Sent()
	for i, c := range sent {
		if c.Value != int32(i+1) {
			t.Errorf("sent[%d] = %v, want %d", i, c.Value, i+1)
		}
	}
}

func TestBridge_Requests(t *testing.T) {
	rig := newTestRig(t)
	topics := mqtt.Topics{}
	rig.session.Report(datapoint.Datapoint{ID: 10, Type: datapoint.TypeValue, Value: int32(7)})

	tests := []struct {
		name     string
		payload  string
		wantOK   bool
		wantCode string
		check    func(t *testing.T, data map[string]any)
	}{
		{
			name:    "read state",
			payload: `{"action":"read_state","device_id":"bot"}`,
			wantOK:  true,
			check: func(t *testing.T, data map[string]any) {
				state, _ := data["state"].(map[string]any)
				if state["hold_time"] != float64(7) {
					t.Errorf("state = %v, want hold_time 7", data["state"])
				}
			},
		},
		{
			name:    "read datapoint",
			payload: `{"action":"read_datapoint","device_id":"bot","datapoint":"hold_time"}`,
			wantOK:  true,
			check: func(t *testing.T, data map[string]any) {
				if data["value"] != float64(7) || data["known"] != true {
					t.Errorf("data = %v, want known value 7", data)
				}
			},
		},
		{
			name:    "read unreported datapoint",
			payload: `{"action":"read_datapoint","device_id":"bot","datapoint":"mode"}`,
			wantOK:  true,
			check: func(t *testing.T, data map[string]any) {
				if data["known"] != false {
					t.Errorf("known = %v, want false", data["known"])
				}
			},
		},
		{
			name:    "read all",
			payload: `{"action":"read_all"}`,
			wantOK:  true,
			check: func(t *testing.T, data map[string]any) {
				if devices, _ := data["devices"].([]any); len(devices) != 1 {
					t.Errorf("devices = %v, want 1", data["devices"])
				}
			},
		},
		{name: "refresh", payload: `{"action":"refresh","device_id":"bot"}`, wantOK: true},
		{name: "unknown device", payload: `{"action":"read_state","device_id":"ghost"}`, wantCode: "unknown_device"},
		{name: "unknown datapoint", payload: `{"action":"read_datapoint","device_id":"bot","datapoint":"x"}`, wantCode: "unknown_datapoint"},
		{name: "unknown action", payload: `{"action":"reboot","device_id":"bot"}`, wantCode: ErrCodeInvalidAction},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := rig.mqtt.deliver(t, topics.AllRequests(), topics.Request("r1"), tt.payload); err != nil {
				t.Fatalf("handler error = %v", err)
			}
			m, ok := rig.mqtt.last(topics.Response("r1"))
			if !ok {
				t.Fatal("no response published")
			}
			var resp ResponseMessage
			if err := json.Unmarshal(m.payload, &resp); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if resp.RequestID != "r1" || resp.Success != tt.wantOK {
				t.Errorf("response = %+v, want success %v", resp, tt.wantOK)
			}
			if !tt.wantOK && (resp.Error == nil || resp.Error.Code != tt.wantCode) {
				t.Errorf("Error = %+v, want code %q", resp.Error, tt.wantCode)
			}
			if tt.check != nil {
				tt.check(t, resp.Data)
			}
		})
	}

	if rig.session.Queries() != 1 {
		t.Errorf("Queries() = %d, want 1 from refresh", rig.session.Queries())
	}
}

func TestBridge_Events(t *testing.T) {
	rig := newTestRig(t)
	topics := mqtt.Topics{}

	rig.session.SetState(session.StateConnected)
	var ev EventMessage
	rig.mqtt.waitFor(t, topics.Event("bot"), &ev, func() bool { return ev.Event == EventConnected })

	var state StateMessage
	rig.mqtt.waitFor(t, topics.State("bot"), &state, func() bool { return state.Connected })

	// A press by hand arrives as an unsolicited switch report.
	rig.session.Report(datapoint.Datapoint{ID: 2, Type: datapoint.TypeBool, Value: true})
	rig.mqtt.waitFor(t, topics.Event("bot"), &ev, func() bool { return ev.Event == EventButtonPress })

	rig.session.SetState(session.StateDisconnected)
	rig.mqtt.waitFor(t, topics.Event("bot"), &ev, func() bool { return ev.Event == EventDisconnected })
}

func TestBridge_HealthLifecycle(t *testing.T) {
	rig := newTestRig(t)
	topics := mqtt.Topics{}

	var health HealthMessage
	rig.mqtt.waitFor(t, topics.Health(), &health, nil)
	if health.Status != HealthDegraded || health.Reason != "no devices connected" {
		t.Errorf("health = %+v, want degraded with no devices connected", health)
	}
	if health.DevicesManaged != 1 || health.Bridge != "site-001" {
		t.Errorf("health = %+v", health)
	}

	rig.session.SetState(session.StateConnected)
	if err := rig.bridge.health.PublishNow(); err != nil {
		t.Fatalf("PublishNow() error = %v", err)
	}
	rig.mqtt.waitFor(t, topics.Health(), &health, nil)
	if health.Status != HealthHealthy || health.DevicesConnected != 1 {
		t.Errorf("health = %+v, want healthy with 1 connected", health)
	}

	rig.mqtt.mu.Lock()
	rig.mqtt.connected = false
	rig.mqtt.mu.Unlock()
	if got := rig.bridge.GetMetrics(); got.Status != HealthDegraded || got.MQTTConnected {
		t.Errorf("GetMetrics() = %+v, want degraded without MQTT", got)
	}

	rig.bridge.Stop()
	rig.mqtt.waitFor(t, topics.Health(), &health, nil)
	if health.Status != HealthStopping {
		t.Errorf("final status = %q, want stopping", health.Status)
	}

	rig.mqtt.mu.Lock()
	remaining := len(rig.mqtt.handlers)
	rig.mqtt.mu.Unlock()
	if remaining != 0 {
		t.Errorf("subscriptions after Stop = %d, want 0", remaining)
	}
}

func TestBridge_InvalidTopic(t *testing.T) {
	rig := newTestRig(t)

	tests := []string{
		"other/command/bot/switch",
		"tuyable/command/bot",
		"tuyable/state/bot",
	}
	for _, topic := range tests {
		if err := rig.bridge.handleMessage(topic, []byte(`true`)); !errors.Is(err, ErrInvalidTopic) {
			t.Errorf("handleMessage(%q) error = %v, want ErrInvalidTopic", topic, err)
		}
	}
}

func TestBridge_SlowBrokerDoesNotBlockDevice(t *testing.T) {
	rig := newTestRig(t)
	topics := mqtt.Topics{}

	gate := make(chan struct{})
	rig.mqtt.mu.Lock()
	rig.mqtt.gate = gate
	rig.mqtt.mu.Unlock()
	released := false
	release := func() {
		if !released {
			released = true
			close(gate)
		}
	}
	defer release()

	// Reports are applied on the caller's goroutine, as on the session
	// goroutine in production, so they must return while the broker hangs.
	done := make(chan struct{})
	go func() {
		for i := range outboundQueueSize + 10 {
			rig.session.Report(datapoint.Datapoint{ID: 10, Type: datapoint.TypeValue, Value: int32(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("datapoint reports blocked behind a stalled MQTT publish")
	}

	if got := rig.bridge.statistics().PublishesDropped; got == 0 {
		t.Error("PublishesDropped = 0, want overflow counted while the broker hangs")
	}

	release()
	var state StateMessage
	rig.mqtt.waitFor(t, topics.State("bot"), &state, func() bool { return state.Changed != "" })
	if state.Changed != "hold_time" || !state.ChangedByDevice {
		t.Errorf("state = %+v, want hold_time changed by device", state)
	}
}
