package tuyable

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/tuyable/internal/tuya"
)

// CommandMessage is a datapoint write received on
// {prefix}/command/{device}/{datapoint}.
//
// The body is either an object carrying an id and a value, or a bare JSON
// value:
//
//	{"id": "cmd-42", "value": true}
//	true
type CommandMessage struct {
	// ID correlates the ack; generated when absent.
	ID string `json:"id,omitempty"`

	Value any `json:"value"`

	// Source identifies the sender for logs.
	Source string `json:"source,omitempty"`
}

// parseCommand decodes a command body in either accepted form.
func parseCommand(payload []byte) (CommandMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return CommandMessage{}, fmt.Errorf("%w: empty command", ErrInvalidPayload)
	}

	if trimmed[0] == '{' {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return CommandMessage{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		if _, ok := fields["value"]; ok {
			var cmd CommandMessage
			if err := json.Unmarshal(trimmed, &cmd); err != nil {
				return CommandMessage{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
			}
			if cmd.Value == nil {
				return CommandMessage{}, fmt.Errorf("%w: null value", ErrInvalidPayload)
			}
			return cmd, nil
		}
		return CommandMessage{}, fmt.Errorf("%w: object without value", ErrInvalidPayload)
	}

	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return CommandMessage{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if v == nil {
		return CommandMessage{}, fmt.Errorf("%w: null value", ErrInvalidPayload)
	}
	return CommandMessage{Value: v}, nil
}

// AckStatus is the outcome of a command.
type AckStatus string

const (
	// AckCompleted means the device acknowledged the write.
	AckCompleted AckStatus = "completed"

	// AckFailed means the write was rejected or could not be sent.
	AckFailed AckStatus = "failed"

	// AckTimeout means the device did not acknowledge in time.
	AckTimeout AckStatus = "timeout"
)

// Error codes not produced by tuya.ErrorCode.
const (
	ErrCodeInvalidPayload = "invalid_payload"
	ErrCodeBusy           = "busy"
	ErrCodeInvalidAction  = "invalid_action"
)

// AckMessage reports the result of a command on
// {prefix}/ack/{device}/{datapoint}.
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Datapoint string    `json:"datapoint"`
	Status    AckStatus `json:"status"`

	// Value is the acknowledged value, present on success.
	Value any `json:"value,omitempty"`

	Error *AckError `json:"error,omitempty"`
}

// AckError describes a failed command.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// newAck builds the ack for a finished command.
func newAck(cmd CommandMessage, deviceID, datapoint string, value any, err error) AckMessage {
	ack := AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  deviceID,
		Datapoint: datapoint,
		Status:    AckCompleted,
	}
	if err == nil {
		ack.Value = tuya.Plain(value)
		return ack
	}

	code := errorCode(err)
	ack.Status = AckFailed
	if code == "timeout" {
		ack.Status = AckTimeout
	}
	ack.Error = &AckError{Code: code, Message: err.Error()}
	return ack
}

// errorCode extends tuya.ErrorCode with bridge errors.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidPayload):
		return ErrCodeInvalidPayload
	case errors.Is(err, ErrBusy):
		return ErrCodeBusy
	default:
		return tuya.ErrorCode(err)
	}
}

// StateMessage is the retained full state of a device on
// {prefix}/state/{device}.
type StateMessage struct {
	DeviceID  string         `json:"device_id"`
	Timestamp time.Time      `json:"timestamp"`
	Connected bool           `json:"connected"`
	State     map[string]any `json:"state"`

	// Changed names the datapoint that triggered this publish, if any.
	Changed string `json:"changed,omitempty"`

	// ChangedByDevice is true when the triggering update was not caused
	// by one of our writes.
	ChangedByDevice bool `json:"changed_by_device,omitempty"`
}

// newStateMessage snapshots a device.
func newStateMessage(d *tuya.Device) StateMessage {
	values := d.State()
	state := make(map[string]any, len(values))
	for _, v := range values {
		state[v.Name] = tuya.Plain(v.Value)
	}
	return StateMessage{
		DeviceID:  d.ID(),
		Timestamp: time.Now().UTC(),
		Connected: d.Connected(),
		State:     state,
	}
}

// Event kinds published on {prefix}/event/{device}.
const (
	EventButtonPress  = "button_press"
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
)

// EventMessage is a device event.
type EventMessage struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
}

// HealthStatus represents the bridge health state.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is the retained bridge health on {prefix}/health.
type HealthMessage struct {
	Bridge           string            `json:"bridge"`
	Timestamp        time.Time         `json:"timestamp"`
	Status           HealthStatus      `json:"status"`
	Version          string            `json:"version"`
	UptimeSeconds    int64             `json:"uptime_seconds"`
	DevicesManaged   int               `json:"devices_managed"`
	DevicesConnected int               `json:"devices_connected"`
	Statistics       *BridgeStatistics `json:"statistics,omitempty"`
	Reason           string            `json:"reason,omitempty"`
}

// BridgeStatistics are cumulative bridge counters.
type BridgeStatistics struct {
	CommandsReceived uint64 `json:"commands_received"`
	CommandsFailed   uint64 `json:"commands_failed"`
	StatesPublished  uint64 `json:"states_published"`
	RequestsHandled  uint64 `json:"requests_handled"`
	Errors           uint64 `json:"errors"`

	// PublishesDropped counts state and event messages lost to a full
	// outbound queue.
	PublishesDropped uint64 `json:"publishes_dropped"`
}

// Request actions.
const (
	ActionReadState     = "read_state"
	ActionReadDatapoint = "read_datapoint"
	ActionReadAll       = "read_all"
	ActionRefresh       = "refresh"
)

// RequestMessage is a read request on {prefix}/request/{request_id}.
type RequestMessage struct {
	// RequestID defaults to the last topic segment.
	RequestID string `json:"request_id,omitempty"`
	Action    string `json:"action"`
	DeviceID  string `json:"device_id,omitempty"`
	Datapoint string `json:"datapoint,omitempty"`
}

// ResponseMessage answers a request on {prefix}/response/{request_id}.
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *AckError      `json:"error,omitempty"`
}

func okResponse(requestID string, data map[string]any) ResponseMessage {
	return ResponseMessage{
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data:      data,
	}
}

func errorResponse(requestID, code, message string) ResponseMessage {
	return ResponseMessage{
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Error:     &AckError{Code: code, Message: message},
	}
}
