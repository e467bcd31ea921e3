package mqtt

import "fmt"

// DefaultTopicPrefix is the topic root when none is configured.
const DefaultTopicPrefix = "tuyable"

// Topics builds the tuyable topic tree under one prefix:
//
//	{prefix}/command/{device}/{datapoint}   datapoint writes
//	{prefix}/ack/{device}/{datapoint}       write results
//	{prefix}/state/{device}                 retained device state
//	{prefix}/event/{device}                 device events (button presses)
//	{prefix}/request/{request_id}           read requests
//	{prefix}/response/{request_id}          read responses
//	{prefix}/health                         retained bridge health and LWT
//
// The zero value uses DefaultTopicPrefix.
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return t.Prefix
}

// Root returns the effective prefix.
func (t Topics) Root() string {
	return t.prefix()
}

// Command returns the write topic for one datapoint.
//
// Example: tuyable/command/kitchen-bot/switch
func (t Topics) Command(deviceID, datapoint string) string {
	return fmt.Sprintf("%s/command/%s/%s", t.prefix(), deviceID, datapoint)
}

// Ack returns the write result topic for one datapoint.
//
// Example: tuyable/ack/kitchen-bot/switch
func (t Topics) Ack(deviceID, datapoint string) string {
	return fmt.Sprintf("%s/ack/%s/%s", t.prefix(), deviceID, datapoint)
}

// State returns the retained state topic of a device.
//
// Example: tuyable/state/kitchen-bot
func (t Topics) State(deviceID string) string {
	return fmt.Sprintf("%s/state/%s", t.prefix(), deviceID)
}

// Event returns the event topic of a device.
//
// Example: tuyable/event/kitchen-bot
func (t Topics) Event(deviceID string) string {
	return fmt.Sprintf("%s/event/%s", t.prefix(), deviceID)
}

// Request returns the topic for one read request.
//
// Example: tuyable/request/req-abc123
func (t Topics) Request(requestID string) string {
	return fmt.Sprintf("%s/request/%s", t.prefix(), requestID)
}

// Response returns the topic answering one read request.
//
// Example: tuyable/response/req-abc123
func (t Topics) Response(requestID string) string {
	return fmt.Sprintf("%s/response/%s", t.prefix(), requestID)
}

// Health returns the retained bridge health topic, which also carries the
// Last Will.
//
// Example: tuyable/health
func (t Topics) Health() string {
	return t.prefix() + "/health"
}

// AllCommands matches every datapoint write.
//
// Pattern: tuyable/command/+/+
func (t Topics) AllCommands() string {
	return t.prefix() + "/command/+/+"
}

// AllRequests matches every read request.
//
// Pattern: tuyable/request/+
func (t Topics) AllRequests() string {
	return t.prefix() + "/request/+"
}

// AllStates matches every device state.
//
// Pattern: tuyable/state/+
func (t Topics) AllStates() string {
	return t.prefix() + "/state/+"
}

// All matches the whole tree. Use with caution.
//
// Pattern: tuyable/#
func (t Topics) All() string {
	return t.prefix() + "/#"
}
