package codec

import "fmt"

// Command identifies the functional channel a frame belongs to.
type Command uint16

// Commands sent by the host.
const (
	CommandDeviceInfo    Command = 0x0000
	CommandPair          Command = 0x0001
	CommandSendDatapoint Command = 0x0002
	CommandDeviceStatus  Command = 0x0003
	CommandUnbind        Command = 0x0005
	CommandDeviceReset   Command = 0x0006
)

// CommandReportDatapoint is sent by the device with a datapoint payload,
// either unsolicited or in response to a write or status query.
const CommandReportDatapoint Command = 0x8001

// IsReport reports whether frames with this command carry a datapoint
// payload pushed by the device.
func (c Command) IsReport() bool {
	return c == CommandReportDatapoint
}

// String implements fmt.Stringer.
func (c Command) String() string {
	switch c {
	case CommandDeviceInfo:
		return "device_info"
	case CommandPair:
		return "pair"
	case CommandSendDatapoint:
		return "send_datapoint"
	case CommandDeviceStatus:
		return "device_status"
	case CommandUnbind:
		return "unbind"
	case CommandDeviceReset:
		return "device_reset"
	case CommandReportDatapoint:
		return "report_datapoint"
	default:
		return fmt.Sprintf("command(0x%04x)", uint16(c))
	}
}
