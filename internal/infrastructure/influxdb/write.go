package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/tuyable/internal/tuya"
)

// SessionMeasurement is the measurement holding per-device protocol counters.
const SessionMeasurement = "tuyable_session"

// WriteSessionStats records one sample of a device's session counters.
// Counters are cumulative since process start; rates are left to queries.
// Datapoint values are never written.
func (c *Client) WriteSessionStats(st tuya.Status, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(sessionPoint(st, at))
}

func sessionPoint(st tuya.Status, at time.Time) *write.Point {
	s := st.Stats
	connected := int64(0)
	if st.Connected {
		connected = 1
	}

	return write.NewPoint(
		SessionMeasurement,
		map[string]string{
			"device_id": st.ID,
			"category":  st.Category,
			"product":   st.Product,
		},
		map[string]any{
			"connected":             connected,
			"frames_tx":             s.FramesTx,
			"frames_rx":             s.FramesRx,
			"malformed_frames":      s.MalformedFrames,
			"malformed_payloads":    s.MalformedPayloads,
			"commands_sent":         s.CommandsSent,
			"acks":                  s.Acks,
			"retries":               s.Retries,
			"timeouts":              s.Timeouts,
			"rejections":            s.Rejections,
			"write_errors":          s.WriteErrors,
			"disconnects":           s.Disconnects,
			"reconnects":            s.Reconnects,
			"unsolicited":           s.Unsolicited,
			"unmatched_acks":        s.Unmatched,
			"type_mismatches":       s.TypeMismatches,
			"notifications_dropped": s.NotificationsDropped,
			"reassembly_completed":  s.ReassemblyCompleted,
			"reassembly_discarded":  s.ReassemblyDiscarded,
			"reassembly_abandoned":  s.ReassemblyAbandoned,
		},
		at,
	)
}
