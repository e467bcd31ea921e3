package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/tuyable/internal/tuya/session"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string          `json:"timestamp"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Runtime       RuntimeMetrics  `json:"runtime"`
	WebSocket     WSMetrics       `json:"websocket"`
	Bridge        *BridgeStats    `json:"bridge,omitempty"`
	Devices       DeviceMetrics   `json:"devices"`
	Database      *DatabaseStats  `json:"database,omitempty"`
	Protocol      ProtocolMetrics `json:"protocol"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int    `json:"connected_clients"`
	DroppedEvents    uint64 `json:"dropped_events"`
}

// BridgeStats contains MQTT bridge statistics.
type BridgeStats struct {
	MQTTConnected    bool   `json:"mqtt_connected"`
	Status           string `json:"status"`
	CommandsReceived uint64 `json:"commands_received"`
	CommandsFailed   uint64 `json:"commands_failed"`
	StatesPublished  uint64 `json:"states_published"`
	RequestsHandled  uint64 `json:"requests_handled"`
	PublishesDropped uint64 `json:"publishes_dropped"`
}

// DeviceMetrics counts managed devices by session state.
type DeviceMetrics struct {
	Total     int            `json:"total"`
	Connected int            `json:"connected"`
	ByState   map[string]int `json:"by_state"`
}

// ProtocolMetrics sums session counters across devices.
type ProtocolMetrics struct {
	FramesTx          uint64 `json:"frames_tx"`
	FramesRx          uint64 `json:"frames_rx"`
	MalformedFrames   uint64 `json:"malformed_frames"`
	MalformedPayloads uint64 `json:"malformed_payloads"`
	CommandsSent      uint64 `json:"commands_sent"`
	Acks              uint64 `json:"acks"`
	Retries           uint64 `json:"retries"`
	Timeouts          uint64 `json:"timeouts"`
	Rejections        uint64 `json:"rejections"`
	Disconnects       uint64 `json:"disconnects"`
	Reconnects        uint64 `json:"reconnects"`
}

// DatabaseStats contains database connection pool statistics.
type DatabaseStats struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleMetrics returns comprehensive system metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
			DroppedEvents:    s.hub.Dropped(),
		},
		Devices: DeviceMetrics{ByState: make(map[string]int)},
	}

	if s.bridge != nil {
		bm := s.bridge.GetMetrics()
		metrics.Bridge = &BridgeStats{
			MQTTConnected:    bm.MQTTConnected,
			Status:           string(bm.Status),
			CommandsReceived: bm.Statistics.CommandsReceived,
			CommandsFailed:   bm.Statistics.CommandsFailed,
			StatesPublished:  bm.Statistics.StatesPublished,
			RequestsHandled:  bm.Statistics.RequestsHandled,
			PublishesDropped: bm.Statistics.PublishesDropped,
		}
	}

	for _, d := range s.devices.Devices() {
		st := d.Status()
		metrics.Devices.Total++
		if st.Connected {
			metrics.Devices.Connected++
		}
		metrics.Devices.ByState[st.State]++
		metrics.Protocol.add(st.Stats)
	}

	if s.db != nil {
		dbStats := s.db.Stats()
		metrics.Database = &DatabaseStats{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}

func (p *ProtocolMetrics) add(st session.Stats) {
	p.FramesTx += st.FramesTx
	p.FramesRx += st.FramesRx
	p.MalformedFrames += st.MalformedFrames
	p.MalformedPayloads += st.MalformedPayloads
	p.CommandsSent += st.CommandsSent
	p.Acks += st.Acks
	p.Retries += st.Retries
	p.Timeouts += st.Timeouts
	p.Rejections += st.Rejections
	p.Disconnects += st.Disconnects
	p.Reconnects += st.Reconnects
}
