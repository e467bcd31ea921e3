package config

import (
	"github.com/nerrad567/tuyable/internal/tuya/codec"
	"github.com/nerrad567/tuyable/internal/tuya/session"
)

// SessionFor returns the session tuning for one device. Zero fields fall
// back to the session package defaults.
func (t *TuyaConfig) SessionFor(d DeviceConfig) session.Config {
	s := t.Session
	version := s.ProtocolVersion
	if d.ProtocolVersion != 0 {
		version = d.ProtocolVersion
	}

	return session.Config{
		Version:              codec.Version(version), //nolint:gosec // validated to 2 or 3
		MTU:                  s.MTU,
		CommandTimeout:       s.CommandTimeout,
		Retries:              s.Retries,
		TimeoutMultiplier:    s.TimeoutMultiplier,
		MaxCommandTimeout:    s.MaxCommandTimeout,
		ReassemblyWindow:     s.ReassemblyWindow,
		NotifyQueueSize:      s.NotifyQueueSize,
		ConnectTimeout:       s.ConnectTimeout,
		ReconnectInterval:    s.ReconnectInterval,
		MaxReconnectInterval: s.MaxReconnectInterval,
		QueryStatusOnConnect: s.QueryStatusOnConnect,
	}
}
