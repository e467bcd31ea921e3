package influxdb

import "errors"

var (
	// ErrDisabled is returned by Connect when influxdb.enabled is false;
	// cmd/tuyable then runs without telemetry.
	ErrDisabled = errors.New("influxdb: telemetry disabled")

	ErrConnectionFailed = errors.New("influxdb: cannot reach server")
	ErrNotConnected     = errors.New("influxdb: client closed")
)
