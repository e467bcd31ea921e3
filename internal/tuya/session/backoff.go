package session

import (
	"math"
	"time"
)

// reconnectBackoffFactor grows the reconnection delay after each failure.
const reconnectBackoffFactor = 1.5

// attemptTimeout returns the ack timeout for attempt n (1-based):
// CommandTimeout * TimeoutMultiplier^(n-1), capped at MaxCommandTimeout.
func attemptTimeout(cfg Config, attempt int) time.Duration {
	if attempt <= 1 || cfg.TimeoutMultiplier <= 1.0 {
		return cfg.CommandTimeout
	}
	d := float64(cfg.CommandTimeout) * math.Pow(cfg.TimeoutMultiplier, float64(attempt-1))
	if d > float64(cfg.MaxCommandTimeout) {
		return cfg.MaxCommandTimeout
	}
	return time.Duration(d)
}

// nextReconnectDelay grows d by 1.5x, capped at limit.
func nextReconnectDelay(d, limit time.Duration) time.Duration {
	next := time.Duration(float64(d) * reconnectBackoffFactor)
	if next > limit {
		return limit
	}
	return next
}
