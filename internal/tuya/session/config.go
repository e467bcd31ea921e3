package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/tuyable/internal/tuya/codec"
	"github.com/nerrad567/tuyable/internal/tuya/reassembly"
)

// Default session tuning.
const (
	defaultCommandTimeout       = 5 * time.Second
	defaultRetries              = 2
	defaultTimeoutMultiplier    = 1.0
	defaultMaxCommandTimeout    = 15 * time.Second
	defaultNotifyQueueSize      = 64
	defaultRequestQueueSize     = 32
	defaultConnectTimeout       = 20 * time.Second
	defaultWriteTimeout         = 5 * time.Second
	defaultReconnectInterval    = 2 * time.Second
	defaultMaxReconnectInterval = time.Minute

	// maxRetries bounds the configurable retry count.
	maxRetries = 10

	// eventQueueSize is the buffer of the internal event channel.
	eventQueueSize = 64

	// writeQueueSize is the buffer of the writer goroutine's job channel.
	writeQueueSize = 16
)

// Config tunes one session.
type Config struct {
	// Version selects the sequence number width. Default: codec.Version3.
	Version codec.Version

	// MTU is the maximum bytes per BLE write. Default: codec.DefaultMTU.
	MTU int

	// CommandTimeout is how long the first attempt waits for an ack.
	CommandTimeout time.Duration

	// Retries is the number of retransmissions after the first attempt.
	Retries int

	// TimeoutMultiplier grows the ack timeout per attempt (1.0 keeps it
	// fixed). Capped at MaxCommandTimeout.
	TimeoutMultiplier float64

	// MaxCommandTimeout caps the per-attempt ack timeout.
	MaxCommandTimeout time.Duration

	// ReassemblyWindow is the inactivity window for partial messages.
	ReassemblyWindow time.Duration

	// NotifyQueueSize bounds notifications waiting for the session goroutine.
	NotifyQueueSize int

	// RequestQueueSize bounds commands waiting to enter the command queue.
	RequestQueueSize int

	// ConnectTimeout bounds one connection attempt.
	ConnectTimeout time.Duration

	// WriteTimeout bounds one frame write.
	WriteTimeout time.Duration

	// ReconnectInterval is the first reconnection delay; it grows by 1.5x
	// up to MaxReconnectInterval.
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration

	// QueryStatusOnConnect queues a status query after every successful
	// connect so the device reports its full datapoint set.
	QueryStatusOnConnect bool
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		Version:              codec.Version3,
		MTU:                  codec.DefaultMTU,
		CommandTimeout:       defaultCommandTimeout,
		Retries:              defaultRetries,
		TimeoutMultiplier:    defaultTimeoutMultiplier,
		MaxCommandTimeout:    defaultMaxCommandTimeout,
		ReassemblyWindow:     reassembly.DefaultWindow,
		NotifyQueueSize:      defaultNotifyQueueSize,
		RequestQueueSize:     defaultRequestQueueSize,
		ConnectTimeout:       defaultConnectTimeout,
		WriteTimeout:         defaultWriteTimeout,
		ReconnectInterval:    defaultReconnectInterval,
		MaxReconnectInterval: defaultMaxReconnectInterval,
		QueryStatusOnConnect: true,
	}
}

// withDefaults fills zero fields from DefaultConfig. Retries and
// QueryStatusOnConnect are taken as given.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Version == 0 {
		c.Version = d.Version
	}
	if c.MTU == 0 {
		c.MTU = d.MTU
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.TimeoutMultiplier == 0 {
		c.TimeoutMultiplier = d.TimeoutMultiplier
	}
	if c.MaxCommandTimeout == 0 {
		c.MaxCommandTimeout = max(d.MaxCommandTimeout, c.CommandTimeout)
	}
	if c.ReassemblyWindow == 0 {
		c.ReassemblyWindow = d.ReassemblyWindow
	}
	if c.NotifyQueueSize == 0 {
		c.NotifyQueueSize = d.NotifyQueueSize
	}
	if c.RequestQueueSize == 0 {
		c.RequestQueueSize = d.RequestQueueSize
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = d.ReconnectInterval
	}
	if c.MaxReconnectInterval == 0 {
		c.MaxReconnectInterval = max(d.MaxReconnectInterval, c.ReconnectInterval)
	}
	return c
}

// Validate checks the configuration after defaults are applied.
func (c Config) Validate() error {
	var errs []string

	if !c.Version.Valid() {
		errs = append(errs, fmt.Sprintf("version %d not supported", c.Version))
	}
	if c.Retries < 0 || c.Retries > maxRetries {
		errs = append(errs, fmt.Sprintf("retries must be 0-%d", maxRetries))
	}
	if c.CommandTimeout < 0 || c.MaxCommandTimeout < c.CommandTimeout {
		errs = append(errs, "max command timeout must be >= command timeout")
	}
	if c.TimeoutMultiplier < 1.0 {
		errs = append(errs, "timeout multiplier must be >= 1.0")
	}
	if c.NotifyQueueSize < 1 || c.RequestQueueSize < 1 {
		errs = append(errs, "queue sizes must be positive")
	}
	if c.MaxReconnectInterval < c.ReconnectInterval {
		errs = append(errs, "max reconnect interval must be >= reconnect interval")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}
