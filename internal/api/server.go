package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/tuyable/internal/bridges/tuyable"
	"github.com/nerrad567/tuyable/internal/device"
	"github.com/nerrad567/tuyable/internal/infrastructure/config"
	"github.com/nerrad567/tuyable/internal/infrastructure/logging"
	"github.com/nerrad567/tuyable/internal/tuya"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// defaultWriteTimeout bounds a datapoint write made through the API.
const defaultWriteTimeout = 30 * time.Second

// WebSocket keepalive defaults in seconds.
const (
	defaultPingInterval = 30
	defaultPongTimeout  = 10
)

// Devices is the device access the API needs. *tuya.Manager satisfies it.
type Devices interface {
	Device(id string) (*tuya.Device, error)
	Devices() []*tuya.Device
	Subscribe(fn func(tuya.Change)) func()
}

// Inventory supplies stored device records. *device.Registry satisfies it.
type Inventory interface {
	GetDevice(ctx context.Context, id string) (*device.Device, error)
}

// BridgeMetrics supplies MQTT bridge metrics. *tuyable.Bridge satisfies it.
type BridgeMetrics interface {
	GetMetrics() tuyable.Metrics
}

// DBStats supplies connection pool statistics. *database.DB satisfies it.
type DBStats interface {
	Stats() sql.DBStats
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Devices  Devices

	// Optional.
	Inventory Inventory
	Bridge    BridgeMetrics
	DB        DBStats

	// WriteTimeout bounds PUT datapoint calls; 0 selects 30s.
	WriteTimeout time.Duration

	Version string
}

// Server is the HTTP API server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg          config.APIConfig
	wsCfg        config.WebSocketConfig
	secCfg       config.SecurityConfig
	logger       *logging.Logger
	devices      Devices
	inventory    Inventory
	bridge       BridgeMetrics
	db           DBStats
	writeTimeout time.Duration
	version      string
	startTime    time.Time

	server  *http.Server
	hub     *Hub
	tickets *ticketStore
	cancel  context.CancelFunc
	unsub   func()
	mu      sync.Mutex
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Devices == nil {
		return nil, fmt.Errorf("devices are required")
	}
	timeout := deps.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	ws := deps.WS
	if ws.PingInterval <= 0 {
		ws.PingInterval = defaultPingInterval
	}
	if ws.PongTimeout <= 0 {
		ws.PongTimeout = defaultPongTimeout
	}

	return &Server{
		cfg:          deps.Config,
		wsCfg:        ws,
		secCfg:       deps.Security,
		logger:       deps.Logger,
		devices:      deps.Devices,
		inventory:    deps.Inventory,
		bridge:       deps.Bridge,
		db:           deps.DB,
		writeTimeout: timeout,
		version:      deps.Version,
		startTime:    time.Now(),
		hub:          NewHub(ws, deps.Logger),
		tickets:      newTicketStore(),
	}, nil
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start subscribes to datapoint changes for WebSocket broadcast and
// launches the HTTP listener in a background goroutine.
//
// Returns:
//   - error: If the server fails to start
func (s *Server) Start(ctx context.Context) error {
	srvCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	s.unsub = s.devices.Subscribe(s.broadcastChange)
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	go s.hub.Run(srvCtx)
	go s.tickets.cleanLoop(srvCtx)

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS", "address", srv.Addr, "cert", s.cfg.TLS.CertFile)
			err = srv.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", srv.Addr)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	s.mu.Lock()
	srv, cancel, unsub := s.server, s.cancel, s.unsub
	s.server, s.unsub = nil, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}

	ctx, done := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer done()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api health check: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

// BroadcastStatus pushes a device.status event. Wire it to tuya.Device
// connected and disconnected callbacks.
func (s *Server) BroadcastStatus(d *tuya.Device) {
	s.hub.Broadcast(ChannelDeviceStatus, d.ID(), d.Status())
}

func (s *Server) broadcastChange(c tuya.Change) {
	s.hub.Broadcast(ChannelDatapointChanged, c.DeviceID, newDatapointView(c.DeviceID, c.Value))
}
