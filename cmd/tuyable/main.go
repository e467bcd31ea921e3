// tuyable - Tuya BLE gateway
//
// This is the main entry point for the tuyable gateway. It drives Tuya
// Bluetooth LE devices (fingerbots, sensors, valves, locks) through their
// datapoint protocol and exposes them over:
//   - MQTT command, ack, state and event topics
//   - an HTTP REST API with a WebSocket event stream
//   - an optional MCP tool server on stdio
//
// Configuration is read from TUYABLE_CONFIG or configs/config.yaml.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/tuyable/internal/api"
	"github.com/nerrad567/tuyable/internal/bridges/tuyable"
	"github.com/nerrad567/tuyable/internal/device"
	"github.com/nerrad567/tuyable/internal/infrastructure/config"
	"github.com/nerrad567/tuyable/internal/infrastructure/database"
	"github.com/nerrad567/tuyable/internal/infrastructure/influxdb"
	"github.com/nerrad567/tuyable/internal/infrastructure/logging"
	"github.com/nerrad567/tuyable/internal/infrastructure/mqtt"
	"github.com/nerrad567/tuyable/internal/mcptools"
	"github.com/nerrad567/tuyable/internal/tuya"
	"github.com/nerrad567/tuyable/internal/tuya/ble"
	"github.com/nerrad567/tuyable/internal/tuya/catalog"
	"github.com/nerrad567/tuyable/internal/tuya/session"
	"github.com/nerrad567/tuyable/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	issueFor := flag.String("issue-token", "", "print an API token for this subject and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of a token printed by -issue-token")
	migrateStatus := flag.Bool("migrate-status", false, "print applied and pending schema migrations and exit")
	migrateDown := flag.Bool("migrate-down", false, "roll back the latest schema migration and exit")
	flag.Parse()

	if *issueFor != "" {
		if err := issueToken(os.Stdout, *issueFor, *tokenTTL); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if *migrateStatus || *migrateDown {
		if err := migrateCommand(context.Background(), os.Stdout, *migrateDown); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // startup wiring is a linear sequence
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting tuyable",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// The MCP stdio server owns stdout, so logs move to stderr.
	if cfg.MCP.Enabled {
		log = logging.NewWriter(cfg.Logging, version, os.Stderr)
	} else {
		log = logging.New(cfg.Logging, version)
	}
	log.Info("configuration loaded",
		"path", configPath,
		"devices", len(cfg.Tuya.Devices),
		"level", cfg.Logging.Level,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Open database
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	// Product catalog
	cat := catalog.Builtin()
	if loadErr := cat.LoadFiles(cfg.Tuya.CatalogFiles...); loadErr != nil {
		return fmt.Errorf("loading catalog: %w", loadErr)
	}

	// Devices over the BLE radio
	var transports transportFactory
	if len(cfg.Tuya.Devices) > 0 {
		adapter, adapterErr := ble.NewAdapter(ble.AdapterOptions{
			ScanTimeout: cfg.Tuya.ScanTimeout,
			Logger:      log.Component("ble"),
		})
		if adapterErr != nil {
			return fmt.Errorf("opening bluetooth: %w", adapterErr)
		}
		transports = func(address string) session.Transport { return adapter.Transport(address) }
	}
	manager, seeds, err := buildDevices(cfg, cat, transports, log)
	if err != nil {
		return err
	}

	// Device inventory
	inventory := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	inventory.SetLogger(log.Component("inventory"))
	if _, seedErr := inventory.Seed(ctx, seeds); seedErr != nil {
		return fmt.Errorf("seeding device inventory: %w", seedErr)
	}

	hooks := &deviceHooks{}
	hooks.onConnected(func(d *tuya.Device) {
		// Device callbacks run on the session goroutine; keep disk I/O off it.
		id, seen := d.ID(), time.Now()
		go func() {
			if markErr := inventory.MarkSeen(context.Background(), id, seen); markErr != nil {
				log.Warn("recording last seen failed", "device_id", id, "error", markErr)
			}
		}()
	})

	// MQTT bridge
	var mqttClient *mqtt.Client
	var bridge *tuyable.Bridge
	if cfg.MQTT.Enabled {
		topics := mqtt.Topics{Prefix: cfg.Tuya.TopicPrefix}
		mqttClient, err = mqtt.Connect(cfg.MQTT, topics)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() { log.Info("MQTT connected") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		bridge, err = tuyable.NewBridge(tuyable.Options{
			MQTT:           mqttClient,
			Devices:        manager,
			Topics:         topics,
			BridgeID:       cfg.Site.ID,
			Version:        version,
			HealthInterval: cfg.Tuya.HealthInterval,
			Logger:         log.Component("bridge"),
		})
		if err != nil {
			return fmt.Errorf("creating MQTT bridge: %w", err)
		}
		hooks.onConnectionChange(bridge.HandleConnectionChange)
		hooks.onButtonPress(bridge.HandleButtonPress)
	} else {
		log.Info("MQTT bridge disabled")
	}

	// HTTP API
	var apiServer *api.Server
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:    cfg.API,
			WS:        cfg.WebSocket,
			Security:  cfg.Security,
			Logger:    log.Component("api"),
			Devices:   manager,
			Inventory: inventory,
			DB:        db,
			Version:   version,
		}
		if bridge != nil {
			deps.Bridge = bridge
		}
		apiServer, err = api.New(deps)
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		hooks.onConnectionChange(apiServer.BroadcastStatus)
	} else {
		log.Info("HTTP API disabled")
	}

	// Callbacks must be in place before sessions can connect.
	hooks.install(manager)
	if startErr := manager.Start(); startErr != nil {
		return fmt.Errorf("starting devices: %w", startErr)
	}
	defer func() {
		log.Info("stopping devices")
		if closeErr := manager.Close(); closeErr != nil {
			log.Error("error stopping devices", "error", closeErr)
		}
	}()

	if bridge != nil {
		if startErr := bridge.Start(ctx); startErr != nil {
			return fmt.Errorf("starting MQTT bridge: %w", startErr)
		}
		defer func() {
			log.Info("stopping MQTT bridge")
			bridge.Stop()
		}()
	}

	if apiServer != nil {
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	// Protocol telemetry (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		reporter := influxdb.NewReporter(manager, influxClient, time.Duration(cfg.InfluxDB.StatsInterval)*time.Second)
		go reporter.Run(ctx)
		log.Info("InfluxDB telemetry enabled", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	// MCP tools on stdio (optional); the client closing stdin ends the run.
	if cfg.MCP.Enabled {
		tools, toolsErr := mcptools.New(mcptools.Options{
			Devices: manager,
			Version: version,
			Logger:  log.Component("mcp"),
		})
		if toolsErr != nil {
			return fmt.Errorf("creating MCP server: %w", toolsErr)
		}
		go func() {
			if serveErr := tools.Serve(ctx, os.Stdin, os.Stdout); serveErr != nil {
				log.Error("MCP server error", "error", serveErr)
			}
			cancel()
		}()
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: telemetry, API, bridge,
	// devices, MQTT and finally the database.
	return nil
}

// getConfigPath returns the configuration file path.
// Uses TUYABLE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("TUYABLE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// transportFactory returns the link for one device address.
type transportFactory func(address string) session.Transport

// buildDevices creates a session and device per configured device and the
// inventory records that describe them.
//
// Parameters:
//   - cfg: Application configuration
//   - cat: Product catalog used to resolve schemas
//   - transports: Link factory; only called when devices are configured
//   - log: Logger instance
//
// Returns:
//   - *tuya.Manager: Manager holding every device, not yet started
//   - []device.Device: Inventory seeds
//   - error: If a product or session cannot be resolved
func buildDevices(cfg *config.Config, cat *catalog.Catalog, transports transportFactory, log *logging.Logger) (*tuya.Manager, []device.Device, error) {
	manager := tuya.NewManager(log.Component("devices"))
	seeds := make([]device.Device, 0, len(cfg.Tuya.Devices))

	for _, dc := range cfg.Tuya.Devices {
		product, err := cat.Lookup(dc.Category, dc.ProductID)
		if err != nil {
			return nil, nil, fmt.Errorf("device %s: %w", dc.ID, err)
		}
		if transports == nil {
			return nil, nil, fmt.Errorf("device %s: no transport available", dc.ID)
		}

		devLog := log.With("device_id", dc.ID)
		sessCfg := cfg.Tuya.SessionFor(dc)
		sess, err := session.New(session.Options{
			DeviceID:  dc.ID,
			Transport: transports(dc.Address),
			Config:    sessCfg,
			Logger:    devLog,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("device %s: %w", dc.ID, err)
		}

		d, err := tuya.NewDevice(tuya.DeviceOptions{
			ID:              dc.ID,
			Name:            dc.Name,
			Address:         dc.Address,
			Product:         product,
			Session:         sess,
			DisconnectDelay: cfg.Tuya.DisconnectDelay,
			Logger:          devLog,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := manager.Add(d); err != nil {
			return nil, nil, err
		}

		seeds = append(seeds, device.Device{
			ID:              dc.ID,
			Name:            d.Name(),
			Address:         dc.Address,
			Category:        dc.Category,
			ProductID:       dc.ProductID,
			ProtocolVersion: int(sessCfg.Version),
		})
		log.Info("device configured",
			"device_id", dc.ID,
			"product", product.Name,
			"address", catalog.FullAddress(dc.Address),
		)
	}
	return manager, seeds, nil
}

// deviceHooks fans device callbacks out to every consumer. Devices hold a
// single callback per event.
type deviceHooks struct {
	connected    []func(*tuya.Device)
	disconnected []func(*tuya.Device)
	button       []func(*tuya.Device)
}

func (h *deviceHooks) onConnected(fn func(*tuya.Device)) {
	h.connected = append(h.connected, fn)
}

func (h *deviceHooks) onConnectionChange(fn func(*tuya.Device)) {
	h.connected = append(h.connected, fn)
	h.disconnected = append(h.disconnected, fn)
}

func (h *deviceHooks) onButtonPress(fn func(*tuya.Device)) {
	h.button = append(h.button, fn)
}

// install sets the fan-out callbacks on every managed device.
func (h *deviceHooks) install(m *tuya.Manager) {
	for _, d := range m.Devices() {
		d.SetOnConnected(fanOut(h.connected))
		d.SetOnDisconnected(fanOut(h.disconnected))
		d.SetOnButtonPress(fanOut(h.button))
	}
}

func fanOut(fns []func(*tuya.Device)) func(*tuya.Device) {
	if len(fns) == 0 {
		return nil
	}
	return func(d *tuya.Device) {
		for _, fn := range fns {
			fn(d)
		}
	}
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check (may be nil if disabled)
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// issueToken prints an API bearer token signed with the configured secret.
func issueToken(w io.Writer, subject string, ttl time.Duration) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Security.JWT.Secret == "" {
		return errors.New("security.jwt.secret is not set; API authentication is disabled")
	}
	token, err := api.IssueToken(cfg.Security.JWT.Secret, subject, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, token)
	return err
}

// migrateCommand optionally rolls back the latest migration, then prints
// the schema migration status.
func migrateCommand(ctx context.Context, w io.Writer, down bool) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if down {
		if err := db.MigrateDown(ctx, migrations.FS); err != nil {
			return fmt.Errorf("rolling back migration: %w", err)
		}
	}

	applied, pending, err := db.GetMigrationStatus(ctx, migrations.FS)
	if err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}
	for _, m := range applied {
		fmt.Fprintf(w, "applied  %s  %s\n", m.Version, m.AppliedAt.Format(time.RFC3339))
	}
	for _, m := range pending {
		fmt.Fprintf(w, "pending  %s  %s\n", m.Version, m.Name)
	}
	return nil
}
