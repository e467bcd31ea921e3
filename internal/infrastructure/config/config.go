package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config mirrors configs/config.yaml. A handful of deployment secrets and
// addresses can also come from TUYABLE_* environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
	MCP       MCPConfig       `yaml:"mcp"`
	Tuya      TuyaConfig      `yaml:"tuya"`
}

// SiteConfig names this bridge instance in health messages and telemetry tags.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig locates the SQLite device inventory.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig is the broker the bridge publishes device state to.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig is the broker address and this bridge's client id.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig holds broker credentials; both empty means anonymous.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig bounds paho's reconnect backoff, in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig is the HTTP listener for the device API.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig enables HTTPS on the API listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig lists browser origins allowed to call the API. Empty allows all.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig tunes the live event socket under /api/v1.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings for protocol
// telemetry.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`

	// StatsInterval is how often session counters are written, in seconds.
	StatsInterval int `yaml:"stats_interval"`
}

// LoggingConfig selects level, format and destination for slog.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig holds the API token secret.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings. An empty secret disables API
// authentication.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// MCPConfig enables the stdio MCP tool server.
type MCPConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TuyaConfig contains device, catalog and protocol settings.
type TuyaConfig struct {
	// CatalogFiles are TOML product files merged over the builtin catalog.
	CatalogFiles []string `yaml:"catalog_files"`

	// TopicPrefix is the MQTT topic root. Default: "tuyable".
	TopicPrefix string `yaml:"topic_prefix"`

	// ScanTimeout bounds the BLE search for one device.
	ScanTimeout time.Duration `yaml:"scan_timeout"`

	// DisconnectDelay debounces link loss before a device reports offline.
	DisconnectDelay time.Duration `yaml:"disconnect_delay"`

	// HealthInterval is how often bridge health is published.
	HealthInterval time.Duration `yaml:"health_interval"`

	Session SessionConfig  `yaml:"session"`
	Devices []DeviceConfig `yaml:"devices"`
}

// SessionConfig tunes the protocol session of every device.
type SessionConfig struct {
	ProtocolVersion      int           `yaml:"protocol_version"`
	MTU                  int           `yaml:"mtu"`
	CommandTimeout       time.Duration `yaml:"command_timeout"`
	Retries              int           `yaml:"retries"`
	TimeoutMultiplier    float64       `yaml:"timeout_multiplier"`
	MaxCommandTimeout    time.Duration `yaml:"max_command_timeout"`
	ReassemblyWindow     time.Duration `yaml:"reassembly_window"`
	NotifyQueueSize      int           `yaml:"notify_queue_size"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"`
	QueryStatusOnConnect bool          `yaml:"query_status_on_connect"`
}

// DeviceConfig is one configured device.
type DeviceConfig struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Address   string `yaml:"address"`
	Category  string `yaml:"category"`
	ProductID string `yaml:"product_id"`

	// ProtocolVersion overrides tuya.session.protocol_version.
	ProtocolVersion int `yaml:"protocol_version"`
}

// Load layers the file at path over defaultConfig, then the TUYABLE_*
// environment variables over the file, and validates the result. Keys
// missing from the file keep their defaults, so a config may list only
// devices.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig is a local broker, an open API on :8080 and no devices.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "tuyable",
		},
		Database: DatabaseConfig{
			Path:        "./data/tuyable.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "tuyable",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
			StatsInterval: 60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Tuya: TuyaConfig{
			TopicPrefix:     "tuyable",
			ScanTimeout:     15 * time.Second,
			DisconnectDelay: 10 * time.Second,
			HealthInterval:  30 * time.Second,
			Session: SessionConfig{
				ProtocolVersion:      3,
				MTU:                  244,
				CommandTimeout:       5 * time.Second,
				Retries:              2,
				TimeoutMultiplier:    1.0,
				MaxCommandTimeout:    15 * time.Second,
				ReassemblyWindow:     5 * time.Second,
				NotifyQueueSize:      64,
				ConnectTimeout:       20 * time.Second,
				ReconnectInterval:    2 * time.Second,
				MaxReconnectInterval: time.Minute,
				QueryStatusOnConnect: true,
			},
		},
	}
}

// applyEnvOverrides reads the TUYABLE_* variables that container
// deployments set. Unparseable ports are ignored.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TUYABLE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("TUYABLE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("TUYABLE_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("TUYABLE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("TUYABLE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("TUYABLE_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("TUYABLE_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	if v := os.Getenv("TUYABLE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("TUYABLE_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}

	if v := os.Getenv("TUYABLE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate reports every problem at once, joined with "; ", so an
// operator fixes the file in one pass.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// The secret is optional, but a short one is worse than none.
	const minJWTSecretLength = 32
	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.bucket is required when influxdb is enabled")
		}
	}

	errs = append(errs, c.Tuya.validate()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (t *TuyaConfig) validate() []string {
	var errs []string

	if t.TopicPrefix == "" || strings.ContainsAny(t.TopicPrefix, "+#") {
		errs = append(errs, "tuya.topic_prefix must be non-empty without wildcards")
	}

	s := t.Session
	if s.ProtocolVersion != 2 && s.ProtocolVersion != 3 {
		errs = append(errs, "tuya.session.protocol_version must be 2 or 3")
	}
	if s.MTU != 0 && s.MTU < 20 {
		errs = append(errs, "tuya.session.mtu must be at least 20")
	}
	if s.Retries < 0 || s.Retries > 10 {
		errs = append(errs, "tuya.session.retries must be between 0 and 10")
	}
	if s.CommandTimeout < 0 || s.ReassemblyWindow < 0 || s.ConnectTimeout < 0 {
		errs = append(errs, "tuya.session timeouts must not be negative")
	}

	seen := make(map[string]bool, len(t.Devices))
	for i, d := range t.Devices {
		switch {
		case d.ID == "":
			errs = append(errs, fmt.Sprintf("tuya.devices[%d].id is required", i))
		case strings.ContainsAny(d.ID, "/+#"):
			errs = append(errs, fmt.Sprintf("tuya.devices[%d].id %q must not contain / + or #", i, d.ID))
		case seen[d.ID]:
			errs = append(errs, fmt.Sprintf("tuya.devices[%d].id %q is duplicated", i, d.ID))
		}
		seen[d.ID] = true

		if d.Address == "" {
			errs = append(errs, fmt.Sprintf("tuya.devices[%d].address is required", i))
		}
		if d.Category == "" {
			errs = append(errs, fmt.Sprintf("tuya.devices[%d].category is required", i))
		}
		if d.ProtocolVersion != 0 && d.ProtocolVersion != 2 && d.ProtocolVersion != 3 {
			errs = append(errs, fmt.Sprintf("tuya.devices[%d].protocol_version must be 2 or 3", i))
		}
	}
	return errs
}

// GetReadTimeout converts api.timeouts.read (seconds).
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout converts api.timeouts.write (seconds).
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout converts api.timeouts.idle (seconds).
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
