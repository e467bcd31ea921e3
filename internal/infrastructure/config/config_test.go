package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/tuyable/internal/tuya/codec"
)

func TestLoad_ValidConfig(t *testing.T) {
	// Create a temporary config file
	content := `
site:
  id: "test-site"
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
api:
  host: "0.0.0.0"
  port: 8080
tuya:
  session:
    command_timeout: 2s
    retries: 4
  devices:
    - id: kitchen-bot
      name: Kitchen Fingerbot
      address: DC234D112233
      category: szjqr
      product_id: 3yqdo5yt
      protocol_version: 2
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "test-site" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "test-site")
	}

	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}

	if cfg.MQTT.Broker.Host != "localhost" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "localhost")
	}

	if cfg.Tuya.Session.CommandTimeout != 2*time.Second {
		t.Errorf("Tuya.Session.CommandTimeout = %v, want 2s", cfg.Tuya.Session.CommandTimeout)
	}

	// Unset keys keep their defaults.
	if cfg.Tuya.Session.ReassemblyWindow != 5*time.Second {
		t.Errorf("Tuya.Session.ReassemblyWindow = %v, want 5s", cfg.Tuya.Session.ReassemblyWindow)
	}

	if len(cfg.Tuya.Devices) != 1 || cfg.Tuya.Devices[0].ProductID != "3yqdo5yt" {
		t.Fatalf("Tuya.Devices = %+v", cfg.Tuya.Devices)
	}

	sc := cfg.Tuya.SessionFor(cfg.Tuya.Devices[0])
	if sc.Version != codec.Version2 {
		t.Errorf("SessionFor().Version = %d, want 2", sc.Version)
	}
	if sc.Retries != 4 {
		t.Errorf("SessionFor().Retries = %d, want 4", sc.Retries)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("invalid: [yaml: content"), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
site:
  id: ""
database:
  path: "/tmp/test.db"
api:
  port: 8080
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected validation error for empty site.id, got nil")
	}
}

func TestConfig_Validate(t *testing.T) {
	validJWTSecret := "test-secret-key-at-least-32-chars!"

	valid := func() *Config {
		cfg := defaultConfig()
		cfg.Tuya.Devices = []DeviceConfig{
			{ID: "kitchen-bot", Address: "DC:23:4D:11:22:33", Category: "szjqr", ProductID: "3yqdo5yt"},
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults with one device", mutate: func(*Config) {}},
		{name: "no JWT secret", mutate: func(c *Config) { c.Security.JWT.Secret = "" }},
		{name: "long JWT secret", mutate: func(c *Config) { c.Security.JWT.Secret = validJWTSecret }},
		{name: "JWT secret too short", mutate: func(c *Config) { c.Security.JWT.Secret = "short" }, wantErr: true},
		{name: "missing site ID", mutate: func(c *Config) { c.Site.ID = "" }, wantErr: true},
		{name: "missing database path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: true},
		{name: "invalid QoS", mutate: func(c *Config) { c.MQTT.QoS = 3 }, wantErr: true},
		{name: "invalid port low", mutate: func(c *Config) { c.API.Port = 0 }, wantErr: true},
		{name: "invalid port high", mutate: func(c *Config) { c.API.Port = 70000 }, wantErr: true},
		{
			name: "port ignored when API disabled",
			mutate: func(c *Config) {
				c.API.Enabled = false
				c.API.Port = 0
			},
		},
		{
			name: "influx without url",
			mutate: func(c *Config) {
				c.InfluxDB.Enabled = true
				c.InfluxDB.Bucket = "b"
			},
			wantErr: true,
		},
		{name: "topic prefix wildcard", mutate: func(c *Config) { c.Tuya.TopicPrefix = "tuya/#" }, wantErr: true},
		{name: "protocol version 4", mutate: func(c *Config) { c.Tuya.Session.ProtocolVersion = 4 }, wantErr: true},
		{name: "mtu too small", mutate: func(c *Config) { c.Tuya.Session.MTU = 10 }, wantErr: true},
		{name: "negative retries", mutate: func(c *Config) { c.Tuya.Session.Retries = -1 }, wantErr: true},
		{
			name:    "duplicate device id",
			mutate:  func(c *Config) { c.Tuya.Devices = append(c.Tuya.Devices, c.Tuya.Devices[0]) },
			wantErr: true,
		},
		{name: "device id with slash", mutate: func(c *Config) { c.Tuya.Devices[0].ID = "a/b" }, wantErr: true},
		{name: "device without address", mutate: func(c *Config) { c.Tuya.Devices[0].Address = "" }, wantErr: true},
		{name: "device without category", mutate: func(c *Config) { c.Tuya.Devices[0].Category = "" }, wantErr: true},
		{name: "device version override", mutate: func(c *Config) { c.Tuya.Devices[0].ProtocolVersion = 5 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}

	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}

	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	// Set environment variables
	t.Setenv("TUYABLE_DATABASE_PATH", "/custom/path.db")
	t.Setenv("TUYABLE_MQTT_HOST", "mqtt.example.com")
	t.Setenv("TUYABLE_MQTT_USERNAME", "testuser")
	t.Setenv("TUYABLE_MQTT_PASSWORD", "testpass")
	t.Setenv("TUYABLE_API_HOST", "192.168.1.1")
	t.Setenv("TUYABLE_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("TUYABLE_JWT_SECRET", "jwt-secret")
	t.Setenv("TUYABLE_MQTT_PORT", "8883")
	t.Setenv("TUYABLE_LOG_LEVEL", "debug")

	applyEnvOverrides(cfg)

	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/custom/path.db")
	}

	if cfg.MQTT.Broker.Host != "mqtt.example.com" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "mqtt.example.com")
	}

	if cfg.MQTT.Auth.Username != "testuser" {
		t.Errorf("MQTT.Auth.Username = %q, want %q", cfg.MQTT.Auth.Username, "testuser")
	}

	if cfg.MQTT.Auth.Password != "testpass" {
		t.Errorf("MQTT.Auth.Password = %q, want %q", cfg.MQTT.Auth.Password, "testpass")
	}

	if cfg.API.Host != "192.168.1.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "192.168.1.1")
	}

	if cfg.InfluxDB.Token != "secret-token" {
		t.Errorf("InfluxDB.Token = %q, want %q", cfg.InfluxDB.Token, "secret-token")
	}

	if cfg.Security.JWT.Secret != "jwt-secret" {
		t.Errorf("Security.JWT.Secret = %q, want %q", cfg.Security.JWT.Secret, "jwt-secret")
	}

	if cfg.MQTT.Broker.Port != 8883 {
		t.Errorf("MQTT.Broker.Port = %d, want 8883", cfg.MQTT.Broker.Port)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Site.ID == "" {
		t.Error("defaultConfig should have non-empty Site.ID")
	}

	if cfg.Database.Path == "" {
		t.Error("defaultConfig should have non-empty Database.Path")
	}

	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}

	if cfg.API.Port != 8080 {
		t.Errorf("defaultConfig API.Port = %d, want 8080", cfg.API.Port)
	}

	if cfg.Tuya.TopicPrefix != "tuyable" {
		t.Errorf("defaultConfig Tuya.TopicPrefix = %q, want %q", cfg.Tuya.TopicPrefix, "tuyable")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("defaultConfig Validate() error = %v", err)
	}
}
