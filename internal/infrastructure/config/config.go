package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the controller.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Account  AccountConfig  `yaml:"account"`
	Relay    RelayConfig    `yaml:"relay"`
	Exporter ExporterConfig `yaml:"exporter"`
	Database DatabaseConfig `yaml:"database"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
	Timing   TimingConfig   `yaml:"timing"`
	Perf     PerfConfig     `yaml:"perf"`
}

// ServerConfig contains the TLS server settings devices connect to.
// Devices are steered here by DNS-overriding the vendor cloud hostnames.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// CertFile and KeyFile point at the TLS material presented to
	// devices. If both files are absent a self-signed certificate for
	// the vendor hostnames is generated and written there.
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	BaseTopic string              `yaml:"base_topic"`
	Discovery MQTTDiscoveryConfig `yaml:"discovery"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTDiscoveryConfig controls Home Assistant discovery publishing.
type MQTTDiscoveryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Prefix  string `yaml:"prefix"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// AccountConfig describes the exported account: devices and groups as
// written by the exporter (or by hand).
type AccountConfig struct {
	ID      int            `yaml:"id"`
	Name    string         `yaml:"name"`
	Devices []DeviceConfig `yaml:"devices"`
	Groups  []GroupConfig  `yaml:"groups"`
}

// DeviceConfig is one device entry in the account.
type DeviceConfig struct {
	ID          int    `yaml:"id"`
	Name        string `yaml:"name"`
	Room        string `yaml:"room,omitempty"`
	Model       string `yaml:"model,omitempty"`
	ModelNumber int    `yaml:"model_number,omitempty"`

	// Capability hints. The exporter fills these from the vendor's
	// device metadata; hand-written configs set them directly.
	Brightness bool `yaml:"brightness,omitempty"`
	ColorTemp  bool `yaml:"color_temp,omitempty"`
	MinKelvin  int  `yaml:"min_kelvin,omitempty"`
	MaxKelvin  int  `yaml:"max_kelvin,omitempty"`
	RGB        bool `yaml:"rgb,omitempty"`
	Fan        bool `yaml:"fan,omitempty"`
	Plug       bool `yaml:"plug,omitempty"`
	Switch     bool `yaml:"switch,omitempty"`
	WiFi       bool `yaml:"wifi,omitempty"`
}

// GroupConfig is one group entry in the account.
type GroupConfig struct {
	ID      int    `yaml:"id"`
	Name    string `yaml:"name"`
	Members []int  `yaml:"members"`
}

// RelayConfig contains cloud relay settings. When enabled, device
// traffic is forwarded to the real vendor cloud and cloud responses are
// piped back, so the vendor app keeps working.
type RelayConfig struct {
	Enabled               bool   `yaml:"enabled"`
	ForwardToCloud        bool   `yaml:"forward_to_cloud"`
	CloudHost             string `yaml:"cloud_host"`
	CloudPort             int    `yaml:"cloud_port"`
	DisableSSLVerify      bool   `yaml:"disable_ssl_verification"`
	DebugPacketLogging    bool   `yaml:"debug_packet_logging"`
	ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds"`
}

// ExporterConfig contains the export HTTP API settings.
type ExporterConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	TokenCachePath string `yaml:"token_cache_path"`
	APIBaseURL     string `yaml:"api_base_url"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TimingConfig contains protocol timing overrides in seconds. Zero
// values keep the defaults.
type TimingConfig struct {
	HandshakeTimeout int `yaml:"handshake_timeout"`
	IdleTimeout      int `yaml:"idle_timeout"`
	AckTimeout       int `yaml:"ack_timeout"`
	RefreshInterval  int `yaml:"refresh_interval"`
	CommandTargets   int `yaml:"command_targets"`
}

// PerfConfig controls command round-trip tracking.
type PerfConfig struct {
	Tracking    bool `yaml:"tracking"`
	ThresholdMs int  `yaml:"threshold_ms"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: CYNCLAN_SECTION_KEY,
// for example CYNCLAN_MQTT_HOST. A handful of historical variables
// (LOG_FORMAT, DEBUG_LOG_LEVEL, PERF_TRACKING, PERF_THRESHOLD_MS,
// CLOUD_RELAY_ENABLED) are honoured for compatibility with existing
// deployments.
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
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

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			Port:     23779,
			CertFile: "./data/server.pem",
			KeyFile:  "./data/server.key",
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "cync-lan",
			},
			QoS:       0,
			BaseTopic: "cync",
			Discovery: MQTTDiscoveryConfig{
				Enabled: true,
				Prefix:  "homeassistant",
			},
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		Relay: RelayConfig{
			CloudHost:             "cm.gelighting.com",
			CloudPort:             23779,
			ConnectTimeoutSeconds: 10,
		},
		Exporter: ExporterConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			TokenCachePath: "./data/token_cache.json",
			APIBaseURL:     "https://api.gelighting.com",
		},
		Database: DatabaseConfig{
			Path:        "./data/cynclan.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Timing: TimingConfig{
			HandshakeTimeout: 5,
			IdleTimeout:      90,
			AckTimeout:       5,
			RefreshInterval:  5,
			CommandTargets:   2,
		},
		Perf: PerfConfig{
			ThresholdMs: 1000,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("CYNCLAN_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("CYNCLAN_SERVER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}

	// MQTT
	if v := os.Getenv("CYNCLAN_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("CYNCLAN_MQTT_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = p
		}
	}
	if v := os.Getenv("CYNCLAN_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("CYNCLAN_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
	if v := os.Getenv("CYNCLAN_MQTT_BASE_TOPIC"); v != "" {
		cfg.MQTT.BaseTopic = v
	}

	// Database / InfluxDB
	if v := os.Getenv("CYNCLAN_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("CYNCLAN_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging (historical names kept for compatibility)
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if isTruthy(os.Getenv("DEBUG_LOG_LEVEL")) {
		cfg.Logging.Level = "debug"
	}

	// Perf tracking
	if v := os.Getenv("PERF_TRACKING"); v != "" {
		cfg.Perf.Tracking = isTruthy(v)
	}
	if v := os.Getenv("PERF_THRESHOLD_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Perf.ThresholdMs = ms
		}
	}

	// Cloud relay
	if v := os.Getenv("CLOUD_RELAY_ENABLED"); v != "" {
		cfg.Relay.Enabled = isTruthy(v)
		cfg.Relay.ForwardToCloud = cfg.Relay.Enabled
	}
	if v := os.Getenv("CLOUD_RELAY_HOST"); v != "" {
		cfg.Relay.CloudHost = v
	}
}

// isTruthy reports whether an environment value means "enabled".
func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.BaseTopic == "" {
		errs = append(errs, "mqtt.base_topic is required")
	}
	if strings.ContainsAny(c.MQTT.BaseTopic, "+#/") {
		errs = append(errs, "mqtt.base_topic must be a single topic level without wildcards")
	}
	if c.Account.ID < 0 {
		errs = append(errs, "account.id must not be negative")
	}

	seen := make(map[int]bool, len(c.Account.Devices))
	for _, d := range c.Account.Devices {
		if d.ID < 1 || d.ID > 255 {
			errs = append(errs, fmt.Sprintf("device %q: id %d out of range 1..255", d.Name, d.ID))
		}
		if seen[d.ID] {
			errs = append(errs, fmt.Sprintf("device id %d configured twice", d.ID))
		}
		seen[d.ID] = true
		if d.ColorTemp && d.MinKelvin >= d.MaxKelvin {
			errs = append(errs, fmt.Sprintf("device %q: min_kelvin must be below max_kelvin", d.Name))
		}
	}

	for _, g := range c.Account.Groups {
		for _, id := range g.Members {
			if !seen[id] {
				errs = append(errs, fmt.Sprintf("group %q references unconfigured device id %d", g.Name, id))
			}
		}
	}

	if c.Relay.Enabled && c.Relay.CloudHost == "" {
		errs = append(errs, "relay.cloud_host is required when relay is enabled")
	}
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Token == "" {
			errs = append(errs, "influxdb.token is required when influxdb is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// HandshakeTimeout returns the device handshake deadline.
func (c *Config) HandshakeTimeout() time.Duration {
	return secondsOr(c.Timing.HandshakeTimeout, 5*time.Second)
}

// IdleTimeout returns the connection idle watchdog window.
func (c *Config) IdleTimeout() time.Duration {
	return secondsOr(c.Timing.IdleTimeout, 90*time.Second)
}

// AckTimeout returns the command acknowledgment deadline.
func (c *Config) AckTimeout() time.Duration {
	return secondsOr(c.Timing.AckTimeout, 5*time.Second)
}

// RefreshInterval returns the periodic mesh refresh interval.
func (c *Config) RefreshInterval() time.Duration {
	return secondsOr(c.Timing.RefreshInterval, 5*time.Second)
}

// CommandTargets returns how many bridges each command is dispatched to.
func (c *Config) CommandTargets() int {
	if c.Timing.CommandTargets < 1 {
		return 2
	}
	return c.Timing.CommandTargets
}

func secondsOr(s int, def time.Duration) time.Duration {
	if s <= 0 {
		return def
	}
	return time.Duration(s) * time.Second
}
