package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const validConfig = `
server:
  port: 23779
mqtt:
  broker:
    host: broker.local
    port: 1883
account:
  id: 123
  devices:
    - id: 26
      name: Hall Light
      brightness: true
      wifi: true
    - id: 27
      name: Hall Lamp
      brightness: true
  groups:
    - id: 1
      name: Hallway
      members: [26, 27]
`

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.MQTT.Broker.Host != "broker.local" {
		t.Errorf("mqtt host = %q, want broker.local", cfg.MQTT.Broker.Host)
	}
	if cfg.Account.ID != 123 {
		t.Errorf("account id = %d, want 123", cfg.Account.ID)
	}
	if len(cfg.Account.Devices) != 2 {
		t.Errorf("loaded %d devices, want 2", len(cfg.Account.Devices))
	}

	// Defaults survive a partial file.
	if cfg.MQTT.BaseTopic != "cync" {
		t.Errorf("base topic = %q, want cync default", cfg.MQTT.BaseTopic)
	}
	if cfg.Server.Port != 23779 {
		t.Errorf("server port = %d, want 23779", cfg.Server.Port)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load() succeeded on missing file")
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "bad qos",
			mutate: func(c *Config) { c.MQTT.QoS = 3 },
			want:   "mqtt.qos",
		},
		{
			name:   "device id out of range",
			mutate: func(c *Config) { c.Account.Devices = []DeviceConfig{{ID: 300, Name: "x"}} },
			want:   "out of range",
		},
		{
			name: "duplicate device id",
			mutate: func(c *Config) {
				c.Account.Devices = []DeviceConfig{{ID: 26, Name: "a"}, {ID: 26, Name: "b"}}
			},
			want: "configured twice",
		},
		{
			name: "group references unknown device",
			mutate: func(c *Config) {
				c.Account.Groups = []GroupConfig{{ID: 1, Name: "g", Members: []int{99}}}
			},
			want: "unconfigured device",
		},
		{
			name: "inverted kelvin range",
			mutate: func(c *Config) {
				c.Account.Devices = []DeviceConfig{{ID: 26, Name: "x", ColorTemp: true, MinKelvin: 7000, MaxKelvin: 2000}}
			},
			want: "min_kelvin",
		},
		{
			name:   "wildcard in base topic",
			mutate: func(c *Config) { c.MQTT.BaseTopic = "cync/#" },
			want:   "base_topic",
		},
		{
			name: "relay without cloud host",
			mutate: func(c *Config) {
				c.Relay.Enabled = true
				c.Relay.CloudHost = ""
			},
			want: "relay.cloud_host",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CYNCLAN_MQTT_HOST", "env-broker")
	t.Setenv("LOG_FORMAT", "human")
	t.Setenv("DEBUG_LOG_LEVEL", "true")
	t.Setenv("PERF_TRACKING", "1")
	t.Setenv("PERF_THRESHOLD_MS", "250")
	t.Setenv("CLOUD_RELAY_ENABLED", "yes")

	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.MQTT.Broker.Host != "env-broker" {
		t.Errorf("mqtt host = %q, want env-broker", cfg.MQTT.Broker.Host)
	}
	if cfg.Logging.Format != "human" || cfg.Logging.Level != "debug" {
		t.Errorf("logging = %+v, want human/debug", cfg.Logging)
	}
	if !cfg.Perf.Tracking || cfg.Perf.ThresholdMs != 250 {
		t.Errorf("perf = %+v, want tracking at 250ms", cfg.Perf)
	}
	if !cfg.Relay.Enabled || !cfg.Relay.ForwardToCloud {
		t.Errorf("relay = %+v, want enabled and forwarding", cfg.Relay)
	}
}

func TestTimingAccessors(t *testing.T) {
	cfg := defaultConfig()

	if got := cfg.AckTimeout().Seconds(); got != 5 {
		t.Errorf("AckTimeout() = %vs, want 5s", got)
	}
	if got := cfg.IdleTimeout().Seconds(); got != 90 {
		t.Errorf("IdleTimeout() = %vs, want 90s", got)
	}
	if got := cfg.CommandTargets(); got != 2 {
		t.Errorf("CommandTargets() = %d, want 2", got)
	}

	cfg.Timing.AckTimeout = 2
	if got := cfg.AckTimeout().Seconds(); got != 2 {
		t.Errorf("AckTimeout() override = %vs, want 2s", got)
	}
}
