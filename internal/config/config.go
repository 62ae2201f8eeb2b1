package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Device     DeviceConfig   `yaml:"device"`
	Bridge     BridgeConfig   `yaml:"bridge"`
	NATS       NATSConfig     `yaml:"nats"`
	Database   DatabaseConfig `yaml:"database"`
	Log        LogConfig      `yaml:"log"`
	Datapoints string         `yaml:"datapoints_file"`
}

// DeviceConfig is the immutable device binding.
type DeviceConfig struct {
	IP              string `yaml:"ip"`
	Port            int    `yaml:"port"`
	DeviceID        string `yaml:"device_id"`
	LocalKey        string `yaml:"local_key"`
	Protocol        int    `yaml:"protocol"`
	PollIntervalSec int    `yaml:"poll_interval_sec"`
	AutoReconnect   *bool  `yaml:"auto_reconnect"`
	UseHeartbeat    bool   `yaml:"use_heartbeat"`
}

// BridgeConfig configures the HTTP bridge.
type BridgeConfig struct {
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"`
	Token     string        `yaml:"token"`
	TokenHash string        `yaml:"token_hash"` // bcrypt hash; takes precedence over Token
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	TempUnit  string        `yaml:"temp_unit"` // F or C
}

// NATSConfig configures the optional event publisher.
type NATSConfig struct {
	URL               string        `yaml:"url"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// DatabaseConfig configures the optional telemetry store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level string `yaml:"level"`
}

var validPollIntervals = map[int]bool{0: true, 30: true, 60: true, 120: true}

// Load loads configuration from file. A missing file is not an error when
// the required fields arrive via environment variables.
func Load(filename string) (*Config, error) {
	var cfg Config
	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides. The names
// match the original bridge service's .env contract.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TUYA_DEVICE_ID"); v != "" {
		c.Device.DeviceID = v
	}
	if v := os.Getenv("TUYA_LOCAL_KEY"); v != "" {
		c.Device.LocalKey = v
	}
	if v := os.Getenv("TUYA_DEVICE_IP"); v != "" {
		c.Device.IP = v
	}
	if v := os.Getenv("TUYA_PROTOCOL_VERSION"); v != "" {
		// Accepts both "3.3" and "33".
		if n, err := strconv.Atoi(strings.ReplaceAll(v, ".", "")); err == nil {
			c.Device.Protocol = n
		}
	}
	if v := os.Getenv("BRIDGE_HOST"); v != "" {
		c.Bridge.Host = v
	}
	if v := os.Getenv("BRIDGE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Bridge.Port = n
		}
	}
	if v := os.Getenv("BRIDGE_TOKEN"); v != "" {
		c.Bridge.Token = v
	}
	if v := os.Getenv("TEMP_UNIT"); v != "" {
		c.Bridge.TempUnit = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func (c *Config) setDefaults() {
	if c.Device.Port == 0 {
		c.Device.Port = 6668
	}
	if c.Device.Protocol == 0 {
		c.Device.Protocol = 33
	}
	if c.Device.AutoReconnect == nil {
		t := true
		c.Device.AutoReconnect = &t
	}
	if c.Bridge.Host == "" {
		c.Bridge.Host = "0.0.0.0"
	}
	if c.Bridge.Port == 0 {
		c.Bridge.Port = 8000
	}
	if c.Bridge.TempUnit == "" {
		c.Bridge.TempUnit = "F"
	}
	if c.Bridge.TokenTTL == 0 {
		c.Bridge.TokenTTL = 15 * time.Minute
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 10
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}
}

// Validate checks the device binding fields.
func (c *Config) Validate() error {
	if c.Device.IP == "" {
		return fmt.Errorf("device.ip is required")
	}
	if len(c.Device.DeviceID) != 20 {
		return fmt.Errorf("device.device_id must be 20 characters, got %d", len(c.Device.DeviceID))
	}
	if key := c.LocalKeyBytes(); len(key) != 16 {
		return fmt.Errorf("device.local_key must be 16 bytes after entity decoding, got %d", len(key))
	}
	switch c.Device.Protocol {
	case 31, 33, 34:
	default:
		return fmt.Errorf("device.protocol must be one of 31, 33, 34, got %d", c.Device.Protocol)
	}
	if !validPollIntervals[c.Device.PollIntervalSec] {
		return fmt.Errorf("device.poll_interval_sec must be one of 0, 30, 60, 120, got %d", c.Device.PollIntervalSec)
	}
	switch c.Bridge.TempUnit {
	case "F", "C":
	default:
		return fmt.Errorf("bridge.temp_unit must be F or C, got %q", c.Bridge.TempUnit)
	}
	if c.Bridge.Token == "" && c.Bridge.TokenHash == "" {
		return fmt.Errorf("bridge.token or bridge.token_hash is required")
	}
	return nil
}

// LocalKeyBytes returns the raw AES key: UTF-8 of the configured string
// with the HTML entity for '<' pre-decoded, as vendor exports contain it.
func (c *Config) LocalKeyBytes() []byte {
	return []byte(strings.ReplaceAll(c.Device.LocalKey, "&lt;", "<"))
}

// DeviceAddr returns the TCP endpoint of the device.
func (c *Config) DeviceAddr() string {
	return fmt.Sprintf("%s:%d", c.Device.IP, c.Device.Port)
}

// BridgeAddr returns the HTTP listen address.
func (c *Config) BridgeAddr() string {
	return fmt.Sprintf("%s:%d", c.Bridge.Host, c.Bridge.Port)
}
