package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/ventpal/internal/ble"
	"github.com/chaz8081/ventpal/internal/identity"
	"github.com/chaz8081/ventpal/internal/mqtt"
	"github.com/chaz8081/ventpal/internal/ventilator"
)

// Config holds all application configuration.
type Config struct {
	Device       DeviceConfig   `yaml:"device"`
	Timing       TimingConfig   `yaml:"timing"`
	Identity     IdentityConfig `yaml:"identity"`
	MQTT         MQTTConfig     `yaml:"mqtt"`
	EventsBuffer int            `yaml:"events_buffer"`
	LogLevel     string         `yaml:"log_level"`
}

// DeviceConfig identifies the ventilator's GATT layout.
type DeviceConfig struct {
	ServiceUUID string `yaml:"service_uuid"`
	WriteUUID   string `yaml:"write_uuid"`
	ReadUUID    string `yaml:"read_uuid"`
	NameFilter  string `yaml:"name_filter"` // match advertised names instead of the service
}

// TimingConfig holds link timings.
type TimingConfig struct {
	ScanWindow     time.Duration `yaml:"scan_window"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	WritePacing    time.Duration `yaml:"write_pacing"`
}

// IdentityConfig selects where the paired device is remembered.
type IdentityConfig struct {
	Backend string `yaml:"backend"` // "file", "sqlite" or "memory"
	Path    string `yaml:"path"`
}

// MQTTConfig holds the optional event bridge settings. An empty broker
// disables the bridge.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "ventpal")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	b := ble.DefaultOptions()
	return &Config{
		Device: DeviceConfig{
			ServiceUUID: b.ServiceUUID,
			WriteUUID:   b.WriteCharUUID,
			ReadUUID:    b.ReadCharUUID,
		},
		Timing: TimingConfig{
			ScanWindow:     b.ScanWindow,
			ConnectTimeout: b.ConnectTimeout,
			WritePacing:    b.WritePacing,
		},
		Identity: IdentityConfig{
			Backend: identity.BackendFile,
			Path:    filepath.Join(DefaultConfigDir(), "identity.yaml"),
		},
		MQTT: MQTTConfig{
			ClientID:    "ventpal",
			TopicPrefix: "ventpal",
		},
		EventsBuffer: ventilator.DefaultOptions().EventsBuffer,
		LogLevel:     "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in identity.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Identity.Path = expandTilde(cfg.Identity.Path)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.ServiceUUID == "" && c.Device.NameFilter == "" {
		return fmt.Errorf("device.service_uuid or device.name_filter must be set")
	}
	if c.Device.WriteUUID == "" {
		return fmt.Errorf("device.write_uuid must not be empty")
	}
	if c.Device.ReadUUID == "" {
		return fmt.Errorf("device.read_uuid must not be empty")
	}

	if c.Timing.ScanWindow <= 0 {
		return fmt.Errorf("timing.scan_window must be > 0")
	}
	if c.Timing.ConnectTimeout <= 0 {
		return fmt.Errorf("timing.connect_timeout must be > 0")
	}
	if c.Timing.WritePacing < 0 {
		return fmt.Errorf("timing.write_pacing must be >= 0")
	}

	switch c.Identity.Backend {
	case identity.BackendFile, identity.BackendSQLite:
		if c.Identity.Path == "" {
			return fmt.Errorf("identity.path must not be empty for the %s backend", c.Identity.Backend)
		}
	case identity.BackendMemory:
	default:
		return fmt.Errorf("identity.backend must be \"file\", \"sqlite\" or \"memory\", got %q", c.Identity.Backend)
	}

	if c.MQTT.Broker != "" && c.MQTT.ClientID == "" {
		return fmt.Errorf("mqtt.client_id must not be empty when mqtt.broker is set")
	}

	if c.EventsBuffer <= 0 {
		return fmt.Errorf("events_buffer must be > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// VentilatorOptions converts the config into controller options.
func (c *Config) VentilatorOptions() ventilator.Options {
	return ventilator.Options{
		BLE: ble.Options{
			ServiceUUID:    c.Device.ServiceUUID,
			WriteCharUUID:  c.Device.WriteUUID,
			ReadCharUUID:   c.Device.ReadUUID,
			NameFilter:     c.Device.NameFilter,
			ScanWindow:     c.Timing.ScanWindow,
			ConnectTimeout: c.Timing.ConnectTimeout,
			WritePacing:    c.Timing.WritePacing,
		},
		EventsBuffer: c.EventsBuffer,
	}
}

// MQTTBridgeConfig converts the mqtt section into broker settings.
func (c *Config) MQTTBridgeConfig() mqtt.Config {
	return mqtt.Config{
		Broker:      c.MQTT.Broker,
		ClientID:    c.MQTT.ClientID,
		Username:    c.MQTT.Username,
		Password:    c.MQTT.Password,
		TopicPrefix: c.MQTT.TopicPrefix,
	}
}

// ParseLogLevel maps a log_level value to a slog.Level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultConfigYAML = `# ventpal configuration
# See README for every option.

device:
  service_uuid: %s
  write_uuid: %s
  read_uuid: %s
  # Match advertised local names instead of the service UUID.
  name_filter: ""

timing:
  scan_window: %s
  connect_timeout: %s
  write_pacing: %s

identity:
  # file, sqlite or memory
  backend: file
  path: ~/.config/ventpal/identity.yaml

mqtt:
  # Leave empty to disable the event bridge.
  broker: ""
  client_id: ventpal
  topic_prefix: ventpal

events_buffer: %d
log_level: info
`

// WriteDefault writes a commented default config to DefaultConfigPath.
// It returns ("", nil) when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	d := Default()
	content := fmt.Sprintf(defaultConfigYAML,
		d.Device.ServiceUUID, d.Device.WriteUUID, d.Device.ReadUUID,
		d.Timing.ScanWindow, d.Timing.ConnectTimeout, d.Timing.WritePacing,
		d.EventsBuffer,
	)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
