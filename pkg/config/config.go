// Package config loads and validates the daemon configuration from YAML,
// applies defaults, and watches the file for changes so the driver list can
// be reworked without a restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"remscope/pkg/backoff"
	"remscope/pkg/indi"
)

// Duration wraps time.Duration so YAML values read as "2s" or "500ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %v", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is the full daemon configuration.
type Config struct {
	LogLevel       string         `yaml:"log_level"`
	DataDir        string         `yaml:"data_dir"`
	Status         StatusConfig   `yaml:"status"`
	Bus            BusConfig      `yaml:"bus"`
	Drivers        []DriverConfig `yaml:"drivers"`
	DriversBackoff BackoffConfig  `yaml:"drivers_backoff"`
	Relay          RelayConfig    `yaml:"relay"`
	Serial         SerialConfig   `yaml:"serial"`
	Monitor        MonitorConfig  `yaml:"monitor"`
}

// StatusConfig controls the local status endpoint.
type StatusConfig struct {
	Listen    string `yaml:"listen"`
	Discovery bool   `yaml:"discovery"`
}

// BusConfig tunes the local bus.
type BusConfig struct {
	Queue int `yaml:"queue"`
}

// DriverConfig describes one supervised driver process.
type DriverConfig struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Label is the driver's log and registry identity.
func (d DriverConfig) Label() string {
	if d.Name != "" {
		return d.Name
	}
	return filepath.Base(d.Command)
}

// RelayConfig describes the remote broker link.
type RelayConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Broker         string        `yaml:"broker"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Prefix         string        `yaml:"prefix"`
	Export         []string      `yaml:"export"`
	Buffer         int           `yaml:"buffer"`
	Pending        int           `yaml:"pending"`
	CommandTimeout Duration      `yaml:"command_timeout"`
	Blob           BlobConfig    `yaml:"blob"`
	Backoff        BackoffConfig `yaml:"backoff"`
}

// BlobConfig tunes BLOB fragmentation.
type BlobConfig struct {
	FragmentBytes int   `yaml:"fragment_bytes"`
	Compress      *bool `yaml:"compress"`
}

// CompressEnabled defaults to true.
func (b BlobConfig) CompressEnabled() bool {
	return b.Compress == nil || *b.Compress
}

// BackoffConfig mirrors backoff.Config with YAML-friendly durations.
type BackoffConfig struct {
	Initial    Duration `yaml:"initial"`
	Max        Duration `yaml:"max"`
	Multiplier float64  `yaml:"multiplier"`
	Jitter     float64  `yaml:"jitter"`
}

// Build converts to the backoff package's config. An unset jitter takes
// the package default; there is no way to configure zero jitter.
func (b BackoffConfig) Build() backoff.Config {
	jitter := b.Jitter
	if jitter == 0 {
		jitter = backoff.DefaultJitter
	}
	return backoff.Config{
		Initial:    time.Duration(b.Initial),
		Max:        time.Duration(b.Max),
		Multiplier: b.Multiplier,
		Jitter:     jitter,
	}
}

// SerialConfig describes the microcontroller link.
type SerialConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Port       string           `yaml:"port"`
	Baud       int              `yaml:"baud"`
	Device     string           `yaml:"device"`
	AckTimeout Duration         `yaml:"ack_timeout"`
	Queue      int              `yaml:"queue"`
	Backoff    BackoffConfig    `yaml:"backoff"`
	Properties []SerialProperty `yaml:"properties"`
}

// SerialProperty binds one frame code to a property element.
type SerialProperty struct {
	Code     int    `yaml:"code"`
	Property string `yaml:"property"`
	Element  string `yaml:"element"`
	Type     string `yaml:"type"`
	Perm     string `yaml:"perm"`
	Label    string `yaml:"label"`
}

// MonitorConfig controls the heartbeat device.
type MonitorConfig struct {
	Enabled  *bool    `yaml:"enabled"`
	Device   string   `yaml:"device"`
	Interval Duration `yaml:"interval"`
}

// HeartbeatEnabled defaults to true.
func (m MonitorConfig) HeartbeatEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := Config{}
	cfg.setDefaults()
	return &cfg
}

// Load reads, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %v", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %v", err)
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DataDir == "" {
		c.DataDir = "."
	}
	if c.Status.Listen == "" {
		c.Status.Listen = ":8624"
	}
	if c.Bus.Queue <= 0 {
		c.Bus.Queue = 64
	}

	if len(c.Relay.Export) == 0 {
		c.Relay.Export = []string{"#"}
	}
	if c.Relay.Buffer <= 0 {
		c.Relay.Buffer = 512
	}
	if c.Relay.Pending <= 0 {
		c.Relay.Pending = 32
	}
	if c.Relay.CommandTimeout <= 0 {
		c.Relay.CommandTimeout = Duration(10 * time.Second)
	}
	if c.Relay.Blob.FragmentBytes <= 0 {
		c.Relay.Blob.FragmentBytes = 256 * 1024
	}

	if c.Serial.Baud <= 0 {
		c.Serial.Baud = 115200
	}
	if c.Serial.AckTimeout <= 0 {
		c.Serial.AckTimeout = Duration(2 * time.Second)
	}
	if c.Serial.Queue <= 0 {
		c.Serial.Queue = 32
	}
	if c.Serial.Device == "" {
		c.Serial.Device = "Rempico01"
	}

	if c.Monitor.Device == "" {
		c.Monitor.Device = "Network Monitor"
	}
	if c.Monitor.Interval <= 0 {
		c.Monitor.Interval = Duration(10 * time.Second)
	}
}

// Validate rejects configurations that cannot run. Only misconfiguration is
// fatal; runtime transport failures never are.
func (c *Config) Validate() error {
	for i, d := range c.Drivers {
		if d.Command == "" {
			return fmt.Errorf("drivers[%d]: command is required", i)
		}
	}

	if c.Relay.Enabled {
		if c.Relay.Broker == "" {
			return fmt.Errorf("relay: broker is required")
		}
		if c.Relay.Prefix == "" {
			return fmt.Errorf("relay: prefix is required")
		}
	}

	if c.Serial.Enabled {
		if c.Serial.Port == "" {
			return fmt.Errorf("serial: port is required")
		}
		if len(c.Serial.Properties) == 0 {
			return fmt.Errorf("serial: at least one property mapping is required")
		}
		codes := make(map[int]bool)
		names := make(map[string]bool)
		for i, p := range c.Serial.Properties {
			if p.Code < 1 || p.Code > 254 {
				return fmt.Errorf("serial.properties[%d]: code must be 1..254", i)
			}
			if codes[p.Code] {
				return fmt.Errorf("serial.properties[%d]: duplicate code %d", i, p.Code)
			}
			codes[p.Code] = true
			if p.Property == "" || p.Element == "" {
				return fmt.Errorf("serial.properties[%d]: property and element are required", i)
			}
			if names[p.Property] {
				return fmt.Errorf("serial.properties[%d]: duplicate property %s", i, p.Property)
			}
			names[p.Property] = true
			t, err := indi.ParseType(p.Type)
			if err != nil {
				return fmt.Errorf("serial.properties[%d]: %v", i, err)
			}
			if t == indi.TypeBLOB {
				return fmt.Errorf("serial.properties[%d]: BLOB properties cannot be framed", i)
			}
			if p.Perm != "" {
				if _, err := indi.ParsePerm(p.Perm); err != nil {
					return fmt.Errorf("serial.properties[%d]: %v", i, err)
				}
			}
		}
	}

	return nil
}
