package config

// Configuration loading and validation for the controller

import (
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openpnet/pnetctl/internal/errors"
)

// NetworkConfig selects the local endpoint. MAC and IP are detected
// from the interface when left empty.
type NetworkConfig struct {
	Interface string `yaml:"interface"`
	MAC       string `yaml:"mac,omitempty"`
	IP        string `yaml:"ip,omitempty"`
}

// TimingConfig holds the cyclic exchange timing. DiscoveryWindowMs
// sets the DCP identify response window; zero means the protocol
// default, and out-of-range values are clamped.
type TimingConfig struct {
	CycleTimeUs       int `yaml:"cycle_time_us"`
	ReductionRatio    int `yaml:"reduction_ratio"`
	WatchdogMs        int `yaml:"watchdog_ms"`
	DiscoveryWindowMs int `yaml:"discovery_window_ms,omitempty"`
}

// IdentityConfig feeds the initiator object UUID and AR block.
type IdentityConfig struct {
	StationName string `yaml:"station_name"`
	VendorID    uint16 `yaml:"vendor_id"`
	DeviceID    uint16 `yaml:"device_id"`
	Instance    uint16 `yaml:"instance"`
}

// ModuleConfig maps a module ident to its slot behavior.
type ModuleConfig struct {
	Ident      uint32 `yaml:"ident"`
	Direction  string `yaml:"direction"` // "sensor" or "actuator"
	DataLength uint16 `yaml:"data_length,omitempty"`
}

// DeviceConfig is one device the controller should manage.
type DeviceConfig struct {
	StationName string `yaml:"station_name"`
	AutoConnect bool   `yaml:"auto_connect"`
	WatchdogMs  int    `yaml:"watchdog_ms,omitempty"` // overrides the global default
}

// MQTTConfig publishes registry events to a broker when set.
type MQTTConfig struct {
	Broker      string `yaml:"broker,omitempty"` // e.g. "tcp://localhost:1883"
	ClientID    string `yaml:"client_id,omitempty"`
	TopicPrefix string `yaml:"topic_prefix,omitempty"`
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `yaml:"level"` // "error", "info", "verbose", "debug"
	File  string `yaml:"file,omitempty"`
}

// MetricsConfig controls the operation metrics sink.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	CSVPath string `yaml:"csv_path,omitempty"`
}

// Config is the root configuration document.
type Config struct {
	Network     NetworkConfig  `yaml:"network"`
	Timing      TimingConfig   `yaml:"timing"`
	Identity    IdentityConfig `yaml:"identity"`
	Modules     []ModuleConfig `yaml:"modules,omitempty"`
	Devices     []DeviceConfig `yaml:"devices,omitempty"`
	MQTT        MQTTConfig     `yaml:"mqtt,omitempty"`
	Logging     LoggingConfig  `yaml:"logging"`
	Metrics     MetricsConfig  `yaml:"metrics,omitempty"`
	CaptureFile string         `yaml:"capture_file,omitempty"`
}

// Defaults applied by Load when fields are absent.
const (
	DefaultCycleTimeUs    = 1000
	DefaultReductionRatio = 32
	DefaultWatchdogMs     = 3000
)

// CreateDefault returns a runnable starting configuration.
func CreateDefault() *Config {
	return &Config{
		Network: NetworkConfig{Interface: ""},
		Timing: TimingConfig{
			CycleTimeUs:    DefaultCycleTimeUs,
			ReductionRatio: DefaultReductionRatio,
			WatchdogMs:     DefaultWatchdogMs,
		},
		Identity: IdentityConfig{
			StationName: "pnetctl",
			VendorID:    0x002A,
			DeviceID:    0x0301,
			Instance:    1,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// WriteDefault writes the default configuration to path.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(CreateDefault())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Load reads, defaults and validates a configuration file. If the
// file doesn't exist and autoCreate is true, a default is written
// first.
func Load(path string, autoCreate bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.WrapConfigError(fmt.Errorf("read config file: %w", err), path)
		}
		if !autoCreate {
			return nil, errors.WrapConfigError(fmt.Errorf("config file not found: %s", path), path)
		}
		if err := WriteDefault(path); err != nil {
			return nil, fmt.Errorf("create default config: %w", err)
		}
		if data, err = os.ReadFile(path); err != nil {
			return nil, errors.WrapConfigError(fmt.Errorf("read created config file: %w", err), path)
		}
	}
	return Parse(data, path)
}

// Parse decodes and validates raw YAML. path only labels errors.
func Parse(data []byte, path string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapConfigError(fmt.Errorf("parse YAML: %w", err), path)
	}

	applyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Timing.CycleTimeUs == 0 {
		cfg.Timing.CycleTimeUs = DefaultCycleTimeUs
	}
	if cfg.Timing.ReductionRatio == 0 {
		cfg.Timing.ReductionRatio = DefaultReductionRatio
	}
	if cfg.Timing.WatchdogMs == 0 {
		cfg.Timing.WatchdogMs = DefaultWatchdogMs
	}
	if cfg.Identity.StationName == "" {
		cfg.Identity.StationName = "pnetctl"
	}
	if cfg.Identity.Instance == 0 {
		cfg.Identity.Instance = 1
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.MQTT.Broker != "" && cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = cfg.Identity.StationName
	}
	for i := range cfg.Devices {
		if cfg.Devices[i].WatchdogMs == 0 {
			cfg.Devices[i].WatchdogMs = cfg.Timing.WatchdogMs
		}
	}
}

// Validate checks a configuration for internal consistency.
func Validate(cfg *Config) error {
	if cfg.Network.MAC != "" {
		if _, err := net.ParseMAC(cfg.Network.MAC); err != nil {
			return fmt.Errorf("network.mac: %w", err)
		}
	}
	if cfg.Network.IP != "" {
		if ip := net.ParseIP(cfg.Network.IP); ip == nil || ip.To4() == nil {
			return fmt.Errorf("network.ip: %q is not an IPv4 address", cfg.Network.IP)
		}
	}
	if cfg.Timing.CycleTimeUs < 250 || cfg.Timing.CycleTimeUs > 512000 {
		return fmt.Errorf("timing.cycle_time_us: %d out of range [250, 512000]", cfg.Timing.CycleTimeUs)
	}
	if cfg.Timing.ReductionRatio < 1 || cfg.Timing.ReductionRatio > 16384 {
		return fmt.Errorf("timing.reduction_ratio: %d out of range [1, 16384]", cfg.Timing.ReductionRatio)
	}
	if cfg.Timing.WatchdogMs < 100 {
		return fmt.Errorf("timing.watchdog_ms: %d below minimum 100", cfg.Timing.WatchdogMs)
	}
	if cfg.Timing.DiscoveryWindowMs < 0 {
		return fmt.Errorf("timing.discovery_window_ms: %d is negative", cfg.Timing.DiscoveryWindowMs)
	}
	if err := validateStationName(cfg.Identity.StationName); err != nil {
		return fmt.Errorf("identity.station_name: %w", err)
	}

	seen := make(map[string]bool)
	for i, dev := range cfg.Devices {
		if err := validateStationName(dev.StationName); err != nil {
			return fmt.Errorf("devices[%d].station_name: %w", i, err)
		}
		if seen[dev.StationName] {
			return fmt.Errorf("devices[%d]: duplicate station name %q", i, dev.StationName)
		}
		seen[dev.StationName] = true
	}

	for i, mod := range cfg.Modules {
		switch mod.Direction {
		case "sensor", "actuator":
		default:
			return fmt.Errorf("modules[%d].direction: %q, want \"sensor\" or \"actuator\"", i, mod.Direction)
		}
		if mod.Ident == 0 {
			return fmt.Errorf("modules[%d].ident: must be non-zero", i)
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.CSVPath == "" {
		return fmt.Errorf("metrics.csv_path: required when metrics are enabled")
	}
	return nil
}

// validateStationName enforces the DNS-like station name rules:
// lowercase labels of letters, digits and hyphens, dot-separated,
// 240 bytes total.
func validateStationName(name string) error {
	if name == "" {
		return fmt.Errorf("empty")
	}
	if len(name) > 240 {
		return fmt.Errorf("%d bytes exceeds 240", len(name))
	}
	for _, label := range strings.Split(name, ".") {
		if label == "" {
			return fmt.Errorf("empty label in %q", name)
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return fmt.Errorf("label %q starts or ends with a hyphen", label)
		}
		for _, r := range label {
			switch {
			case r >= 'a' && r <= 'z':
			case r >= '0' && r <= '9':
			case r == '-':
			default:
				return fmt.Errorf("invalid character %q in %q", r, name)
			}
		}
	}
	return nil
}
