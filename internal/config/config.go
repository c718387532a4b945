package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListen         = ":8080"
	DefaultDataDir        = "/var/lib/cxlogger"
	DefaultSettingsSubdir = "devices"
	DefaultDevicePassword = "admin"
	DefaultRawRate        = 500
	DefaultPollMS         = 50
	DefaultWriterPollMS   = 50
	DefaultCooldownSec    = 60
	DefaultRetryLimit     = 5
	DefaultDemoPeriodMS   = 1000
	DefaultCompression    = "zstd"
	DefaultReplayChunk    = 50
	DefaultShadowBroker   = "tcp://127.0.0.1:1883"
	DefaultShadowPrefix   = "cxlogger"
	DefaultShadowInterval = 30
)

// Environment variables that override the file.
const (
	EnvDemo      = "DEMO"
	EnvConfigDir = "DEVICE_CONFIG_DIR"
)

// Config is the service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Fleet    FleetConfig    `yaml:"fleet"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Shadow   ShadowConfig   `yaml:"shadow"`
}

// ServerConfig controls the HTTP control plane.
type ServerConfig struct {
	Listen string `yaml:"listen"`
	// HostName is reported in health snapshots. Defaults to the OS hostname.
	HostName string `yaml:"host_name"`
}

// FleetConfig controls device discovery and settings storage.
type FleetConfig struct {
	Demo      bool  `yaml:"demo"`
	AutoStart *bool `yaml:"auto_start,omitempty"`
	// SettingsDir holds one <device>_config.yaml per device.
	SettingsDir    string `yaml:"settings_dir"`
	DataDir        string `yaml:"data_dir"`
	DevicePassword string `yaml:"device_password"`
	// ReplayDir exposes recorded CSV captures as devices when set.
	ReplayDir   string `yaml:"replay_dir,omitempty"`
	ReplayChunk int    `yaml:"replay_chunk"`
}

// PipelineConfig tunes the acquisition pipeline.
type PipelineConfig struct {
	RawRate        int    `yaml:"raw_rate"`
	PollIntervalMS int    `yaml:"poll_interval_ms"`
	WriterPollMS   int    `yaml:"writer_poll_ms"`
	CooldownSec    *int   `yaml:"cooldown_sec,omitempty"`
	RetryLimit     *int   `yaml:"retry_limit,omitempty"`
	DemoPeriodMS   int    `yaml:"demo_period_ms"`
	Compression    string `yaml:"compression"`
}

// ShadowConfig controls MQTT health reporting.
type ShadowConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id,omitempty"`
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
	IntervalSec int    `yaml:"interval_sec"`
}

func (p PipelineConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMS) * time.Millisecond
}

func (p PipelineConfig) WriterPoll() time.Duration {
	return time.Duration(p.WriterPollMS) * time.Millisecond
}

func (p PipelineConfig) Cooldown() time.Duration {
	if p.CooldownSec == nil {
		return DefaultCooldownSec * time.Second
	}
	return time.Duration(*p.CooldownSec) * time.Second
}

func (p PipelineConfig) Retries() int {
	if p.RetryLimit == nil {
		return DefaultRetryLimit
	}
	return *p.RetryLimit
}

func (p PipelineConfig) DemoPeriod() time.Duration {
	return time.Duration(p.DemoPeriodMS) * time.Millisecond
}

func (s ShadowConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSec) * time.Second
}

// AutoStartEnabled reports whether discovered devices start at boot.
func (f FleetConfig) AutoStartEnabled() bool {
	return f.AutoStart == nil || *f.AutoStart
}

// Default returns a fully defaulted configuration.
func Default() Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return cfg
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// ApplyEnv overrides fields from the environment. DEMO enables demo mode
// unless it is "false"; DEVICE_CONFIG_DIR replaces the settings directory.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v, ok := lookup(getenv, EnvDemo); ok {
		cfg.Fleet.Demo = !strings.EqualFold(v, "false")
	}
	if v, ok := lookup(getenv, EnvConfigDir); ok {
		cfg.Fleet.SettingsDir = v
	}
}

func lookup(getenv func(string) string, key string) (string, bool) {
	v := strings.TrimSpace(getenv(key))
	return v, v != ""
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if cfg.Fleet.SettingsDir == "" {
		return fmt.Errorf("fleet.settings_dir is required")
	}
	if cfg.Fleet.DataDir == "" {
		return fmt.Errorf("fleet.data_dir is required")
	}
	if cfg.Pipeline.RawRate <= 0 {
		return fmt.Errorf("pipeline.raw_rate must be positive")
	}
	if cfg.Pipeline.CooldownSec != nil && *cfg.Pipeline.CooldownSec < 0 {
		return fmt.Errorf("pipeline.cooldown_sec must not be negative")
	}
	if cfg.Pipeline.RetryLimit != nil && *cfg.Pipeline.RetryLimit < 0 {
		return fmt.Errorf("pipeline.retry_limit must not be negative")
	}
	switch cfg.Pipeline.Compression {
	case "none", "zstd", "lz4":
	default:
		return fmt.Errorf("pipeline.compression %q not one of none, zstd, lz4", cfg.Pipeline.Compression)
	}
	if cfg.Shadow.Enabled && cfg.Shadow.Broker == "" {
		return fmt.Errorf("shadow.broker is required when shadow is enabled")
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = DefaultListen
	}
	if cfg.Server.HostName == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Server.HostName = host
		}
	}

	if cfg.Fleet.DataDir == "" {
		cfg.Fleet.DataDir = DefaultDataDir
	}
	if cfg.Fleet.SettingsDir == "" {
		cfg.Fleet.SettingsDir = filepath.Join(cfg.Fleet.DataDir, DefaultSettingsSubdir)
	}
	if cfg.Fleet.DevicePassword == "" {
		cfg.Fleet.DevicePassword = DefaultDevicePassword
	}
	if cfg.Fleet.ReplayChunk == 0 {
		cfg.Fleet.ReplayChunk = DefaultReplayChunk
	}

	if cfg.Pipeline.RawRate == 0 {
		cfg.Pipeline.RawRate = DefaultRawRate
	}
	if cfg.Pipeline.PollIntervalMS == 0 {
		cfg.Pipeline.PollIntervalMS = DefaultPollMS
	}
	if cfg.Pipeline.WriterPollMS == 0 {
		cfg.Pipeline.WriterPollMS = DefaultWriterPollMS
	}
	if cfg.Pipeline.CooldownSec == nil {
		v := DefaultCooldownSec
		cfg.Pipeline.CooldownSec = &v
	}
	if cfg.Pipeline.RetryLimit == nil {
		v := DefaultRetryLimit
		cfg.Pipeline.RetryLimit = &v
	}
	if cfg.Pipeline.DemoPeriodMS == 0 {
		cfg.Pipeline.DemoPeriodMS = DefaultDemoPeriodMS
	}
	if cfg.Pipeline.Compression == "" {
		cfg.Pipeline.Compression = DefaultCompression
	}

	if cfg.Shadow.Broker == "" {
		cfg.Shadow.Broker = DefaultShadowBroker
	}
	if cfg.Shadow.TopicPrefix == "" {
		cfg.Shadow.TopicPrefix = DefaultShadowPrefix
	}
	if cfg.Shadow.IntervalSec == 0 {
		cfg.Shadow.IntervalSec = DefaultShadowInterval
	}
	if cfg.Shadow.ClientID == "" {
		cfg.Shadow.ClientID = "cxlogger-" + cfg.Server.HostName
	}
}
