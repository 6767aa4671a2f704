// Package config loads the daemon configuration. This is operational
// configuration only (paths, listen addresses, timeouts); the network
// model itself lives in the state database.
package config

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// Duration parses "60s" style values from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the daemon configuration file.
type Config struct {
	// Interface is the WireGuard device name.
	Interface string `yaml:"interface"`
	// ConfigPath is the wg config file the applier maintains.
	ConfigPath string `yaml:"config_path"`
	// StateDir holds the SQLite database, the last-applied artifact
	// and the transaction sidecar.
	StateDir string `yaml:"state_dir"`

	// Listen is the API listen address.
	Listen string `yaml:"listen"`

	// SafetyDeadline is the verification window for safety commits.
	SafetyDeadline Duration `yaml:"safety_deadline"`

	// VerifyTarget is an address probed right after a safety-mode
	// apply. When set and unreachable, the commit reverts immediately
	// instead of waiting for the deadline. Empty disables the probe.
	VerifyTarget string `yaml:"verify_target"`

	Log LogConfig `yaml:"log"`
}

// LogConfig controls daemon logging.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// JSON switches to machine-readable output.
	JSON bool `yaml:"json"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Interface:      "wg0",
		ConfigPath:     "/etc/wireguard/wg0.conf",
		StateDir:       "/var/lib/wgsteward",
		Listen:         "127.0.0.1:8490",
		SafetyDeadline: Duration(60 * time.Second),
		Log:            LogConfig{Level: "info"},
	}
}

// Load reads path and overlays it on the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks for values that would fail later in confusing ways.
func (c *Config) Validate() error {
	if c.Interface == "" {
		return fmt.Errorf("interface must not be empty")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir must not be empty")
	}
	if c.Listen == "" {
		return fmt.Errorf("listen must not be empty")
	}
	if c.SafetyDeadline < 0 {
		return fmt.Errorf("safety_deadline must not be negative")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}
