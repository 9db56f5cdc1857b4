// Package config loads the daemon's YAML configuration: broker
// connection details, state directory layout, and protocol timings.
// Grounded on the teacher's config.Config — same load/save-with-
// defaults shape, retargeted from CLI daemon contexts to the daemon's
// own settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon's on-disk configuration, default path
// $XDG_CONFIG_HOME/avena/daemon.yaml.
type Config struct {
	// BrokerURL is the local broker's client URL, e.g. nats://127.0.0.1:4222.
	BrokerURL string `yaml:"broker_url"`
	// StateDir holds identity, the credential authority key, the link
	// store, and the HLC persistence file.
	StateDir string `yaml:"state_dir"`
	// UnitDir is where rendered Quadlet .container files are written.
	UnitDir string `yaml:"unit_dir"`
	// LeafDir is where leaf-uplink manifests for the local broker to
	// pick up are written.
	LeafDir string `yaml:"leaf_dir"`

	// AnnounceInterval is parsed and saved but not read by the daemon;
	// discovery always announces every discovery.AnnounceInterval (5s).
	AnnounceInterval time.Duration `yaml:"announce_interval,omitempty"`

	// RequireAdmission enables the accept-side network admission
	// policy check (peer must be a known registry entry) beyond
	// signature verification alone.
	RequireAdmission bool `yaml:"require_admission,omitempty"`
}

// defaults fills in the fields a bare YAML file is allowed to omit.
func (c *Config) defaults() {
	if c.BrokerURL == "" {
		c.BrokerURL = "nats://127.0.0.1:4222"
	}
	if c.StateDir == "" {
		c.StateDir = filepath.Join(defaultStateRoot(), "avena")
	}
	if c.UnitDir == "" {
		c.UnitDir = filepath.Join(c.StateDir, "units")
	}
	if c.LeafDir == "" {
		c.LeafDir = filepath.Join(c.StateDir, "leafnodes")
	}
}

func defaultStateRoot() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".local/state"
	}
	return filepath.Join(home, ".local", "state")
}

// Path returns the default config file location, respecting
// XDG_CONFIG_HOME.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "avena", "daemon.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "avena", "daemon.yaml")
}

// Load reads the config file at path, applying defaults for any
// omitted field. A missing file yields an all-defaults Config, not an
// error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg := &Config{}
			cfg.defaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.defaults()
	return &cfg, nil
}

// Save writes the config to path, creating directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
