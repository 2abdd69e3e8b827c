// Package config loads the recorder's settings from a JSON or YAML file.
// Every field is optional; the Get* methods supply defaults for omitted
// ones.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/surface.report/internal/serialmux"
)

const (
	DefaultDBPath          = "surface.db"
	DefaultListen          = "localhost:8090"
	DefaultTickInterval    = 3 * time.Second
	DefaultFilterAlpha     = 0.8
	DefaultProximityRadius = 10.0
	DefaultCellPrecision   = 4
	DefaultFixTimeout      = 10 * time.Second
	DefaultUERE            = 5.0

	maxFileSize = 1 * 1024 * 1024
)

// DeviceConfig selects a serial device. An empty Port leaves the device
// disabled.
type DeviceConfig struct {
	Port                  string `json:"port" yaml:"port"`
	serialmux.PortOptions `yaml:",inline"`
}

// Config is the root configuration.
type Config struct {
	DBPath *string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	Listen *string `json:"listen,omitempty" yaml:"listen,omitempty"`

	// Fusion and map params
	TickInterval          *string  `json:"tick_interval,omitempty" yaml:"tick_interval,omitempty"` // duration string like "3s"
	FilterAlpha           *float64 `json:"filter_alpha,omitempty" yaml:"filter_alpha,omitempty"`
	ProximityRadiusMeters *float64 `json:"proximity_radius_m,omitempty" yaml:"proximity_radius_m,omitempty"`
	CellPrecision         *int     `json:"cell_precision,omitempty" yaml:"cell_precision,omitempty"`

	// GPS params
	FixTimeout *string  `json:"fix_timeout,omitempty" yaml:"fix_timeout,omitempty"` // "0s" disables
	UERE       *float64 `json:"uere,omitempty" yaml:"uere,omitempty"`

	GPS *DeviceConfig `json:"gps,omitempty" yaml:"gps,omitempty"`
	IMU *DeviceConfig `json:"imu,omitempty" yaml:"imu,omitempty"`
}

// Load reads a .json, .yaml or .yml file. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if ext == ".json" {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields that are set.
func (c *Config) Validate() error {
	if c.TickInterval != nil {
		d, err := time.ParseDuration(*c.TickInterval)
		if err != nil {
			return fmt.Errorf("invalid tick_interval '%s': %w", *c.TickInterval, err)
		}
		if d <= 0 {
			return fmt.Errorf("tick_interval must be positive, got %s", d)
		}
	}
	if c.FilterAlpha != nil {
		// Zero would track every sample exactly and score every road as smooth.
		if *c.FilterAlpha <= 0 || *c.FilterAlpha >= 1 {
			return fmt.Errorf("filter_alpha must be in (0, 1), got %f", *c.FilterAlpha)
		}
	}
	if c.ProximityRadiusMeters != nil && *c.ProximityRadiusMeters <= 0 {
		return fmt.Errorf("proximity_radius_m must be positive, got %f", *c.ProximityRadiusMeters)
	}
	if c.CellPrecision != nil {
		if *c.CellPrecision < 0 || *c.CellPrecision > 8 {
			return fmt.Errorf("cell_precision must be between 0 and 8, got %d", *c.CellPrecision)
		}
	}
	if c.FixTimeout != nil {
		d, err := time.ParseDuration(*c.FixTimeout)
		if err != nil {
			return fmt.Errorf("invalid fix_timeout '%s': %w", *c.FixTimeout, err)
		}
		if d < 0 {
			return fmt.Errorf("fix_timeout must not be negative, got %s", d)
		}
	}
	if c.UERE != nil && *c.UERE <= 0 {
		return fmt.Errorf("uere must be positive, got %f", *c.UERE)
	}
	for name, dev := range map[string]*DeviceConfig{"gps": c.GPS, "imu": c.IMU} {
		if dev == nil {
			continue
		}
		if _, err := dev.Normalise(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (c *Config) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return DefaultDBPath
	}
	return *c.DBPath
}

func (c *Config) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return DefaultListen
	}
	return *c.Listen
}

// GetTickInterval returns the fusion tick period.
func (c *Config) GetTickInterval() time.Duration {
	if c.TickInterval == nil {
		return DefaultTickInterval
	}
	d, err := time.ParseDuration(*c.TickInterval)
	if err != nil || d <= 0 {
		return DefaultTickInterval
	}
	return d
}

func (c *Config) GetFilterAlpha() float64 {
	if c.FilterAlpha == nil {
		return DefaultFilterAlpha
	}
	return *c.FilterAlpha
}

func (c *Config) GetProximityRadius() float64 {
	if c.ProximityRadiusMeters == nil {
		return DefaultProximityRadius
	}
	return *c.ProximityRadiusMeters
}

func (c *Config) GetCellPrecision() int {
	if c.CellPrecision == nil {
		return DefaultCellPrecision
	}
	return *c.CellPrecision
}

// GetFixTimeout returns how long the GPS may stay silent; zero disables the
// check.
func (c *Config) GetFixTimeout() time.Duration {
	if c.FixTimeout == nil {
		return DefaultFixTimeout
	}
	d, err := time.ParseDuration(*c.FixTimeout)
	if err != nil || d < 0 {
		return DefaultFixTimeout
	}
	return d
}

func (c *Config) GetUERE() float64 {
	if c.UERE == nil {
		return DefaultUERE
	}
	return *c.UERE
}

// GetGPS returns the GPS device, zero-valued (disabled) if unset.
func (c *Config) GetGPS() DeviceConfig {
	if c.GPS == nil {
		return DeviceConfig{}
	}
	return *c.GPS
}

// GetIMU returns the IMU device, zero-valued (disabled) if unset.
func (c *Config) GetIMU() DeviceConfig {
	if c.IMU == nil {
		return DeviceConfig{}
	}
	return *c.IMU
}
