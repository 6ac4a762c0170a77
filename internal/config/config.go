// Package config loads the autosteer service configuration from JSON.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/autosteer/internal/sensorfeed"
	"github.com/banshee-data/autosteer/internal/vehicle"
)

// DefaultConfigPath is the canonical defaults file shipped with the service.
const DefaultConfigPath = "config/autosteer.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

const (
	defaultLoopPeriod          = 10 * time.Millisecond
	defaultReconnectBackoff    = 250 * time.Millisecond
	defaultReconnectMaxBackoff = 5 * time.Second
	defaultListen              = ":8080"
	defaultDBPath              = "autosteer.db"
)

// Config is the root service configuration. Every field is optional; the Get*
// accessors supply defaults for anything the file leaves out.
type Config struct {
	// Serial link
	PortPath    *string `json:"port_path,omitempty"`
	BaudRate    *int    `json:"baud_rate,omitempty"`
	DataBits    *int    `json:"data_bits,omitempty"`
	StopBits    *int    `json:"stop_bits,omitempty"`
	Parity      *string `json:"parity,omitempty"`
	ReadTimeout *string `json:"read_timeout,omitempty"` // duration string like "1s"

	// Control loop
	LoopPeriod          *string `json:"loop_period,omitempty"`
	ReconnectBackoff    *string `json:"reconnect_backoff,omitempty"`
	ReconnectMaxBackoff *string `json:"reconnect_max_backoff,omitempty"`

	// Service
	Listen *string `json:"listen,omitempty"`
	DBPath *string `json:"db_path,omitempty"`

	Vehicle *VehicleConfig `json:"vehicle,omitempty"`
}

// VehicleConfig overrides the kinematic model parameters.
type VehicleConfig struct {
	Wheelbase          *float64 `json:"wheelbase,omitempty"`
	SteerRatio         *float64 `json:"steer_ratio,omitempty"`
	Mass               *float64 `json:"mass,omitempty"`
	CenterToFront      *float64 `json:"center_to_front,omitempty"`
	TireStiffnessFront *float64 `json:"tire_stiffness_front,omitempty"`
	TireStiffnessRear  *float64 `json:"tire_stiffness_rear,omitempty"`
}

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// Load reads a Config from a JSON file. The path must have a .json
// extension and the file must be under 1MB.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
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

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks every set field.
func (c *Config) Validate() error {
	for name, v := range map[string]*string{
		"read_timeout":          c.ReadTimeout,
		"loop_period":           c.LoopPeriod,
		"reconnect_backoff":     c.ReconnectBackoff,
		"reconnect_max_backoff": c.ReconnectMaxBackoff,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	if c.GetReconnectMaxBackoff() < c.GetReconnectBackoff() {
		return fmt.Errorf("reconnect_max_backoff %s is below reconnect_backoff %s",
			c.GetReconnectMaxBackoff(), c.GetReconnectBackoff())
	}

	if _, err := c.PortOptions().Normalize(); err != nil {
		return err
	}

	if c.Listen != nil && strings.TrimSpace(*c.Listen) == "" {
		return fmt.Errorf("listen must not be empty")
	}
	if c.DBPath != nil && strings.TrimSpace(*c.DBPath) == "" {
		return fmt.Errorf("db_path must not be empty")
	}

	if err := c.VehicleParams().Validate(); err != nil {
		return fmt.Errorf("vehicle: %w", err)
	}

	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetReadTimeout returns the serial read timeout or the default.
func (c *Config) GetReadTimeout() time.Duration {
	return durationOr(c.ReadTimeout, sensorfeed.DefaultReadTimeout)
}

// GetLoopPeriod returns the pause between control loop passes or the default.
func (c *Config) GetLoopPeriod() time.Duration {
	return durationOr(c.LoopPeriod, defaultLoopPeriod)
}

// GetReconnectBackoff returns the first reconnect delay or the default.
func (c *Config) GetReconnectBackoff() time.Duration {
	return durationOr(c.ReconnectBackoff, defaultReconnectBackoff)
}

// GetReconnectMaxBackoff returns the reconnect delay cap or the default.
func (c *Config) GetReconnectMaxBackoff() time.Duration {
	return durationOr(c.ReconnectMaxBackoff, defaultReconnectMaxBackoff)
}

// GetListen returns the HTTP listen address or the default.
func (c *Config) GetListen() string {
	if c.Listen == nil {
		return defaultListen
	}
	return *c.Listen
}

// GetDBPath returns the SQLite database path or the default.
func (c *Config) GetDBPath() string {
	if c.DBPath == nil {
		return defaultDBPath
	}
	return *c.DBPath
}

// PortOptions builds serial options from the file. Unset fields stay zero and
// are defaulted by PortOptions.Normalize.
func (c *Config) PortOptions() sensorfeed.PortOptions {
	var opts sensorfeed.PortOptions
	if c.PortPath != nil {
		opts.PortPath = *c.PortPath
	}
	if c.BaudRate != nil {
		opts.BaudRate = *c.BaudRate
	}
	if c.DataBits != nil {
		opts.DataBits = *c.DataBits
	}
	if c.StopBits != nil {
		opts.StopBits = *c.StopBits
	}
	if c.Parity != nil {
		opts.Parity = *c.Parity
	}
	opts.ReadTimeout = c.GetReadTimeout()
	return opts
}

// VehicleParams overlays the vehicle section on vehicle.DefaultParams.
func (c *Config) VehicleParams() vehicle.Params {
	p := vehicle.DefaultParams()
	v := c.Vehicle
	if v == nil {
		return p
	}
	if v.Wheelbase != nil {
		p.Wheelbase = *v.Wheelbase
	}
	if v.SteerRatio != nil {
		p.SteerRatio = *v.SteerRatio
	}
	if v.Mass != nil {
		p.Mass = *v.Mass
	}
	if v.CenterToFront != nil {
		p.CenterToFront = *v.CenterToFront
	}
	if v.TireStiffnessFront != nil {
		p.TireStiffnessFront = *v.TireStiffnessFront
	}
	if v.TireStiffnessRear != nil {
		p.TireStiffnessRear = *v.TireStiffnessRear
	}
	return p
}
