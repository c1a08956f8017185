// Package config loads simulator settings from YAML with environment
// overrides for the secrets that should never live in a file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std converts back to time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full simulator configuration.
type Config struct {
	Provisioning struct {
		Endpoint string `yaml:"endpoint"`
		IDScope  string `yaml:"idScope"`
		GroupKey string `yaml:"groupKey"`
	} `yaml:"provisioning"`

	Hub struct {
		// Endpoint overrides the assigned hub; empty uses the assignment.
		Endpoint string `yaml:"endpoint"`
	} `yaml:"hub"`

	Fleet struct {
		NumDevices     int      `yaml:"numDevices"`
		DeviceIDPrefix string   `yaml:"deviceIdPrefix"`
		BatchSize      int      `yaml:"batchSize"`
		BatchDelay     Duration `yaml:"batchDelay"`
		StaggerDelay   Duration `yaml:"staggerDelay"`
	} `yaml:"fleet"`

	Telemetry struct {
		Interval           Duration `yaml:"interval"`
		DeviceInfoInterval Duration `yaml:"deviceInfoInterval"`
		DesiredPoll        Duration `yaml:"desiredPoll"`
	} `yaml:"telemetry"`

	Firmware struct {
		Version      string   `yaml:"version"`
		Dir          string   `yaml:"dir"`
		InstallDelay Duration `yaml:"installDelay"`
		OCICacheDir  string   `yaml:"ociCacheDir"`
		OCIPlainHTTP bool     `yaml:"ociPlainHttp"`
	} `yaml:"firmware"`

	Run struct {
		Duration    Duration `yaml:"duration"`
		ControlAddr string   `yaml:"controlAddr"`
	} `yaml:"run"`
}

// Default returns a runnable baseline configuration.
func Default() Config {
	var c Config
	c.Fleet.NumDevices = 10
	c.Fleet.DeviceIDPrefix = "dev"
	c.Fleet.BatchSize = 10
	c.Fleet.BatchDelay = Duration(5 * time.Second)
	c.Fleet.StaggerDelay = Duration(500 * time.Millisecond)
	c.Telemetry.Interval = Duration(30 * time.Second)
	c.Telemetry.DeviceInfoInterval = Duration(5 * time.Minute)
	c.Telemetry.DesiredPoll = Duration(time.Minute)
	c.Firmware.Version = "1.0.0"
	c.Firmware.Dir = os.TempDir()
	c.Firmware.InstallDelay = Duration(2 * time.Second)
	c.Run.ControlAddr = ":8085"
	return c
}

// Load reads path (optional) over the defaults, then applies environment
// overrides.
func Load(path string) (Config, error) {
	c := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return c, fmt.Errorf("parse config: %w", err)
		}
	}

	c.applyEnv()
	return c, c.validate()
}

// Environment wins over the file so secrets stay out of YAML.
func (c *Config) applyEnv() {
	if v := os.Getenv("COHORT_PROVISIONING_ENDPOINT"); v != "" {
		c.Provisioning.Endpoint = v
	}
	if v := os.Getenv("COHORT_ID_SCOPE"); v != "" {
		c.Provisioning.IDScope = v
	}
	if v := os.Getenv("COHORT_GROUP_KEY"); v != "" {
		c.Provisioning.GroupKey = v
	}
	if v := os.Getenv("COHORT_HUB_ENDPOINT"); v != "" {
		c.Hub.Endpoint = v
	}
	if v := os.Getenv("COHORT_NUM_DEVICES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Fleet.NumDevices = n
		}
	}
}

func (c *Config) validate() error {
	if c.Provisioning.Endpoint == "" {
		return fmt.Errorf("provisioning.endpoint is required")
	}
	if c.Provisioning.IDScope == "" {
		return fmt.Errorf("provisioning.idScope is required")
	}
	if c.Provisioning.GroupKey == "" {
		return fmt.Errorf("provisioning.groupKey is required")
	}
	if c.Fleet.NumDevices <= 0 {
		return fmt.Errorf("fleet.numDevices must be positive")
	}
	return nil
}
