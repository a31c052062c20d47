// Package config reads the culapack configuration file
// (~/.config/culapack/config.yaml).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/culapack/internal/logger"
	"github.com/samcharles93/culapack/pkg/tuning"
)

// Config is the configuration file. Pointer and empty fields mean "not set"
// so a command can tell them apart from zero values.
type Config struct {
	// Driver selects the device driver, sim or cuda.
	Driver string `yaml:"driver"`
	// SimDevices is the number of simulated devices.
	SimDevices *int `yaml:"sim_devices"`
	// Devices are the ordinals used by multi-device runs. Empty means all.
	Devices []int `yaml:"devices"`
	// ImageDir is where the cuda driver loads kernel images from.
	ImageDir string `yaml:"image_dir"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ServerAddress string `yaml:"server_address"`

	// Tuning overrides the default block sizes field by field.
	Tuning tuning.Set `yaml:"tuning"`
}

// Path returns the default location of the configuration file, or "" when
// there is no user configuration directory.
func Path() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "culapack", "config.yaml")
}

// Load reads the file at path. A missing file yields a zero Config when the
// path is the default one and an error otherwise.
func Load(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = Path()
		if path == "" {
			return Config{}, nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a configuration document. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate checks the values that can be checked without a driver.
func (c Config) Validate() error {
	switch c.Driver {
	case "", "sim", "cuda":
	default:
		return fmt.Errorf("driver %q: want sim or cuda", c.Driver)
	}
	if c.SimDevices != nil && *c.SimDevices < 1 {
		return fmt.Errorf("sim_devices must be positive, got %d", *c.SimDevices)
	}
	for _, d := range c.Devices {
		if d < 0 {
			return fmt.Errorf("devices: negative ordinal %d", d)
		}
	}
	if _, err := logger.ParseFormat(c.LogFormat); err != nil {
		return fmt.Errorf("log_format: %w", err)
	}
	if err := tuning.Default().Merge(c.Tuning).Validate(); err != nil {
		return fmt.Errorf("tuning: %w", err)
	}
	return nil
}
