// Package config provides configuration loading and management for iwibridge.
// It handles loading configuration from YAML files, overriding it from IWIBRIDGE_*
// environment variables and provides default values.
package config

import (
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"iwibridge/pkg/downsample"
	"iwibridge/pkg/loader"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "IWIBRIDGE_"

// Config represents the application configuration loaded from YAML
type Config struct {
	// Conversion between NIfTI volumes and ITK-Wasm images
	Adapter struct {
		// FlipHandedness negates physical axis 0 when building images from volumes,
		// and restores it when writing volumes back
		FlipHandedness bool `yaml:"flipHandedness" env:"FLIP_HANDEDNESS"`
	} `yaml:"adapter" envPrefix:"ADAPTER_"`

	// Downsample parameters
	Downsample struct {
		// ShrinkFactors are the default per-axis factors
		ShrinkFactors []int `yaml:"shrinkFactors" env:"SHRINK_FACTORS" envSeparator:","`

		// Rounding is the output extent contract of the transform: ceil or floor.
		// Empty picks floor for downsample-bin-shrink, which floors like ITK's
		// BinShrinkImageFilter, and ceil for any other command
		Rounding string `yaml:"rounding" env:"ROUNDING"`

		// Command is the bin-shrink executable and its leading arguments
		Command []string `yaml:"command" env:"COMMAND" envSeparator:" "`
	} `yaml:"downsample" envPrefix:"DOWNSAMPLE_"`

	// Output parameters
	Output struct {
		// Compress writes .nii.gz and gzipped mz3 files
		Compress bool `yaml:"compress" env:"COMPRESS"`

		// Verbose prints every processing step
		Verbose bool `yaml:"verbose" env:"VERBOSE"`

		// LogLevel is the zap level name
		LogLevel string `yaml:"logLevel" env:"LOG_LEVEL"`
	} `yaml:"output" envPrefix:"OUTPUT_"`

	// Loaders are extra registrations of the built-in transforms
	Loaders []loader.Mapping `yaml:"loaders,omitempty"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Adapter.FlipHandedness = false

	cfg.Downsample.ShrinkFactors = []int{2, 2, 2}
	cfg.Downsample.Command = []string{downsample.DefaultCommand}

	cfg.Output.Compress = false
	cfg.Output.Verbose = true
	cfg.Output.LogLevel = "info"

	return cfg
}

// LoadConfig loads configuration from a YAML file and applies environment
// overrides. If the file doesn't exist, the defaults are used.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, errors.Wrap(err, "reading config file")
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, errors.Wrap(err, "parsing config file")
			}
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with the IWIBRIDGE_* variables that are set.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return errors.Wrap(err, "parsing environment")
	}
	return nil
}

// Validate checks the values that cannot be checked by their type.
func (c *Config) Validate() error {
	if _, err := c.RoundingMode(); err != nil {
		return err
	}
	for i, f := range c.Downsample.ShrinkFactors {
		if f < 1 {
			return errors.Errorf("downsample.shrinkFactors[%d] = %d, want at least 1", i, f)
		}
	}
	for i, m := range c.Loaders {
		if m.Source == "" || m.Target == "" {
			return errors.Errorf("loaders[%d] needs a source and a target", i)
		}
	}
	return nil
}

// RoundingMode parses Downsample.Rounding, falling back to the rounding of
// Downsample.Command when it is empty.
func (c *Config) RoundingMode() (downsample.Rounding, error) {
	if c.Downsample.Rounding == "" {
		return downsample.DefaultRounding(c.Downsample.Command), nil
	}
	r, err := downsample.ParseRounding(c.Downsample.Rounding)
	if err != nil {
		return r, errors.Wrap(err, "downsample.rounding")
	}
	return r, nil
}

// LoaderOptions returns the options of the built-in loaders.
func (c *Config) LoaderOptions() loader.Options {
	return loader.Options{
		Compress:       c.Output.Compress,
		FlipHandedness: c.Adapter.FlipHandedness,
		Extra:          c.Loaders,
	}
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "creating config directory")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "marshaling config")
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return errors.Wrap(err, "writing config file")
	}
	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
