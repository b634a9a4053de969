// Package config holds the agent configuration. Immutable fields are set
// once at startup from file and environment; the mutable subset (apdex
// threshold, naming rules, sampling target/period, harvest interval) is
// replaced wholesale when the collector pushes new values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	AppName    string `yaml:"app_name" validate:"required"`
	LicenseKey string `yaml:"license_key"`

	// Enabled false turns the whole agent into a no-op: Start completes
	// immediately and no handshake is ever attempted.
	Enabled bool `yaml:"enabled"`

	CollectorHost string `yaml:"collector_host" validate:"required"`
	Proxy         string `yaml:"proxy"`

	HarvestInterval time.Duration `yaml:"harvest_interval" validate:"gt=0"`
	ApdexThreshold  time.Duration `yaml:"apdex_threshold" validate:"gt=0"`

	SamplingTarget uint64        `yaml:"sampling_target"`
	SamplingPeriod time.Duration `yaml:"sampling_period" validate:"gt=0"`

	// Serverless redirects harvests to an atomically written local file
	// and lifts every aggregator capacity.
	Serverless           bool   `yaml:"serverless"`
	ServerlessOutputPath string `yaml:"serverless_output_path"`

	Labels   map[string]string `yaml:"labels"`
	LogLevel string            `yaml:"log_level"`
}

// yamlConfig mirrors Config for decoding: yaml.v3 has no native
// time.Duration support, and pointer fields distinguish "absent" from
// zero so defaults survive a partial file.
type yamlConfig struct {
	AppName              *string           `yaml:"app_name"`
	LicenseKey           *string           `yaml:"license_key"`
	Enabled              *bool             `yaml:"enabled"`
	CollectorHost        *string           `yaml:"collector_host"`
	Proxy                *string           `yaml:"proxy"`
	HarvestInterval      *string           `yaml:"harvest_interval"`
	ApdexThreshold       *string           `yaml:"apdex_threshold"`
	SamplingTarget       *uint64           `yaml:"sampling_target"`
	SamplingPeriod       *string           `yaml:"sampling_period"`
	Serverless           *bool             `yaml:"serverless"`
	ServerlessOutputPath *string           `yaml:"serverless_output_path"`
	Labels               map[string]string `yaml:"labels"`
	LogLevel             *string           `yaml:"log_level"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	var aux yamlConfig
	if err := node.Decode(&aux); err != nil {
		return err
	}
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setString(&c.AppName, aux.AppName)
	setString(&c.LicenseKey, aux.LicenseKey)
	setString(&c.CollectorHost, aux.CollectorHost)
	setString(&c.Proxy, aux.Proxy)
	setString(&c.ServerlessOutputPath, aux.ServerlessOutputPath)
	setString(&c.LogLevel, aux.LogLevel)
	if aux.Enabled != nil {
		c.Enabled = *aux.Enabled
	}
	if aux.Serverless != nil {
		c.Serverless = *aux.Serverless
	}
	if aux.SamplingTarget != nil {
		c.SamplingTarget = *aux.SamplingTarget
	}
	if aux.Labels != nil {
		c.Labels = aux.Labels
	}
	for _, d := range []struct {
		raw *string
		dst *time.Duration
		key string
	}{
		{aux.HarvestInterval, &c.HarvestInterval, "harvest_interval"},
		{aux.ApdexThreshold, &c.ApdexThreshold, "apdex_threshold"},
		{aux.SamplingPeriod, &c.SamplingPeriod, "sampling_period"},
	} {
		if d.raw == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.raw)
		if err != nil {
			return fmt.Errorf("bad %s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

func Default() Config {
	return Config{
		Enabled:              true,
		CollectorHost:        "collector.fluxmon.io",
		HarvestInterval:      60 * time.Second,
		ApdexThreshold:       500 * time.Millisecond,
		SamplingTarget:       10,
		SamplingPeriod:       60 * time.Second,
		ServerlessOutputPath: "fluxmon-harvest.json",
		LogLevel:             "info",
	}
}

// Load reads the optional YAML file at path over the defaults, applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("FLUXMON_APP_NAME"); v != "" {
		cfg.AppName = v
	}
	if v := os.Getenv("FLUXMON_LICENSE_KEY"); v != "" {
		cfg.LicenseKey = v
	}
	if v := os.Getenv("FLUXMON_COLLECTOR_HOST"); v != "" {
		cfg.CollectorHost = v
	}
	if v := os.Getenv("FLUXMON_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Enabled = b
		}
	}
	if v := os.Getenv("FLUXMON_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
