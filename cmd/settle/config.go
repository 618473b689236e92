package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jkbrsn/settle"
)

const (
	defaultNavigationTimeout = 2 * time.Minute
	defaultConcurrency       = 2
)

// fileConfig is the YAML configuration file layout.
type fileConfig struct {
	Settle settle.Config `yaml:"settle"`

	// NavigationTimeout bounds the wait for a single measurement.
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
	// Concurrency is the number of pages measured at once.
	Concurrency int `yaml:"concurrency"`
	// Headless runs Chrome without a window.
	Headless *bool `yaml:"headless"`
	// UserAgent overrides the browser user agent when set.
	UserAgent string `yaml:"user_agent"`
}

func defaultFileConfig() fileConfig {
	headless := true
	return fileConfig{
		Settle:            settle.DefaultConfig(),
		NavigationTimeout: defaultNavigationTimeout,
		Concurrency:       defaultConcurrency,
		Headless:          &headless,
	}
}

// loadFileConfig reads path over the defaults. An empty path yields the defaults.
func loadFileConfig(path string) (fileConfig, error) {
	cfg := defaultFileConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path) //nolint:gosec // path is provided by the operator
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// applyFlags overlays explicitly set flags on cfg.
func applyFlags(cmd *cobra.Command, cfg *fileConfig) error {
	flags := cmd.Flags()
	if flags.Changed("quiet-time") {
		d, err := flags.GetDuration("quiet-time")
		if err != nil {
			return err
		}
		cfg.Settle.QuietTime = d
	}
	if flags.Changed("max-resources") {
		n, err := flags.GetInt("max-resources")
		if err != nil {
			return err
		}
		cfg.Settle.MaxResourcesToWatch = n
	}
	if flags.Changed("beacon-endpoint") {
		s, err := flags.GetString("beacon-endpoint")
		if err != nil {
			return err
		}
		cfg.Settle.BeaconEndpoint = s
	}
	if flags.Changed("ignore") {
		rawRules, err := flags.GetStringArray("ignore")
		if err != nil {
			return err
		}
		for _, raw := range rawRules {
			var rule settle.IgnoreRule
			if err := rule.UnmarshalText([]byte(raw)); err != nil {
				return fmt.Errorf("invalid ignore rule %q: %w", raw, err)
			}
			cfg.Settle.IgnoreURLs = append(cfg.Settle.IgnoreURLs, rule)
		}
	}
	if flags.Changed("timeout") {
		d, err := flags.GetDuration("timeout")
		if err != nil {
			return err
		}
		cfg.NavigationTimeout = d
	}
	if flags.Changed("concurrency") {
		n, err := flags.GetInt("concurrency")
		if err != nil {
			return err
		}
		cfg.Concurrency = n
	}
	if flags.Changed("headful") {
		headful, err := flags.GetBool("headful")
		if err != nil {
			return err
		}
		headless := !headful
		cfg.Headless = &headless
	}
	return nil
}

// validate checks the settings the CLI cannot repair on its own.
func (c fileConfig) validate() error {
	var errs []error
	if err := c.Settle.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.NavigationTimeout <= 0 {
		errs = append(errs, errors.New("navigation_timeout must be positive"))
	}
	if c.Concurrency <= 0 {
		errs = append(errs, errors.New("concurrency must be positive"))
	}
	return errors.Join(errs...)
}
