// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for slipway.
//
// Configuration is loaded from a single YAML file: either the path
// given with --config, or <root>/slipway.yaml when present. Every
// value has a flag equivalent and flags win, so the file is optional —
// it exists to pin per-host defaults (unit set, repository, retention)
// next to the install root they describe.
//
// The only expansion performed is ${VAR} and ${VAR:-default} in the
// root path, for portability of shared config files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file slipway looks for under the install
// root when --config is not given.
const FileName = "slipway.yaml"

// Config is the full slipway configuration for one install root.
type Config struct {
	// Root is the install root: the directory holding current,
	// releases/, data/, logs/, staging/, trash/, and state/.
	Root string `yaml:"root"`

	// Source describes where release artifacts come from.
	Source SourceConfig `yaml:"source"`

	// Retention is how many non-protected releases the janitor keeps,
	// in addition to the active and just-superseded releases.
	Retention int `yaml:"retention"`

	// Stop configures service shutdown during cutover.
	Stop StopConfig `yaml:"stop"`

	// Health configures post-start health polling.
	Health HealthConfig `yaml:"health"`

	// Python configures the release environment tooling.
	Python PythonConfig `yaml:"python"`

	// Units is the fixed service unit set managed on this host.
	Units []UnitConfig `yaml:"units"`
}

// SourceConfig describes the remote artifact source.
type SourceConfig struct {
	// Repository is the GitHub "owner/name" releases are fetched
	// from. Empty is allowed when deploys always use --artifact.
	Repository string `yaml:"repository"`

	// AssetSuffix selects the release asset holding the archive.
	// Default ".tar.gz".
	AssetSuffix string `yaml:"asset_suffix"`
}

// StopConfig configures service shutdown.
type StopConfig struct {
	// Timeout is the per-unit stop wait as a Go duration string.
	// Default "30s".
	Timeout string `yaml:"timeout"`
}

// HealthConfig configures post-start health polling.
type HealthConfig struct {
	// Attempts is the number of status polls per unit. Default 5.
	Attempts int `yaml:"attempts"`

	// Interval is the wait between polls as a Go duration string.
	// Default "2s".
	Interval string `yaml:"interval"`
}

// PythonConfig configures release environment provisioning.
type PythonConfig struct {
	// UV is the uv executable name or path. Default "uv".
	UV string `yaml:"uv"`

	// SkipWarmup disables the bytecode pre-compilation pass.
	SkipWarmup bool `yaml:"skip_warmup"`
}

// UnitConfig describes one managed service unit.
type UnitConfig struct {
	// Name is the service unit name, e.g. "gateway-mwl".
	Name string `yaml:"name"`

	// Entry is the unit's entry point, relative to the release root,
	// e.g. "src/mwl_main.py".
	Entry string `yaml:"entry"`

	// Description is the human-readable summary installed into the
	// service manager.
	Description string `yaml:"description"`
}

// Default returns the built-in configuration: the imaging gateway's
// four units deployed under /opt/gateway.
func Default() *Config {
	return &Config{
		Root: "/opt/gateway",
		Source: SourceConfig{
			AssetSuffix: ".tar.gz",
		},
		Retention: 3,
		Stop: StopConfig{
			Timeout: "30s",
		},
		Health: HealthConfig{
			Attempts: 5,
			Interval: "2s",
		},
		Python: PythonConfig{
			UV: "uv",
		},
		Units: []UnitConfig{
			{
				Name:        "gateway-mwl",
				Entry:       "src/mwl_main.py",
				Description: "Modality worklist SCP",
			},
			{
				Name:        "gateway-pacs",
				Entry:       "src/pacs_main.py",
				Description: "DICOM storage SCP",
			},
			{
				Name:        "gateway-upload",
				Entry:       "src/upload_main.py",
				Description: "DICOM upload listener",
			},
			{
				Name:        "gateway-relay",
				Entry:       "src/relay_listener.py",
				Description: "Worklist relay listener",
			},
		},
	}
}

// LoadFile loads configuration from path on top of the defaults.
// Fields absent from the file keep their default values. Callers run
// Validate afterwards.
func LoadFile(path string) (*Config, error) {
	configuration := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, configuration); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	configuration.expandVariables()
	return configuration, nil
}

// Resolve picks the configuration source: an explicit path (must
// exist), the root's slipway.yaml (used when present), or the
// defaults. root may be empty when an explicit path is given.
func Resolve(explicitPath, root string) (*Config, error) {
	if explicitPath != "" {
		return LoadFile(explicitPath)
	}

	if root != "" {
		rootConfig := filepath.Join(root, FileName)
		if _, err := os.Stat(rootConfig); err == nil {
			return LoadFile(rootConfig)
		}
	}

	configuration := Default()
	configuration.expandVariables()
	return configuration, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} in the root path.
func (c *Config) expandVariables() {
	c.Root = expandVars(c.Root, map[string]string{
		"HOME": os.Getenv("HOME"),
	})
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Root == "" {
		errs = append(errs, fmt.Errorf("root is required"))
	}
	if c.Retention < 0 {
		errs = append(errs, fmt.Errorf("retention must be non-negative, got %d", c.Retention))
	}
	if c.Health.Attempts < 1 {
		errs = append(errs, fmt.Errorf("health.attempts must be at least 1, got %d", c.Health.Attempts))
	}
	if _, err := time.ParseDuration(c.Stop.Timeout); err != nil {
		errs = append(errs, fmt.Errorf("stop.timeout: %w", err))
	}
	if _, err := time.ParseDuration(c.Health.Interval); err != nil {
		errs = append(errs, fmt.Errorf("health.interval: %w", err))
	}
	if c.Python.UV == "" {
		errs = append(errs, fmt.Errorf("python.uv is required"))
	}
	if c.Source.AssetSuffix == "" {
		errs = append(errs, fmt.Errorf("source.asset_suffix is required"))
	}

	if len(c.Units) == 0 {
		errs = append(errs, fmt.Errorf("at least one unit is required"))
	}
	seen := make(map[string]bool, len(c.Units))
	for index, unit := range c.Units {
		switch {
		case unit.Name == "":
			errs = append(errs, fmt.Errorf("units[%d]: name is required", index))
		case strings.ContainsAny(unit.Name, "/ "):
			errs = append(errs, fmt.Errorf("units[%d]: name %q must not contain slashes or spaces", index, unit.Name))
		case seen[unit.Name]:
			errs = append(errs, fmt.Errorf("units[%d]: duplicate name %q", index, unit.Name))
		}
		seen[unit.Name] = true

		if unit.Entry == "" {
			errs = append(errs, fmt.Errorf("units[%d]: entry is required", index))
		} else if filepath.IsAbs(unit.Entry) {
			errs = append(errs, fmt.Errorf("units[%d]: entry %q must be relative to the release root", index, unit.Entry))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// StopTimeout returns the parsed stop timeout. Call Validate first;
// an unparseable value falls back to the default rather than
// panicking.
func (c *Config) StopTimeout() time.Duration {
	duration, err := time.ParseDuration(c.Stop.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return duration
}

// HealthInterval returns the parsed health poll interval. Call
// Validate first; an unparseable value falls back to the default.
func (c *Config) HealthInterval() time.Duration {
	duration, err := time.ParseDuration(c.Health.Interval)
	if err != nil {
		return 2 * time.Second
	}
	return duration
}
