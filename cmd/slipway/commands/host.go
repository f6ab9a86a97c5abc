// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"github.com/slipway-sh/slipway/lib/clock"
	"github.com/slipway-sh/slipway/lib/config"
	"github.com/slipway-sh/slipway/lib/cutover"
	"github.com/slipway-sh/slipway/lib/health"
	"github.com/slipway-sh/slipway/lib/lockfile"
	"github.com/slipway-sh/slipway/lib/oplog"
	"github.com/slipway-sh/slipway/lib/provision"
	"github.com/slipway-sh/slipway/lib/release"
	"github.com/slipway-sh/slipway/lib/unit"
)

const (
	// lockFileName is the advisory lock under <root>/state that
	// serializes operations against one install root.
	lockFileName = "deploy.lock"

	// envFileName is the optional operator-managed environment file
	// under <root>/data, rendered into every unit definition. It
	// carries gateway service settings (ports, storage paths), not
	// slipway's own configuration.
	envFileName = "gateway.env"
)

// attemptFlags are the flags shared by deploy and rollback: they
// select the install root and override config values for one attempt.
// Values override the config file only when the flag was set
// explicitly, so file values survive unrelated invocations.
type attemptFlags struct {
	root           string
	configPath     string
	retain         int
	stopTimeout    time.Duration
	healthAttempts int
	healthInterval time.Duration
}

func (f *attemptFlags) register(flagSet *pflag.FlagSet) {
	defaults := config.Default()
	flagSet.StringVar(&f.root, "root", "", "install root (default "+defaults.Root+", or root from config)")
	flagSet.StringVar(&f.configPath, "config", "", "config file (default <root>/"+config.FileName+" when present)")
	flagSet.IntVar(&f.retain, "retain", defaults.Retention, "releases the janitor keeps beyond the active and previous ones")
	flagSet.DurationVar(&f.stopTimeout, "stop-timeout", defaults.StopTimeout(), "per-unit stop wait during cutover")
	flagSet.IntVar(&f.healthAttempts, "health-attempts", defaults.Health.Attempts, "status polls per unit after start")
	flagSet.DurationVar(&f.healthInterval, "health-interval", defaults.HealthInterval(), "wait between health polls")
}

// resolveConfig loads the configuration for this invocation and
// applies explicit flag overrides. flagSet must be the parsed
// instance.
func (f *attemptFlags) resolveConfig(flagSet *pflag.FlagSet) (*config.Config, error) {
	probeRoot := f.root
	if probeRoot == "" {
		probeRoot = config.Default().Root
	}
	configuration, err := config.Resolve(f.configPath, probeRoot)
	if err != nil {
		return nil, err
	}

	if f.root != "" {
		configuration.Root = f.root
	}
	if flagSet.Changed("retain") {
		configuration.Retention = f.retain
	}
	if flagSet.Changed("stop-timeout") {
		configuration.Stop.Timeout = f.stopTimeout.String()
	}
	if flagSet.Changed("health-attempts") {
		configuration.Health.Attempts = f.healthAttempts
	}
	if flagSet.Changed("health-interval") {
		configuration.Health.Interval = f.healthInterval.String()
	}

	if err := configuration.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return configuration, nil
}

// host is the assembled deployment stack for one install root: store,
// lock, operation log, registry, controller, pipeline.
type host struct {
	config     *config.Config
	store      *release.Store
	registry   *unit.Systemd
	units      []provision.Unit
	lock       *lockfile.Lock
	log        *oplog.Log
	controller *cutover.Controller
	pipeline   *cutover.Pipeline
}

// openHost wires the deployment stack and takes the install-root
// lock. Callers must Close the returned host.
func openHost(configuration *config.Config, operation string, logger *slog.Logger) (*host, error) {
	clk := clock.Real()
	store := release.NewStore(configuration.Root, clk)
	if err := store.EnsureLayout(); err != nil {
		return nil, fmt.Errorf("preparing install root %s: %w", configuration.Root, err)
	}

	lock, err := lockfile.Acquire(filepath.Join(store.StateDir(), lockFileName))
	if err != nil {
		if errors.Is(err, lockfile.ErrHeld) {
			return nil, fmt.Errorf("another slipway operation is already running against %s", configuration.Root)
		}
		return nil, err
	}

	log, err := oplog.Open(store.LogsDir(), operation, clk, logger)
	if err != nil {
		lock.Release()
		return nil, err
	}

	registry := unit.NewSystemd(unit.SystemdConfig{
		EnvFile: filepath.Join(store.DataDir(), envFileName),
		Clock:   clk,
		Logger:  log.Slog(),
	})

	units := make([]provision.Unit, len(configuration.Units))
	for i, u := range configuration.Units {
		units[i] = provision.Unit{
			Name:        u.Name,
			Entry:       u.Entry,
			Description: u.Description,
		}
	}

	monitor := health.NewMonitor(health.Config{
		Registry: registry,
		Attempts: configuration.Health.Attempts,
		Interval: configuration.HealthInterval(),
		Clock:    clk,
		Logger:   log.Slog(),
	})

	controller, err := cutover.NewController(cutover.Config{
		Store:       store,
		Registry:    registry,
		Monitor:     monitor,
		Units:       units,
		StopTimeout: configuration.StopTimeout(),
		Retention:   configuration.Retention,
		Log:         log,
		Clock:       clk,
	})
	if err != nil {
		log.Close()
		lock.Release()
		return nil, err
	}

	provisioner := provision.New(configuration.Python.UV, configuration.Python.SkipWarmup, log.Slog())

	pipeline, err := cutover.NewPipeline(cutover.PipelineConfig{
		Store:       store,
		Controller:  controller,
		Environment: provisioner,
		Units:       units,
		Log:         log,
		Clock:       clk,
	})
	if err != nil {
		log.Close()
		lock.Release()
		return nil, err
	}

	return &host{
		config:     configuration,
		store:      store,
		registry:   registry,
		units:      units,
		lock:       lock,
		log:        log,
		controller: controller,
		pipeline:   pipeline,
	}, nil
}

// Close releases the operation log and the install-root lock.
func (h *host) Close() error {
	var errs []error
	if err := h.log.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := h.lock.Release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
