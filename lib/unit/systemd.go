// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

package unit

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/slipway-sh/slipway/lib/clock"
	"github.com/slipway-sh/slipway/lib/poll"
)

const (
	defaultUnitDir        = "/etc/systemd/system"
	defaultPollInterval   = time.Second
	defaultSettleAttempts = 10

	// loadStateNotFound is systemd's LoadState for units it does not
	// know about.
	loadStateNotFound = "not-found"
)

// SystemdConfig configures the systemd-backed Registry.
type SystemdConfig struct {
	// UnitDir is where unit files are written. Defaults to
	// /etc/systemd/system.
	UnitDir string

	// EnvFile, when set, is rendered into each unit as an optional
	// EnvironmentFile so operators can inject settings without
	// touching releases.
	EnvFile string

	// Clock provides time operations for the settle and stop polls.
	// Defaults to clock.Real().
	Clock clock.Clock

	// Logger is used for structured logging. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// PollInterval is the fixed delay between status polls. Defaults
	// to one second.
	PollInterval time.Duration

	// SettleAttempts bounds the wait for a deregistration to settle.
	// Defaults to 10 attempts.
	SettleAttempts int
}

// Systemd is the Registry implementation for systemd hosts.
type Systemd struct {
	unitDir        string
	envFile        string
	clock          clock.Clock
	logger         *slog.Logger
	pollInterval   time.Duration
	settleAttempts int

	// runSystemctl is swapped in tests.
	runSystemctl func(ctx context.Context, args ...string) ([]byte, error)
}

// NewSystemd creates a systemd Registry from the given configuration.
func NewSystemd(config SystemdConfig) *Systemd {
	systemd := &Systemd{
		unitDir:        config.UnitDir,
		envFile:        config.EnvFile,
		clock:          config.Clock,
		logger:         config.Logger,
		pollInterval:   config.PollInterval,
		settleAttempts: config.SettleAttempts,
	}
	if systemd.unitDir == "" {
		systemd.unitDir = defaultUnitDir
	}
	if systemd.clock == nil {
		systemd.clock = clock.Real()
	}
	if systemd.logger == nil {
		systemd.logger = slog.Default()
	}
	if systemd.pollInterval <= 0 {
		systemd.pollInterval = defaultPollInterval
	}
	if systemd.settleAttempts <= 0 {
		systemd.settleAttempts = defaultSettleAttempts
	}
	systemd.runSystemctl = func(ctx context.Context, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, "systemctl", args...).CombinedOutput()
	}
	return systemd
}

// UnitPath returns the unit file location for a name.
func (s *Systemd) UnitPath(name string) string {
	return filepath.Join(s.unitDir, name+".service")
}

// UnitFile renders the unit file for a definition.
func (s *Systemd) UnitFile(definition Definition) string {
	var file strings.Builder
	file.WriteString("[Unit]\n")
	fmt.Fprintf(&file, "Description=%s\n", definition.Description)
	file.WriteString("After=network.target\n")
	file.WriteString("\n[Service]\n")
	file.WriteString("Type=simple\n")
	fmt.Fprintf(&file, "ExecStart=%s\n", definition.Command)
	fmt.Fprintf(&file, "WorkingDirectory=%s\n", definition.WorkingDir)
	if s.envFile != "" {
		fmt.Fprintf(&file, "EnvironmentFile=-%s\n", s.envFile)
	}
	file.WriteString("Restart=on-failure\n")
	file.WriteString("RestartSec=5\n")
	file.WriteString("\n[Install]\n")
	file.WriteString("WantedBy=multi-user.target\n")
	return file.String()
}

// Register writes the unit file, reloads systemd, and enables the
// unit. It does not start the unit.
func (s *Systemd) Register(ctx context.Context, definition Definition) error {
	if definition.Name == "" {
		return fmt.Errorf("registering unit: name must not be empty")
	}

	path := s.UnitPath(definition.Name)
	if err := os.WriteFile(path, []byte(s.UnitFile(definition)), 0o644); err != nil {
		return &ControlError{
			Unit:    definition.Name,
			Command: "write " + path,
			Err:     err,
		}
	}
	s.logger.Info("wrote unit file", "unit", definition.Name, "path", path)

	if err := s.systemctl(ctx, definition.Name, "daemon-reload"); err != nil {
		return err
	}
	return s.systemctl(ctx, definition.Name, "enable", definition.Name)
}

// Deregister disables and removes a unit, then waits for systemd to
// forget it so an immediate re-registration is not rejected by the
// in-flight removal.
func (s *Systemd) Deregister(ctx context.Context, name string) error {
	state, err := s.loadState(ctx, name)
	if err != nil {
		return err
	}
	if state == loadStateNotFound {
		return nil
	}

	if err := s.systemctl(ctx, name, "disable", name); err != nil {
		return err
	}
	if err := os.Remove(s.UnitPath(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &ControlError{Unit: name, Command: "remove " + s.UnitPath(name), Err: err}
	}
	if err := s.systemctl(ctx, name, "daemon-reload"); err != nil {
		return err
	}
	// Clear any failure-throttle state; "has no failed state" is a
	// legitimate answer, not an error worth failing the attempt over.
	if err := s.systemctl(ctx, name, "reset-failed", name); err != nil {
		s.logger.Debug("reset-failed declined", "unit", name, "error", err)
	}

	err = poll.Until(ctx, s.clock, s.settleAttempts, s.pollInterval, func(ctx context.Context) (bool, error) {
		state, err := s.loadState(ctx, name)
		if err != nil {
			return false, err
		}
		return state == loadStateNotFound, nil
	})
	if err != nil {
		return &ControlError{
			Unit:    name,
			Command: "systemctl show " + name,
			Err:     fmt.Errorf("deregistration did not settle: %w", err),
		}
	}
	s.logger.Info("unit deregistered", "unit", name)
	return nil
}

// Start launches a unit.
func (s *Systemd) Start(ctx context.Context, name string) error {
	return s.systemctl(ctx, name, "start", name)
}

// Stop halts a unit and polls until it reports stopped, bounded by
// timeout. A unit systemd does not know is already as stopped as it
// can get.
func (s *Systemd) Stop(ctx context.Context, name string, timeout time.Duration) error {
	state, err := s.loadState(ctx, name)
	if err != nil {
		return err
	}
	if state == loadStateNotFound {
		return nil
	}

	if err := s.systemctl(ctx, name, "stop", name); err != nil {
		return err
	}

	attempts := int(timeout/s.pollInterval) + 1
	err = poll.Until(ctx, s.clock, attempts, s.pollInterval, func(ctx context.Context) (bool, error) {
		status, err := s.Status(ctx, name)
		if err != nil {
			return false, err
		}
		return status == StatusStopped || status == StatusUnknown, nil
	})
	if err != nil {
		return &ControlError{
			Unit:    name,
			Command: "systemctl stop " + name,
			Err:     fmt.Errorf("unit did not stop within %s: %w", timeout, err),
		}
	}
	return nil
}

// Status maps systemd's states onto the Registry's three. Only
// "active" counts as running; transitional states report unknown so
// pollers keep watching.
func (s *Systemd) Status(ctx context.Context, name string) (Status, error) {
	loadState, activeState, err := s.showStates(ctx, name)
	if err != nil {
		return StatusUnknown, err
	}
	if loadState == loadStateNotFound {
		return StatusUnknown, nil
	}
	switch activeState {
	case "active":
		return StatusRunning, nil
	case "inactive", "failed":
		return StatusStopped, nil
	default:
		return StatusUnknown, nil
	}
}

// Installed returns the names of unit files in the unit directory
// matching the shell pattern, sorted. It sees only units this registry
// installed or could have installed, not every unit systemd knows.
func (s *Systemd) Installed(pattern string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.unitDir, pattern+".service"))
	if err != nil {
		return nil, fmt.Errorf("matching unit pattern %q: %w", pattern, err)
	}
	names := make([]string, 0, len(matches))
	for _, match := range matches {
		names = append(names, strings.TrimSuffix(filepath.Base(match), ".service"))
	}
	sort.Strings(names)
	return names, nil
}

// systemctl runs one systemctl command for a unit, converting a
// failure into a ControlError.
func (s *Systemd) systemctl(ctx context.Context, unitName string, args ...string) error {
	output, err := s.runSystemctl(ctx, args...)
	if err != nil {
		return newControlError(unitName, append([]string{"systemctl"}, args...), output, err)
	}
	return nil
}

func (s *Systemd) loadState(ctx context.Context, name string) (string, error) {
	loadState, _, err := s.showStates(ctx, name)
	return loadState, err
}

// showStates queries LoadState and ActiveState in one call.
// "systemctl show" exits zero even for unknown units, reporting
// LoadState=not-found.
func (s *Systemd) showStates(ctx context.Context, name string) (loadState, activeState string, err error) {
	args := []string{"show", name, "-p", "LoadState", "-p", "ActiveState", "--value"}
	output, err := s.runSystemctl(ctx, args...)
	if err != nil {
		return "", "", newControlError(name, append([]string{"systemctl"}, args...), output, err)
	}
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	if len(lines) < 2 {
		return "", "", &ControlError{
			Unit:    name,
			Command: "systemctl " + strings.Join(args, " "),
			Output:  strings.TrimSpace(string(output)),
			Err:     fmt.Errorf("unexpected systemctl show output"),
		}
	}
	return strings.TrimSpace(lines[0]), strings.TrimSpace(lines[1]), nil
}
