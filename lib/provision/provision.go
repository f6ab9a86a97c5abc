// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

// Package provision builds the isolated runtime environment inside a
// staged release directory: a virtualenv installed strictly from the
// dependency lock (no resolution at deploy time), a bytecode warmup
// pass, and one launch wrapper per service unit.
//
// A partially provisioned release is never activated; any failure here
// is fatal for the attempt and the pointer is left untouched.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// venvDirName is the environment directory inside a release.
const venvDirName = ".venv"

// wrapperDirName holds the generated per-unit launch wrappers.
const wrapperDirName = "bin"

// Error reports a provisioning failure and which step raised it.
type Error struct {
	// Step is the provisioning phase: "tool check", "tool bootstrap",
	// "dependency install", "warmup", or "launch wrappers".
	Step string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provisioning failed during %s: %v", e.Step, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Unit describes one service unit to generate a launch wrapper for.
type Unit struct {
	// Name is the unit's logical name; the wrapper is written as
	// bin/<name>.
	Name string

	// Entry is the unit's entry point, relative to the release root,
	// e.g. "src/mwl_main.py".
	Entry string

	// Description is a one-line summary rendered into the wrapper
	// header.
	Description string
}

// runner executes an external command and returns its combined output.
// Swapped in tests.
type runner func(ctx context.Context, dir string, extraEnv []string, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, dir string, extraEnv []string, name string, args ...string) ([]byte, error) {
	command := exec.CommandContext(ctx, name, args...)
	command.Dir = dir
	command.Env = append(os.Environ(), extraEnv...)
	return command.CombinedOutput()
}

// Provisioner prepares release environments with uv.
type Provisioner struct {
	uv         string
	skipWarmup bool
	logger     *slog.Logger

	run      runner
	lookPath func(file string) (string, error)
}

// New creates a Provisioner. uv is the binary name or path of the uv
// tool; skipWarmup disables the bytecode warmup pass.
func New(uv string, skipWarmup bool, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{
		uv:         uv,
		skipWarmup: skipWarmup,
		logger:     logger,
		run:        execRunner,
		lookPath:   exec.LookPath,
	}
}

// EnsureTools resolves the uv binary. When uv is missing and bootstrap
// is true, it is installed for the current user via pip; without
// bootstrap, a missing uv is an error. On success the resolved path is
// used for all later commands.
func (p *Provisioner) EnsureTools(ctx context.Context, bootstrap bool) error {
	if resolved, err := p.lookPath(p.uv); err == nil {
		p.uv = resolved
		return nil
	}
	if !bootstrap {
		return &Error{
			Step: "tool check",
			Err:  fmt.Errorf("%s not found on PATH (rerun with --bootstrap to install it)", p.uv),
		}
	}

	p.logger.Info("bootstrapping uv via pip")
	output, err := p.run(ctx, "", nil, "python3", "-m", "pip", "install", "--user", "uv")
	if err != nil {
		return &Error{Step: "tool bootstrap", Err: commandError("python3 -m pip install --user uv", output, err)}
	}

	if resolved, err := p.lookPath(p.uv); err == nil {
		p.uv = resolved
		return nil
	}

	// pip --user installs outside PATH more often than not; fall back
	// to the conventional location.
	home, err := os.UserHomeDir()
	if err != nil {
		return &Error{Step: "tool bootstrap", Err: fmt.Errorf("locating user home: %w", err)}
	}
	candidate := filepath.Join(home, ".local", "bin", "uv")
	if _, err := os.Stat(candidate); err != nil {
		return &Error{
			Step: "tool bootstrap",
			Err:  fmt.Errorf("uv still not found after bootstrap (looked on PATH and at %s)", candidate),
		}
	}
	p.uv = candidate
	return nil
}

// Provision installs the release's locked dependencies into its own
// virtualenv, warms up the bytecode cache, and writes a launch wrapper
// for every unit.
func (p *Provisioner) Provision(ctx context.Context, releaseDir string, units []Unit) error {
	if err := p.installDependencies(ctx, releaseDir); err != nil {
		return err
	}
	if p.skipWarmup {
		p.logger.Info("skipping warmup pass")
	} else if err := p.warmup(ctx, releaseDir); err != nil {
		return err
	}
	return p.writeWrappers(releaseDir, units)
}

// installDependencies runs "uv sync --frozen": install exactly what
// the lock file pins, failing instead of re-resolving.
func (p *Provisioner) installDependencies(ctx context.Context, releaseDir string) error {
	p.logger.Info("installing locked dependencies", "release", releaseDir)
	extraEnv := []string{"UV_PROJECT_ENVIRONMENT=" + filepath.Join(releaseDir, venvDirName)}
	output, err := p.run(ctx, releaseDir, extraEnv, p.uv, "sync", "--frozen")
	if err != nil {
		return &Error{Step: "dependency install", Err: commandError(p.uv+" sync --frozen", output, err)}
	}
	return nil
}

// warmup byte-compiles the application sources so the first real
// request after cutover does not pay the compilation cost.
func (p *Provisioner) warmup(ctx context.Context, releaseDir string) error {
	p.logger.Info("warming up release", "release", releaseDir)
	python := filepath.Join(releaseDir, venvDirName, "bin", "python")
	output, err := p.run(ctx, releaseDir, nil, python, "-m", "compileall", "-q", "src")
	if err != nil {
		return &Error{Step: "warmup", Err: commandError("python -m compileall -q src", output, err)}
	}
	return nil
}

// writeWrappers renders bin/<name> for each unit.
func (p *Provisioner) writeWrappers(releaseDir string, units []Unit) error {
	binDir := filepath.Join(releaseDir, wrapperDirName)
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return &Error{Step: "launch wrappers", Err: err}
	}

	for _, unit := range units {
		if unit.Name == "" || unit.Entry == "" {
			return &Error{Step: "launch wrappers", Err: fmt.Errorf("unit %+v has no name or entry point", unit)}
		}
		path := filepath.Join(binDir, unit.Name)
		if err := os.WriteFile(path, []byte(WrapperScript(unit)), 0o755); err != nil {
			return &Error{Step: "launch wrappers", Err: err}
		}
		p.logger.Info("wrote launch wrapper", "unit", unit.Name, "path", path)
	}
	return nil
}

// WrapperScript renders the launch wrapper for a unit. The wrapper
// resolves its release root from its own location, so invoking it
// through the current-pointer path runs whatever release the pointer
// targets, with that release's own environment.
func WrapperScript(unit Unit) string {
	var script strings.Builder
	script.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&script, "# %s: %s\n", unit.Name, unit.Description)
	script.WriteString("# Generated by slipway on deployment; edits are overwritten.\n")
	script.WriteString("set -eu\n")
	script.WriteString("cd \"$(dirname \"$0\")/..\"\n")
	script.WriteString("export PYTHONPATH=\"$PWD/src\"\n")
	fmt.Fprintf(&script, "exec \"$PWD/%s/bin/python\" %q\n", venvDirName, unit.Entry)
	return script.String()
}

// WrapperPath returns the launch wrapper location for a unit under a
// release root (or under the current-pointer path).
func WrapperPath(releaseRoot, unitName string) string {
	return filepath.Join(releaseRoot, wrapperDirName, unitName)
}

// HasWrapper reports whether a release carries the launch wrapper for
// a unit. Used to validate rollback targets.
func HasWrapper(releaseRoot, unitName string) bool {
	info, err := os.Stat(WrapperPath(releaseRoot, unitName))
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

// commandError folds a failed command's output into its error.
func commandError(command string, output []byte, err error) error {
	trimmed := strings.TrimSpace(string(output))
	const limit = 2048
	if len(trimmed) > limit {
		trimmed = "..." + trimmed[len(trimmed)-limit:]
	}
	if trimmed == "" {
		return fmt.Errorf("running %s: %w", command, err)
	}
	return fmt.Errorf("running %s: %w; output: %s", command, err, trimmed)
}
