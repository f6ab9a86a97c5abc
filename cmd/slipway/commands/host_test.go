// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/slipway-sh/slipway/lib/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// parseAttemptFlags registers the attempt flags on a fresh flag set
// and parses args, mirroring what Command.Execute does before Run.
func parseAttemptFlags(t *testing.T, args []string) (*attemptFlags, *pflag.FlagSet) {
	t.Helper()
	flags := &attemptFlags{}
	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.register(flagSet)
	if err := flagSet.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	return flags, flagSet
}

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func TestResolveConfigDefaults(t *testing.T) {
	root := t.TempDir()
	flags, flagSet := parseAttemptFlags(t, []string{"--root", root})

	configuration, err := flags.resolveConfig(flagSet)
	if err != nil {
		t.Fatalf("resolveConfig: %v", err)
	}
	if configuration.Root != root {
		t.Errorf("Root = %q, want %q", configuration.Root, root)
	}
	if got, want := configuration.Retention, 3; got != want {
		t.Errorf("Retention = %d, want %d", got, want)
	}
	if got, want := configuration.StopTimeout(), 30*time.Second; got != want {
		t.Errorf("StopTimeout = %v, want %v", got, want)
	}
	if got, want := len(configuration.Units), 4; got != want {
		t.Errorf("len(Units) = %d, want %d", got, want)
	}
}

func TestResolveConfigFlagOverrides(t *testing.T) {
	root := t.TempDir()
	flags, flagSet := parseAttemptFlags(t, []string{
		"--root", root,
		"--retain", "5",
		"--stop-timeout", "45s",
		"--health-attempts", "9",
		"--health-interval", "3s",
	})

	configuration, err := flags.resolveConfig(flagSet)
	if err != nil {
		t.Fatalf("resolveConfig: %v", err)
	}
	if got, want := configuration.Retention, 5; got != want {
		t.Errorf("Retention = %d, want %d", got, want)
	}
	if got, want := configuration.StopTimeout(), 45*time.Second; got != want {
		t.Errorf("StopTimeout = %v, want %v", got, want)
	}
	if got, want := configuration.Health.Attempts, 9; got != want {
		t.Errorf("Health.Attempts = %d, want %d", got, want)
	}
	if got, want := configuration.HealthInterval(), 3*time.Second; got != want {
		t.Errorf("HealthInterval = %v, want %v", got, want)
	}
}

func TestResolveConfigFileValuesSurviveUnsetFlags(t *testing.T) {
	root := t.TempDir()
	writeConfigFile(t, filepath.Join(root, config.FileName), "retention: 7\nstop:\n  timeout: \"10s\"\n")

	// --retain is set explicitly and wins; stop.timeout keeps the file
	// value because its flag was left at the default.
	flags, flagSet := parseAttemptFlags(t, []string{"--root", root, "--retain", "2"})

	configuration, err := flags.resolveConfig(flagSet)
	if err != nil {
		t.Fatalf("resolveConfig: %v", err)
	}
	if got, want := configuration.Retention, 2; got != want {
		t.Errorf("Retention = %d, want %d", got, want)
	}
	if got, want := configuration.StopTimeout(), 10*time.Second; got != want {
		t.Errorf("StopTimeout = %v, want %v", got, want)
	}
}

func TestResolveConfigExplicitPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	writeConfigFile(t, path, "root: "+dir+"\nretention: 1\n")

	flags, flagSet := parseAttemptFlags(t, []string{"--config", path})

	configuration, err := flags.resolveConfig(flagSet)
	if err != nil {
		t.Fatalf("resolveConfig: %v", err)
	}
	if configuration.Root != dir {
		t.Errorf("Root = %q, want %q", configuration.Root, dir)
	}
	if got, want := configuration.Retention, 1; got != want {
		t.Errorf("Retention = %d, want %d", got, want)
	}
}

func TestResolveConfigMissingExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")
	flags, flagSet := parseAttemptFlags(t, []string{"--config", path})
	if _, err := flags.resolveConfig(flagSet); err == nil {
		t.Fatal("resolveConfig succeeded with a missing --config file")
	}
}

func TestResolveConfigRejectsInvalidFile(t *testing.T) {
	root := t.TempDir()
	writeConfigFile(t, filepath.Join(root, config.FileName), "retention: -1\n")

	flags, flagSet := parseAttemptFlags(t, []string{"--root", root})
	_, err := flags.resolveConfig(flagSet)
	if err == nil {
		t.Fatal("resolveConfig accepted a negative retention")
	}
	if !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("error = %q, want mention of invalid configuration", err)
	}
}

func TestOpenHostSerializesOperations(t *testing.T) {
	configuration := config.Default()
	configuration.Root = t.TempDir()
	logger := testLogger()

	h, err := openHost(configuration, "deploy", logger)
	if err != nil {
		t.Fatalf("openHost: %v", err)
	}

	_, err = openHost(configuration, "deploy", logger)
	if err == nil {
		t.Fatal("second openHost succeeded while the lock is held")
	}
	if !strings.Contains(err.Error(), "already running") {
		t.Errorf("error = %q, want mention of a running operation", err)
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := openHost(configuration, "deploy", logger)
	if err != nil {
		t.Fatalf("openHost after Close: %v", err)
	}
	if err := reopened.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
