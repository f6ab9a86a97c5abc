// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

package cutover

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/slipway-sh/slipway/lib/clock"
	"github.com/slipway-sh/slipway/lib/health"
	"github.com/slipway-sh/slipway/lib/journal"
	"github.com/slipway-sh/slipway/lib/oplog"
	"github.com/slipway-sh/slipway/lib/provision"
	"github.com/slipway-sh/slipway/lib/release"
	"github.com/slipway-sh/slipway/lib/unit"
)

func testUnits() []provision.Unit {
	return []provision.Unit{
		{Name: "gateway-mwl", Entry: "src/mwl_main.py", Description: "Modality worklist SCP"},
		{Name: "gateway-pacs", Entry: "src/pacs_main.py", Description: "DICOM storage SCP"},
	}
}

type fixture struct {
	root       string
	store      *release.Store
	registry   *unit.Fake
	clock      *clock.FakeClock
	log        *oplog.Log
	controller *Controller
	units      []provision.Unit
}

func newFixture(t *testing.T, configure func(*Config)) *fixture {
	t.Helper()

	root := t.TempDir()
	fakeClock := clock.Fake(time.Date(2026, 2, 3, 10, 30, 0, 0, time.UTC))
	store := release.NewStore(root, fakeClock)
	if err := store.EnsureLayout(); err != nil {
		t.Fatal(err)
	}
	registry := unit.NewFake()

	log, err := oplog.Open(store.LogsDir(), OperationDeploy, fakeClock, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { log.Close() })

	attemptCounter := 0
	config := Config{
		Store:    store,
		Registry: registry,
		Monitor: health.NewMonitor(health.Config{
			Registry: registry,
			Attempts: 1,
			Interval: time.Second,
			Clock:    fakeClock,
			Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		}),
		Units:       testUnits(),
		StopTimeout: 5 * time.Second,
		Retention:   3,
		Log:         log,
		Clock:       fakeClock,
		NewAttemptID: func() string {
			attemptCounter++
			return fmt.Sprintf("attempt-%d", attemptCounter)
		},
	}
	if configure != nil {
		configure(&config)
	}
	controller, err := NewController(config)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		root:       root,
		store:      store,
		registry:   registry,
		clock:      fakeClock,
		log:        log,
		controller: controller,
		units:      config.Units,
	}
}

// makeRelease creates a provisioned-looking release directory, aged so
// the store lists older releases after newer ones.
func (f *fixture) makeRelease(t *testing.T, version string, age time.Duration) {
	t.Helper()
	dir := f.store.ReleaseDir(version)
	if err := os.MkdirAll(filepath.Join(dir, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"pyproject.toml", "uv.lock"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("# "+version+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	for _, u := range f.units {
		wrapper := provision.WrapperPath(dir, u.Name)
		if err := os.WriteFile(wrapper, []byte(provision.WrapperScript(u)), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	mtime := f.clock.Now().Add(-age)
	if err := os.Chtimes(dir, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

// activate simulates a committed prior deployment of version: pointer
// switched, units registered against the pointer and running. The
// fake's operation log is reset afterwards.
func (f *fixture) activate(t *testing.T, version string) {
	t.Helper()
	ctx := context.Background()
	if err := f.store.SwitchTo(version); err != nil {
		t.Fatal(err)
	}
	for _, u := range f.units {
		if err := f.registry.Register(ctx, f.controller.definition(u)); err != nil {
			t.Fatal(err)
		}
		if err := f.registry.Start(ctx, u.Name); err != nil {
			t.Fatal(err)
		}
	}
	f.registry.Ops = nil
}

func (f *fixture) journalExists(t *testing.T) bool {
	t.Helper()
	_, found, err := journal.Check(f.controller.journalPath())
	if err != nil {
		t.Fatal(err)
	}
	return found
}

func (f *fixture) logContents(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(f.log.Path())
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestRunFirstDeployCommits(t *testing.T) {
	f := newFixture(t, nil)
	f.makeRelease(t, "v1", 0)

	attempt, err := f.controller.Run(context.Background(), OperationDeploy, "v1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if attempt.Outcome != OutcomeCommitted || attempt.State != StateCommitted {
		t.Errorf("outcome = %s in state %s, want COMMITTED", attempt.Outcome, attempt.State)
	}
	if attempt.Previous != "" {
		t.Errorf("Previous = %q, want empty on first deploy", attempt.Previous)
	}
	if got, want := attempt.Started, []string{"gateway-mwl", "gateway-pacs"}; !equalStrings(got, want) {
		t.Errorf("Started = %v, want %v", got, want)
	}

	if current, _ := f.store.Current(); current != "v1" {
		t.Errorf("current release = %q, want v1", current)
	}
	if got := f.registry.Running(); !equalStrings(got, []string{"gateway-mwl", "gateway-pacs"}) {
		t.Errorf("running units = %v", got)
	}

	definition, ok := f.registry.RegisteredDefinition("gateway-mwl")
	if !ok {
		t.Fatal("gateway-mwl not registered")
	}
	wantCommand := filepath.Join(f.root, "current", "bin", "gateway-mwl")
	if definition.Command != wantCommand {
		t.Errorf("registered command = %q, want pointer path %q", definition.Command, wantCommand)
	}
	if definition.WorkingDir != filepath.Join(f.root, "current") {
		t.Errorf("working dir = %q, want pointer path", definition.WorkingDir)
	}

	wantOps := []string{
		"stop gateway-mwl",
		"stop gateway-pacs",
		"deregister gateway-mwl",
		"register gateway-mwl",
		"start gateway-mwl",
		"deregister gateway-pacs",
		"register gateway-pacs",
		"start gateway-pacs",
	}
	if !equalStrings(f.registry.Ops, wantOps) {
		t.Errorf("registry ops = %v, want %v", f.registry.Ops, wantOps)
	}

	if f.journalExists(t) {
		t.Error("journal should be cleared after commit")
	}
	log := f.logContents(t)
	for _, want := range []string{
		"[INFO] registered and started gateway-mwl",
		"[SUCCESS] deploy of v1 committed",
	} {
		if !strings.Contains(log, want) {
			t.Errorf("operation log missing %q:\n%s", want, log)
		}
	}
}

func TestRunUpgradeCommits(t *testing.T) {
	f := newFixture(t, nil)
	f.makeRelease(t, "v1", time.Hour)
	f.makeRelease(t, "v2", 0)
	f.activate(t, "v1")

	attempt, err := f.controller.Run(context.Background(), OperationDeploy, "v2")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if attempt.Outcome != OutcomeCommitted {
		t.Fatalf("outcome = %s, want COMMITTED", attempt.Outcome)
	}
	if attempt.Previous != "v1" {
		t.Errorf("Previous = %q, want v1", attempt.Previous)
	}
	if current, _ := f.store.Current(); current != "v2" {
		t.Errorf("current release = %q, want v2", current)
	}
	if got := f.registry.Ops[0]; got != "stop gateway-mwl" {
		t.Errorf("first op = %q, want units stopped before the switch", got)
	}
	if got := f.registry.Running(); !equalStrings(got, []string{"gateway-mwl", "gateway-pacs"}) {
		t.Errorf("running units = %v", got)
	}
}

func TestRunAlreadyActiveIsNoOp(t *testing.T) {
	f := newFixture(t, nil)
	f.makeRelease(t, "v1", 0)
	f.activate(t, "v1")

	attempt, err := f.controller.Run(context.Background(), OperationDeploy, "v1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if attempt.Outcome != OutcomeCommitted {
		t.Errorf("outcome = %s, want COMMITTED", attempt.Outcome)
	}
	if len(f.registry.Ops) != 0 {
		t.Errorf("services were touched: %v", f.registry.Ops)
	}
	if current, _ := f.store.Current(); current != "v1" {
		t.Errorf("current release = %q, want v1", current)
	}
	if !strings.Contains(f.logContents(t), "already active") {
		t.Error("operation log should note the no-op")
	}
}

func TestRunStopFailureAborts(t *testing.T) {
	f := newFixture(t, nil)
	f.makeRelease(t, "v1", time.Hour)
	f.makeRelease(t, "v2", 0)
	f.activate(t, "v1")
	f.registry.StopErrors["gateway-pacs"] = errors.New("stop timed out")

	attempt, err := f.controller.Run(context.Background(), OperationDeploy, "v2")
	if err == nil {
		t.Fatal("Run should fail")
	}
	if attempt.Outcome != OutcomeAborted {
		t.Errorf("outcome = %s, want ABORTED", attempt.Outcome)
	}
	if attempt.State != StateStopping {
		t.Errorf("state = %s, want STOPPING", attempt.State)
	}
	var controlErr *unit.ControlError
	if !errors.As(err, &controlErr) {
		t.Errorf("error = %v, want *unit.ControlError in chain", err)
	}
	if current, _ := f.store.Current(); current != "v1" {
		t.Errorf("current release = %q, want v1 untouched", current)
	}
	if len(attempt.Started) != 0 {
		t.Errorf("Started = %v, want none", attempt.Started)
	}
	if f.journalExists(t) {
		t.Error("no journal should exist for an attempt that never reached the switch")
	}
}

func TestRunStartFailureRollsBack(t *testing.T) {
	f := newFixture(t, func(config *Config) {
		config.Units = append(testUnits(), provision.Unit{
			Name: "gateway-upload", Entry: "src/upload_main.py", Description: "DICOM upload listener",
		})
	})
	f.makeRelease(t, "v1", time.Hour)
	f.makeRelease(t, "v2", 0)
	f.activate(t, "v1")
	f.registry.StartErrorsOnce["gateway-pacs"] = errors.New("exit status 1")

	attempt, err := f.controller.Run(context.Background(), OperationDeploy, "v2")
	if err == nil {
		t.Fatal("Run should fail")
	}
	if attempt.Outcome != OutcomeRolledBack || attempt.State != StateRolledBack {
		t.Fatalf("outcome = %s in state %s, want ROLLED_BACK", attempt.Outcome, attempt.State)
	}
	if !strings.Contains(err.Error(), "rolled back to v1") {
		t.Errorf("error = %v, want rollback note", err)
	}
	if got, want := attempt.Started, []string{"gateway-mwl"}; !equalStrings(got, want) {
		t.Errorf("Started = %v, want %v (break on first failure)", got, want)
	}

	// Forward pass stops at gateway-pacs without ever touching
	// gateway-upload; the rollback then restores all three.
	wantOps := []string{
		"stop gateway-mwl",
		"stop gateway-pacs",
		"stop gateway-upload",
		"deregister gateway-mwl",
		"register gateway-mwl",
		"start gateway-mwl",
		"deregister gateway-pacs",
		"register gateway-pacs",
		"start gateway-pacs",
		"stop gateway-mwl",
		"deregister gateway-mwl",
		"register gateway-mwl",
		"start gateway-mwl",
		"deregister gateway-pacs",
		"register gateway-pacs",
		"start gateway-pacs",
		"deregister gateway-upload",
		"register gateway-upload",
		"start gateway-upload",
	}
	if !equalStrings(f.registry.Ops, wantOps) {
		t.Errorf("registry ops = %v, want %v", f.registry.Ops, wantOps)
	}

	if current, _ := f.store.Current(); current != "v1" {
		t.Errorf("current release = %q, want v1 restored", current)
	}
	if got := f.registry.Running(); len(got) != 3 {
		t.Errorf("running units = %v, want all three restored", got)
	}
	if f.journalExists(t) {
		t.Error("journal should be cleared after rollback")
	}
}

func TestRunHealthFailureRollsBack(t *testing.T) {
	f := newFixture(t, nil)
	f.makeRelease(t, "v1", time.Hour)
	f.makeRelease(t, "v2", 0)
	f.activate(t, "v1")
	f.registry.NeverHealthy["gateway-pacs"] = true

	attempt, err := f.controller.Run(context.Background(), OperationDeploy, "v2")
	if err == nil {
		t.Fatal("Run should fail")
	}
	if attempt.Outcome != OutcomeRolledBack {
		t.Fatalf("outcome = %s, want ROLLED_BACK", attempt.Outcome)
	}
	var healthErr *health.Error
	if !errors.As(err, &healthErr) {
		t.Errorf("error = %v, want *health.Error in chain", err)
	}
	if current, _ := f.store.Current(); current != "v1" {
		t.Errorf("current release = %q, want v1 restored", current)
	}
	// Both units were started again on the restored release; rollback
	// does not re-verify health.
	if got := f.registry.Running(); !equalStrings(got, []string{"gateway-mwl", "gateway-pacs"}) {
		t.Errorf("running units = %v", got)
	}
	log := f.logContents(t)
	if !strings.Contains(log, "[WARNING] rolled back to v1") {
		t.Errorf("operation log missing rollback warning:\n%s", log)
	}
}

func TestRunFirstDeployFailureHasNoRollback(t *testing.T) {
	f := newFixture(t, nil)
	f.makeRelease(t, "v1", 0)
	f.registry.NeverHealthy["gateway-mwl"] = true

	attempt, err := f.controller.Run(context.Background(), OperationDeploy, "v1")
	if err == nil {
		t.Fatal("Run should fail")
	}
	if attempt.Outcome != OutcomeFailedNoRollback || attempt.State != StateFailedNoRollback {
		t.Fatalf("outcome = %s in state %s, want FAILED_NO_ROLLBACK", attempt.Outcome, attempt.State)
	}
	if !strings.Contains(err.Error(), "no previous release") {
		t.Errorf("error = %v, want no-previous-release note", err)
	}
	var rollbackErr *RollbackError
	if errors.As(err, &rollbackErr) {
		t.Errorf("a first-deploy failure is not a rollback failure: %v", err)
	}

	if current, _ := f.store.Current(); current != "" {
		t.Errorf("current release = %q, want pointer absent", current)
	}
	if got := f.registry.Running(); len(got) != 0 {
		t.Errorf("running units = %v, want all stopped", got)
	}
	if f.journalExists(t) {
		t.Error("journal should be cleared at the terminal outcome")
	}
}

func TestRunRollbackFailureEscalates(t *testing.T) {
	f := newFixture(t, nil)
	f.makeRelease(t, "v1", time.Hour)
	f.makeRelease(t, "v2", 0)
	f.activate(t, "v1")
	// A persistent start failure breaks the forward pass and the
	// rollback's restart alike.
	f.registry.StartErrors["gateway-pacs"] = errors.New("exit status 1")

	attempt, err := f.controller.Run(context.Background(), OperationDeploy, "v2")
	if err == nil {
		t.Fatal("Run should fail")
	}
	if attempt.Outcome != OutcomeFailedNoRollback {
		t.Fatalf("outcome = %s, want FAILED_NO_ROLLBACK", attempt.Outcome)
	}
	var rollbackErr *RollbackError
	if !errors.As(err, &rollbackErr) {
		t.Fatalf("error = %v, want *RollbackError", err)
	}
	if rollbackErr.Cause == nil || !strings.Contains(rollbackErr.Cause.Error(), "starting gateway-pacs") {
		t.Errorf("Cause = %v, want the original start failure", rollbackErr.Cause)
	}
	var controlErr *unit.ControlError
	if !errors.As(err, &controlErr) {
		t.Errorf("error chain should reach the *unit.ControlError, got %v", err)
	}
	// The pointer was restored before the restart failed.
	if current, _ := f.store.Current(); current != "v1" {
		t.Errorf("current release = %q, want v1", current)
	}
	log := f.logContents(t)
	if !strings.Contains(log, "manual intervention required") {
		t.Errorf("operation log missing escalation:\n%s", log)
	}
}

func TestRunSwitchFailureRestartsPrevious(t *testing.T) {
	f := newFixture(t, nil)
	f.makeRelease(t, "v1", time.Hour)
	f.activate(t, "v1")

	// v2 was never staged, so the pointer switch itself fails after
	// the units have already been stopped.
	attempt, err := f.controller.Run(context.Background(), OperationDeploy, "v2")
	if err == nil {
		t.Fatal("Run should fail")
	}
	if attempt.Outcome != OutcomeAborted {
		t.Errorf("outcome = %s, want ABORTED", attempt.Outcome)
	}
	if !strings.Contains(err.Error(), "switching current release") {
		t.Errorf("error = %v, want switch failure", err)
	}
	if current, _ := f.store.Current(); current != "v1" {
		t.Errorf("current release = %q, want v1 untouched", current)
	}
	if got := f.registry.Running(); !equalStrings(got, []string{"gateway-mwl", "gateway-pacs"}) {
		t.Errorf("running units = %v, want services restarted on v1", got)
	}
	if f.journalExists(t) {
		t.Error("journal should be cleared after the aborted switch")
	}
	if !strings.Contains(f.logContents(t), "restarted services on v1") {
		t.Error("operation log should note the recovery restart")
	}
}

func TestRunJanitorAppliesRetention(t *testing.T) {
	f := newFixture(t, func(config *Config) {
		config.Retention = 1
	})
	f.makeRelease(t, "v1", 2*time.Hour)
	f.makeRelease(t, "v2", time.Hour)
	f.makeRelease(t, "v3", 0)
	f.activate(t, "v2")

	attempt, err := f.controller.Run(context.Background(), OperationDeploy, "v3")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if attempt.Outcome != OutcomeCommitted {
		t.Fatalf("outcome = %s, want COMMITTED", attempt.Outcome)
	}

	// Retention 1 keeps the newest (v3, also active) plus the
	// just-superseded v2; only v1 is pruned.
	if f.store.Exists("v1") {
		t.Error("v1 should have been pruned")
	}
	for _, version := range []string{"v2", "v3"} {
		if !f.store.Exists(version) {
			t.Errorf("%s should have been retained", version)
		}
	}
	if !strings.Contains(f.logContents(t), "pruned release v1") {
		t.Error("operation log should record the pruned release")
	}
}

func TestRunJanitorSkippedOnRollback(t *testing.T) {
	f := newFixture(t, func(config *Config) {
		config.Retention = 0
	})
	f.makeRelease(t, "v1", 2*time.Hour)
	f.makeRelease(t, "v2", time.Hour)
	f.makeRelease(t, "v3", 0)
	f.activate(t, "v2")
	f.registry.NeverHealthy["gateway-mwl"] = true

	if _, err := f.controller.Run(context.Background(), OperationDeploy, "v3"); err == nil {
		t.Fatal("Run should fail")
	}
	// Nothing is pruned on a failed attempt, not even with retention 0.
	for _, version := range []string{"v1", "v2", "v3"} {
		if !f.store.Exists(version) {
			t.Errorf("%s should survive a rolled-back attempt", version)
		}
	}
}

func TestNewControllerValidation(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name      string
		configure func(*Config)
	}{
		{"missing store", func(c *Config) { c.Store = nil }},
		{"missing registry", func(c *Config) { c.Registry = nil }},
		{"missing log", func(c *Config) { c.Log = nil }},
		{"negative retention", func(c *Config) { c.Retention = -1 }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			config := Config{
				Store:    f.store,
				Registry: f.registry,
				Log:      f.log,
			}
			test.configure(&config)
			if _, err := NewController(config); err == nil {
				t.Error("NewController should reject the configuration")
			}
		})
	}
}

func TestRollbackErrorUnwrapsBothEnds(t *testing.T) {
	cause := &health.Error{Unit: "gateway-mwl", Err: errors.New("attempts exhausted")}
	restartFailure := &unit.ControlError{Unit: "gateway-pacs", Command: "systemctl start gateway-pacs", Err: errors.New("exit status 1")}
	err := &RollbackError{Cause: cause, Err: restartFailure}

	var healthErr *health.Error
	if !errors.As(err, &healthErr) {
		t.Error("errors.As should reach the original cause")
	}
	var controlErr *unit.ControlError
	if !errors.As(err, &controlErr) {
		t.Error("errors.As should reach the rollback failure")
	}
	for _, want := range []string{"rollback failed", "gateway-pacs", "triggered by"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Error() = %q missing %q", err.Error(), want)
		}
	}
}

func equalStrings(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
