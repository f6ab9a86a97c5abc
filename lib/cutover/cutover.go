// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

// Package cutover drives the release switch protocol: stop the old
// release's units, repoint the current-release pointer, start units on
// the new release, verify health, and either commit or restore the
// previous release. The Controller is the only writer of the pointer
// and of the service registry during an attempt.
package cutover

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/slipway-sh/slipway/lib/clock"
	"github.com/slipway-sh/slipway/lib/health"
	"github.com/slipway-sh/slipway/lib/journal"
	"github.com/slipway-sh/slipway/lib/oplog"
	"github.com/slipway-sh/slipway/lib/provision"
	"github.com/slipway-sh/slipway/lib/release"
	"github.com/slipway-sh/slipway/lib/unit"
)

// Operation names, used in journal records and log file names.
const (
	OperationDeploy   = "deploy"
	OperationRollback = "rollback"
)

// journalFileName is the attempt journal inside the store's state
// directory.
const journalFileName = "attempt.cbor"

// State is a position in the cutover protocol.
type State string

const (
	StatePrepared         State = "PREPARED"
	StateStopping         State = "STOPPING"
	StateSwitched         State = "SWITCHED"
	StateStarting         State = "STARTING"
	StateHealthcheck      State = "HEALTHCHECK"
	StateCommitted        State = "COMMITTED"
	StateRollingBack      State = "ROLLING_BACK"
	StateRolledBack       State = "ROLLED_BACK"
	StateFailedNoRollback State = "FAILED_NO_ROLLBACK"
)

// Outcome is the terminal result of an attempt.
type Outcome string

const (
	// OutcomeCommitted means the target release is live.
	OutcomeCommitted Outcome = "COMMITTED"

	// OutcomeRolledBack means the attempt failed and the previous
	// release was restored.
	OutcomeRolledBack Outcome = "ROLLED_BACK"

	// OutcomeFailedNoRollback means the attempt failed and the
	// previous release could not be (or did not exist to be)
	// restored. Manual intervention is required.
	OutcomeFailedNoRollback Outcome = "FAILED_NO_ROLLBACK"

	// OutcomeAborted means the attempt failed before the pointer
	// switch; the previous release was never disturbed.
	OutcomeAborted Outcome = "ABORTED"
)

// Attempt is one run of the protocol.
type Attempt struct {
	// ID is the attempt's UUID.
	ID string

	// Operation is OperationDeploy or OperationRollback.
	Operation string

	// Target is the version being cut over to.
	Target string

	// Previous is the version that was active when the attempt
	// started. Empty on a first-ever deployment.
	Previous string

	// Started lists the units started in this attempt, in order.
	Started []string

	// State is the protocol position the attempt reached.
	State State

	// Outcome is set once the attempt terminates.
	Outcome Outcome
}

// RollbackError reports a failure while restoring the previous
// release after a failed cutover. It is surfaced distinctly because
// the host is left in a state that requires manual intervention.
type RollbackError struct {
	// Cause is the failure that triggered the rollback.
	Cause error

	// Err is the failure that interrupted the rollback itself.
	Err error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback failed: %v (rollback was triggered by: %v)", e.Err, e.Cause)
}

// Unwrap exposes both the rollback failure and the original cause, so
// errors.Is and errors.As see through to either.
func (e *RollbackError) Unwrap() []error { return []error{e.Err, e.Cause} }

// Config configures a Controller. Store, Registry, and Log are
// required; the rest defaults.
type Config struct {
	Store    *release.Store
	Registry unit.Registry

	// Monitor verifies post-start health. Defaults to a monitor over
	// Registry with the package defaults.
	Monitor *health.Monitor

	// Units is the fixed unit set managed on this host.
	Units []provision.Unit

	// StopTimeout bounds each unit's stop wait. Default 30s.
	StopTimeout time.Duration

	// Retention is how many releases the janitor keeps beyond the
	// active and previous ones. Zero keeps only those two; the
	// operator default comes from lib/config.
	Retention int

	// Log is the operation log for the attempt.
	Log *oplog.Log

	Clock clock.Clock

	// NewAttemptID is swapped in tests. Defaults to uuid.NewString.
	NewAttemptID func() string
}

// Controller runs cutover attempts. It owns the current-release
// pointer: nothing else mutates it.
type Controller struct {
	store        *release.Store
	registry     unit.Registry
	monitor      *health.Monitor
	units        []provision.Unit
	stopTimeout  time.Duration
	retention    int
	log          *oplog.Log
	clock        clock.Clock
	newAttemptID func() string
}

// NewController creates a Controller from the given configuration.
func NewController(config Config) (*Controller, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("cutover: Store is required")
	}
	if config.Registry == nil {
		return nil, fmt.Errorf("cutover: Registry is required")
	}
	if config.Log == nil {
		return nil, fmt.Errorf("cutover: Log is required")
	}
	controller := &Controller{
		store:        config.Store,
		registry:     config.Registry,
		monitor:      config.Monitor,
		units:        config.Units,
		stopTimeout:  config.StopTimeout,
		retention:    config.Retention,
		log:          config.Log,
		clock:        config.Clock,
		newAttemptID: config.NewAttemptID,
	}
	if controller.stopTimeout <= 0 {
		controller.stopTimeout = 30 * time.Second
	}
	if controller.retention < 0 {
		return nil, fmt.Errorf("cutover: negative retention %d", controller.retention)
	}
	if controller.clock == nil {
		controller.clock = clock.Real()
	}
	if controller.monitor == nil {
		controller.monitor = health.NewMonitor(health.Config{
			Registry: config.Registry,
			Clock:    controller.clock,
			Logger:   config.Log.Slog(),
		})
	}
	if controller.newAttemptID == nil {
		controller.newAttemptID = uuid.NewString
	}
	return controller, nil
}

// Run executes one attempt of the cutover protocol against target,
// which must name a fully provisioned release in the store. The
// returned Attempt always carries the terminal outcome; the error is
// nil only for OutcomeCommitted.
//
// Deploying the version that is already active is a recognized no-op:
// services are not touched and the attempt commits immediately.
func (c *Controller) Run(ctx context.Context, operation, target string) (*Attempt, error) {
	attempt := &Attempt{
		ID:        c.newAttemptID(),
		Operation: operation,
		Target:    target,
		State:     StatePrepared,
	}

	previous, err := c.store.Current()
	if err != nil {
		return c.abort(attempt, fmt.Errorf("reading current release pointer: %w", err))
	}
	attempt.Previous = previous

	if previous == target {
		c.log.Infof("release %s is already active", target)
		attempt.State = StateCommitted
		attempt.Outcome = OutcomeCommitted
		c.log.Successf("%s of %s committed (no change)", operation, target)
		c.janitor(target, previous)
		return attempt, nil
	}

	c.log.Infof("%s %s -> %s (attempt %s)", operation, displayVersion(previous), target, attempt.ID)

	// Stop everything before touching the pointer. A unit that will
	// not stop in time aborts the attempt with the pointer still on
	// the old release; no force-kill is attempted.
	attempt.State = StateStopping
	for _, u := range c.units {
		if err := c.registry.Stop(ctx, u.Name, c.stopTimeout); err != nil {
			return c.abort(attempt, fmt.Errorf("stopping %s: %w", u.Name, err))
		}
		c.log.Infof("stopped %s", u.Name)
	}

	// The journal marks the window in which a crash would leave the
	// host mid-cutover. Written before the switch, cleared at every
	// terminal outcome.
	record := journal.Record{
		AttemptID: attempt.ID,
		Operation: operation,
		Target:    target,
		Previous:  previous,
		StartedAt: c.clock.Now(),
	}
	if err := journal.Write(c.journalPath(), record); err != nil {
		c.restartPrevious(ctx, attempt)
		return c.abort(attempt, fmt.Errorf("writing attempt journal: %w", err))
	}

	if err := c.store.SwitchTo(target); err != nil {
		c.clearJournal()
		c.restartPrevious(ctx, attempt)
		return c.abort(attempt, fmt.Errorf("switching current release: %w", err))
	}
	attempt.State = StateSwitched
	c.log.Infof("current release now %s", target)

	attempt.State = StateStarting
	started, err := c.startAll(ctx)
	attempt.Started = started
	if err != nil {
		return c.rollBack(ctx, attempt, err)
	}

	attempt.State = StateHealthcheck
	c.log.Infof("verifying service health")
	if err := c.monitor.Wait(ctx, attempt.Started); err != nil {
		return c.rollBack(ctx, attempt, err)
	}

	attempt.State = StateCommitted
	attempt.Outcome = OutcomeCommitted
	c.clearJournal()
	c.log.Successf("%s of %s committed", operation, target)
	c.janitor(target, previous)
	return attempt, nil
}

// startAll re-binds and starts every unit against the pointer path.
// Deregistering first clears any stale failure-throttle state held by
// the service manager. Stops at the first failure, returning the
// units that did start.
func (c *Controller) startAll(ctx context.Context) ([]string, error) {
	var started []string
	for _, u := range c.units {
		if err := c.registry.Deregister(ctx, u.Name); err != nil {
			return started, fmt.Errorf("deregistering %s: %w", u.Name, err)
		}
		if err := c.registry.Register(ctx, c.definition(u)); err != nil {
			return started, fmt.Errorf("registering %s: %w", u.Name, err)
		}
		if err := c.registry.Start(ctx, u.Name); err != nil {
			return started, fmt.Errorf("starting %s: %w", u.Name, err)
		}
		started = append(started, u.Name)
		c.log.Infof("registered and started %s", u.Name)
	}
	return started, nil
}

// definition binds a unit to the current-release pointer rather than
// to a concrete release directory, so future repoints never require
// re-registration edits.
func (c *Controller) definition(u provision.Unit) unit.Definition {
	return unit.Definition{
		Name:        u.Name,
		Description: u.Description,
		Command:     provision.WrapperPath(c.store.CurrentPath(), u.Name),
		WorkingDir:  c.store.CurrentPath(),
	}
}

// rollBack restores the previous release after a failure past the
// pointer switch: stop whatever this attempt started, repoint, and
// start every unit on the restored release. With no previous release
// there is nothing to restore; the pointer is removed and the units
// stay stopped.
func (c *Controller) rollBack(ctx context.Context, attempt *Attempt, cause error) (*Attempt, error) {
	attempt.State = StateRollingBack
	c.log.Errorf("%s of %s failed: %v", attempt.Operation, attempt.Target, cause)

	for _, name := range attempt.Started {
		if err := c.registry.Stop(ctx, name, c.stopTimeout); err != nil {
			return c.failNoRollback(attempt, cause, fmt.Errorf("stopping %s: %w", name, err))
		}
	}

	if attempt.Previous == "" {
		if err := c.store.RemovePointer(); err != nil {
			return c.failNoRollback(attempt, cause, fmt.Errorf("removing release pointer: %w", err))
		}
		attempt.State = StateFailedNoRollback
		attempt.Outcome = OutcomeFailedNoRollback
		c.clearJournal()
		c.log.Errorf("no previous release to restore; services are stopped, manual intervention required")
		return attempt, fmt.Errorf("%s of %s failed with no previous release to restore: %w",
			attempt.Operation, attempt.Target, cause)
	}

	c.log.Warningf("rolling back to %s", attempt.Previous)
	if err := c.store.SwitchTo(attempt.Previous); err != nil {
		return c.failNoRollback(attempt, cause, fmt.Errorf("switching current release back to %s: %w", attempt.Previous, err))
	}
	if _, err := c.startAll(ctx); err != nil {
		return c.failNoRollback(attempt, cause, err)
	}

	attempt.State = StateRolledBack
	attempt.Outcome = OutcomeRolledBack
	c.clearJournal()
	c.log.Warningf("rolled back to %s", attempt.Previous)
	return attempt, fmt.Errorf("%s of %s failed, rolled back to %s: %w",
		attempt.Operation, attempt.Target, attempt.Previous, cause)
}

func (c *Controller) failNoRollback(attempt *Attempt, cause, rollbackErr error) (*Attempt, error) {
	attempt.State = StateFailedNoRollback
	attempt.Outcome = OutcomeFailedNoRollback
	c.clearJournal()
	c.log.Errorf("rollback failed, manual intervention required: %v", rollbackErr)
	return attempt, &RollbackError{Cause: cause, Err: rollbackErr}
}

// restartPrevious recovers from a failure that happened after the
// units were stopped but before the pointer moved. The registrations
// still target the pointer and the pointer still targets the previous
// release, so starting each unit is enough.
func (c *Controller) restartPrevious(ctx context.Context, attempt *Attempt) {
	if attempt.Previous == "" {
		return
	}
	for _, u := range c.units {
		if err := c.registry.Start(ctx, u.Name); err != nil {
			c.log.Errorf("restarting %s on %s: %v", u.Name, attempt.Previous, err)
		}
	}
	c.log.Warningf("restarted services on %s after aborted cutover", attempt.Previous)
}

func (c *Controller) abort(attempt *Attempt, err error) (*Attempt, error) {
	attempt.Outcome = OutcomeAborted
	c.log.Errorf("attempt aborted, release %s stays active: %v", displayVersion(attempt.Previous), err)
	return attempt, err
}

// janitor retries quarantined deletions and prunes releases beyond
// the retention count, always keeping the active and just-superseded
// releases. Only reached after a commit; failures are logged, never
// escalated.
func (c *Controller) janitor(active, previous string) {
	if removed, err := c.store.EmptyTrash(); err != nil {
		c.log.Warningf("quarantine cleanup incomplete: %v", err)
	} else {
		for _, name := range removed {
			c.log.Infof("removed quarantined %s", name)
		}
	}

	result, err := c.store.Prune(c.retention, active, previous)
	if err != nil {
		c.log.Warningf("release cleanup incomplete: %v", err)
	}
	for _, version := range result.Removed {
		c.log.Infof("pruned release %s", version)
	}
	for _, version := range result.Quarantined {
		c.log.Warningf("release %s is locked, quarantined for later cleanup", version)
	}
}

func (c *Controller) journalPath() string {
	return filepath.Join(c.store.StateDir(), journalFileName)
}

func (c *Controller) clearJournal() {
	if err := journal.Clear(c.journalPath()); err != nil {
		c.log.Warningf("clearing attempt journal: %v", err)
	}
}

func displayVersion(version string) string {
	if version == "" {
		return "(none)"
	}
	return version
}
