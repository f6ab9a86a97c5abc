// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

package cutover

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/slipway-sh/slipway/lib/acquire"
	"github.com/slipway-sh/slipway/lib/archive"
	"github.com/slipway-sh/slipway/lib/clock"
	"github.com/slipway-sh/slipway/lib/digest"
	"github.com/slipway-sh/slipway/lib/journal"
	"github.com/slipway-sh/slipway/lib/oplog"
	"github.com/slipway-sh/slipway/lib/provision"
	"github.com/slipway-sh/slipway/lib/release"
)

// AcquireFunc obtains the release artifact for an attempt, downloading
// into destDir when the source is remote. Local sources may ignore
// destDir.
type AcquireFunc func(ctx context.Context, destDir string) (acquire.Artifact, error)

// Environment prepares a release directory's isolated runtime.
// *provision.Provisioner is the production implementation.
type Environment interface {
	EnsureTools(ctx context.Context, bootstrap bool) error
	Provision(ctx context.Context, releaseDir string, units []provision.Unit) error
}

// PipelineConfig configures a Pipeline. Store, Controller,
// Environment, and Log are required.
type PipelineConfig struct {
	Store       *release.Store
	Controller  *Controller
	Environment Environment

	// Units is the fixed unit set, used to validate rollback targets
	// and to provision new releases.
	Units []provision.Unit

	Log   *oplog.Log
	Clock clock.Clock
}

// Pipeline prepares releases and hands them to the Controller. Deploy
// covers acquisition through cutover; Rollback re-activates a release
// that is already on disk.
type Pipeline struct {
	store       *release.Store
	controller  *Controller
	environment Environment
	units       []provision.Unit
	log         *oplog.Log
	clock       clock.Clock
}

// NewPipeline creates a Pipeline from the given configuration.
func NewPipeline(config PipelineConfig) (*Pipeline, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("cutover: Store is required")
	}
	if config.Controller == nil {
		return nil, fmt.Errorf("cutover: Controller is required")
	}
	if config.Environment == nil {
		return nil, fmt.Errorf("cutover: Environment is required")
	}
	if config.Log == nil {
		return nil, fmt.Errorf("cutover: Log is required")
	}
	pipeline := &Pipeline{
		store:       config.Store,
		controller:  config.Controller,
		environment: config.Environment,
		units:       config.Units,
		log:         config.Log,
		clock:       config.Clock,
	}
	if pipeline.clock == nil {
		pipeline.clock = clock.Real()
	}
	return pipeline, nil
}

// DeployOptions parameterize one deployment.
type DeployOptions struct {
	// Acquire produces the artifact. Required.
	Acquire AcquireFunc

	// Bootstrap permits installing missing provisioning tools.
	Bootstrap bool
}

// Deploy runs a full deployment: acquire the artifact, verify its
// integrity, extract and provision it as a new release, and cut over
// to it. The staging directory is removed on every exit path. The
// returned Attempt is nil only when the failure happened before a
// cutover attempt began.
func (p *Pipeline) Deploy(ctx context.Context, opts DeployOptions) (*Attempt, error) {
	if opts.Acquire == nil {
		return nil, fmt.Errorf("deploy: an artifact source is required")
	}
	if err := p.prepareAttempt(); err != nil {
		return nil, err
	}
	if err := p.environment.EnsureTools(ctx, opts.Bootstrap); err != nil {
		return nil, err
	}

	staging, err := p.store.NewStagingDir()
	if err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(staging); err != nil {
			p.log.Warningf("removing staging directory: %v", err)
		}
	}()

	downloadDir := filepath.Join(staging, "download")
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating download directory: %w", err)
	}
	artifact, err := opts.Acquire(ctx, downloadDir)
	if err != nil {
		return nil, err
	}
	p.log.Infof("acquired %s (version %s) from %s", artifact.Name, artifact.Version, artifact.Source)

	if artifact.Checksum == "" {
		p.log.Warningf("no checksum available for %s, integrity not verified", artifact.Name)
	} else {
		if err := digest.Verify(artifact.Path, artifact.Checksum); err != nil {
			return nil, err
		}
		p.log.Infof("artifact integrity verified")
	}

	// Re-deploying the active version never rebuilds the release
	// directory underneath the running services; the controller
	// recognizes the no-op and commits.
	if active, err := p.store.Current(); err == nil && active == artifact.Version {
		return p.controller.Run(ctx, OperationDeploy, artifact.Version)
	}

	payloadDir := filepath.Join(staging, "payload")
	if err := os.MkdirAll(payloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating payload directory: %w", err)
	}
	if err := archive.ExtractRelease(artifact.Path, payloadDir, p.log.Slog()); err != nil {
		return nil, err
	}

	if err := p.store.Promote(payloadDir, artifact.Version); err != nil {
		return nil, fmt.Errorf("staging release %s: %w", artifact.Version, err)
	}
	p.log.Infof("staged release %s", artifact.Version)

	metadata := release.Metadata{
		Version:   artifact.Version,
		Source:    artifact.Source,
		Digest:    artifact.Checksum,
		CreatedAt: p.clock.Now(),
	}
	if err := p.store.WriteMetadata(artifact.Version, metadata); err != nil {
		return nil, fmt.Errorf("recording release metadata: %w", err)
	}

	if err := p.environment.Provision(ctx, p.store.ReleaseDir(artifact.Version), p.units); err != nil {
		return nil, err
	}
	p.log.Infof("environment provisioned for %s", artifact.Version)

	return p.controller.Run(ctx, OperationDeploy, artifact.Version)
}

// RollbackOptions parameterize a rollback.
type RollbackOptions struct {
	// Version is the explicit rollback target. Empty selects the
	// newest release older than the one currently active.
	Version string
}

// Rollback re-activates a release that is already on disk, running
// the same cutover protocol as a deployment. The target must be fully
// provisioned.
func (p *Pipeline) Rollback(ctx context.Context, opts RollbackOptions) (*Attempt, error) {
	if err := p.prepareAttempt(); err != nil {
		return nil, err
	}

	target := opts.Version
	if target == "" {
		resolved, err := p.defaultRollbackTarget()
		if err != nil {
			return nil, err
		}
		target = resolved
		p.log.Infof("selected rollback target %s", target)
	}
	if err := p.validateTarget(target); err != nil {
		return nil, err
	}

	return p.controller.Run(ctx, OperationRollback, target)
}

// prepareAttempt handles state left behind by prior attempts before
// anything else runs: quarantined deletions are retried, an attempt
// journal from an interrupted run is reported and cleared, and a
// pointer to a missing release is discarded.
func (p *Pipeline) prepareAttempt() error {
	if err := p.store.EnsureLayout(); err != nil {
		return err
	}

	if removed, err := p.store.EmptyTrash(); err != nil {
		p.log.Warningf("quarantine cleanup incomplete: %v", err)
	} else {
		for _, name := range removed {
			p.log.Infof("removed quarantined %s", name)
		}
	}

	journalFile := filepath.Join(p.store.StateDir(), journalFileName)
	record, found, err := journal.Check(journalFile)
	switch {
	case err != nil:
		p.log.Warningf("attempt journal unreadable, clearing it: %v", err)
		if err := journal.Clear(journalFile); err != nil {
			return fmt.Errorf("clearing unreadable attempt journal: %w", err)
		}
	case found:
		p.log.Warningf("a previous %s of %s (attempt %s, started %s) did not complete; the host may have crashed mid-cutover",
			record.Operation, record.Target, record.AttemptID,
			record.StartedAt.Format(time.RFC3339))
		if err := journal.Clear(journalFile); err != nil {
			return fmt.Errorf("clearing stale attempt journal: %w", err)
		}
	}

	if active, err := p.store.Current(); err == nil && active != "" && !p.store.Exists(active) {
		p.log.Warningf("current pointer targets missing release %s, discarding it", active)
		if err := p.store.RemovePointer(); err != nil {
			return fmt.Errorf("removing dangling release pointer: %w", err)
		}
	}
	return nil
}

// defaultRollbackTarget picks the newest release older than the
// active one.
func (p *Pipeline) defaultRollbackTarget() (string, error) {
	active, err := p.store.Current()
	if err != nil {
		return "", fmt.Errorf("reading current release pointer: %w", err)
	}
	if active == "" {
		return "", fmt.Errorf("no release is active, nothing to roll back from")
	}

	releases, err := p.store.List()
	if err != nil {
		return "", err
	}
	// List is newest first; the candidate follows the active entry.
	for i, entry := range releases {
		if entry.Version == active {
			if i+1 < len(releases) {
				return releases[i+1].Version, nil
			}
			break
		}
	}
	return "", fmt.Errorf("no release older than %s to roll back to", active)
}

// validateTarget checks that a rollback target is a complete,
// provisioned release before any service is touched.
func (p *Pipeline) validateTarget(target string) error {
	if !p.store.Exists(target) {
		return fmt.Errorf("release %s not found under %s", target, p.store.ReleasesDir())
	}
	releaseDir := p.store.ReleaseDir(target)
	for _, u := range p.units {
		if !provision.HasWrapper(releaseDir, u.Name) {
			return fmt.Errorf("release %s is not provisioned: missing launch wrapper for %s", target, u.Name)
		}
	}
	return nil
}
