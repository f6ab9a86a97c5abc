// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

package cutover

import (
	"archive/tar"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/slipway-sh/slipway/lib/acquire"
	"github.com/slipway-sh/slipway/lib/digest"
	"github.com/slipway-sh/slipway/lib/journal"
	"github.com/slipway-sh/slipway/lib/provision"
)

// fakeEnvironment satisfies Environment without shelling out. It
// writes the launch wrappers a real provisioner would, so rollback
// target validation sees complete releases.
type fakeEnvironment struct {
	ensureCalls   int
	lastBootstrap bool
	provisioned   []string
	ensureErr     error
	provisionErr  error
}

func (f *fakeEnvironment) EnsureTools(ctx context.Context, bootstrap bool) error {
	f.ensureCalls++
	f.lastBootstrap = bootstrap
	return f.ensureErr
}

func (f *fakeEnvironment) Provision(ctx context.Context, releaseDir string, units []provision.Unit) error {
	if f.provisionErr != nil {
		return f.provisionErr
	}
	if err := os.MkdirAll(filepath.Join(releaseDir, "bin"), 0o755); err != nil {
		return err
	}
	for _, u := range units {
		if err := os.WriteFile(provision.WrapperPath(releaseDir, u.Name), []byte(provision.WrapperScript(u)), 0o755); err != nil {
			return err
		}
	}
	f.provisioned = append(f.provisioned, filepath.Base(releaseDir))
	return nil
}

type pipeFixture struct {
	*fixture
	environment *fakeEnvironment
	pipeline    *Pipeline
	artifactDir string
}

func newPipeFixture(t *testing.T, configure func(*Config)) *pipeFixture {
	t.Helper()
	f := newFixture(t, configure)
	environment := &fakeEnvironment{}
	pipeline, err := NewPipeline(PipelineConfig{
		Store:       f.store,
		Controller:  f.controller,
		Environment: environment,
		Units:       f.units,
		Log:         f.log,
		Clock:       f.clock,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &pipeFixture{
		fixture:     f,
		environment: environment,
		pipeline:    pipeline,
		artifactDir: t.TempDir(),
	}
}

func payloadEntries() map[string]string {
	return map[string]string{
		"pyproject.toml":   "[project]\nname = \"gateway\"\n",
		"uv.lock":          "version = 1\n",
		"src/mwl_main.py":  "print(\"mwl\")\n",
		"src/pacs_main.py": "print(\"pacs\")\n",
	}
}

func buildArtifact(t *testing.T, dir, filename string, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(dir, filename)
	file, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := gzip.NewWriter(file)
	tw := tar.NewWriter(zw)

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		body := entries[name]
		header := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(header); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := file.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeSidecar(t *testing.T, artifactPath string) {
	t.Helper()
	sum, err := digest.HashFile(artifactPath, digest.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	line := sum + "  " + filepath.Base(artifactPath) + "\n"
	if err := os.WriteFile(artifactPath+".sha256", []byte(line), 0o644); err != nil {
		t.Fatal(err)
	}
}

func localSource(path string) AcquireFunc {
	return func(ctx context.Context, destDir string) (acquire.Artifact, error) {
		return acquire.Local(path)
	}
}

// deploy builds gateway-<version>.tar.gz with a checksum sidecar and
// deploys it.
func (p *pipeFixture) deploy(t *testing.T, version string) (*Attempt, error) {
	t.Helper()
	path := buildArtifact(t, p.artifactDir, "gateway-"+version+".tar.gz", payloadEntries())
	writeSidecar(t, path)
	return p.pipeline.Deploy(context.Background(), DeployOptions{Acquire: localSource(path)})
}

// stagingLeftovers returns stray staging directories under releases/.
func (p *pipeFixture) stagingLeftovers(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(p.store.ReleasesDir())
	if err != nil {
		t.Fatal(err)
	}
	var stray []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			stray = append(stray, entry.Name())
		}
	}
	return stray
}

func TestDeployFirstRelease(t *testing.T) {
	p := newPipeFixture(t, nil)
	path := buildArtifact(t, p.artifactDir, "gateway-v1.tar.gz", payloadEntries())
	writeSidecar(t, path)

	attempt, err := p.pipeline.Deploy(context.Background(), DeployOptions{
		Acquire:   localSource(path),
		Bootstrap: true,
	})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if attempt.Outcome != OutcomeCommitted {
		t.Fatalf("outcome = %s, want COMMITTED", attempt.Outcome)
	}
	if current, _ := p.store.Current(); current != "v1" {
		t.Errorf("current release = %q, want v1", current)
	}

	if p.environment.ensureCalls != 1 || !p.environment.lastBootstrap {
		t.Errorf("EnsureTools calls = %d (bootstrap %v), want 1 with bootstrap",
			p.environment.ensureCalls, p.environment.lastBootstrap)
	}
	if !equalStrings(p.environment.provisioned, []string{"v1"}) {
		t.Errorf("provisioned = %v, want [v1]", p.environment.provisioned)
	}

	releaseDir := p.store.ReleaseDir("v1")
	for _, name := range []string{"pyproject.toml", "uv.lock", "src/mwl_main.py"} {
		if _, err := os.Stat(filepath.Join(releaseDir, name)); err != nil {
			t.Errorf("release payload missing %s: %v", name, err)
		}
	}

	metadata, err := p.store.ReadMetadata("v1")
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if metadata.Version != "v1" {
		t.Errorf("metadata version = %q", metadata.Version)
	}
	if !strings.HasPrefix(metadata.Source, "local:") {
		t.Errorf("metadata source = %q, want local: prefix", metadata.Source)
	}
	if metadata.Digest == "" {
		t.Error("metadata digest should record the verified checksum")
	}

	if stray := p.stagingLeftovers(t); len(stray) != 0 {
		t.Errorf("staging leftovers = %v", stray)
	}
	if got := p.registry.Running(); !equalStrings(got, []string{"gateway-mwl", "gateway-pacs"}) {
		t.Errorf("running units = %v", got)
	}
}

func TestDeployChecksumMismatchStopsBeforeExtraction(t *testing.T) {
	p := newPipeFixture(t, nil)
	path := buildArtifact(t, p.artifactDir, "gateway-v1.tar.gz", payloadEntries())
	sum, err := digest.HashFile(path, digest.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	// Claim a digest that differs in its first byte.
	flipped := "0" + sum[1:]
	if sum[0] == '0' {
		flipped = "1" + sum[1:]
	}
	if err := os.WriteFile(path+".sha256", []byte(flipped+"  gateway-v1.tar.gz\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	attempt, err := p.pipeline.Deploy(context.Background(), DeployOptions{Acquire: localSource(path)})
	var mismatch *digest.MismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Deploy error = %v, want *digest.MismatchError", err)
	}
	if attempt != nil {
		t.Errorf("attempt = %+v, want nil before any cutover", attempt)
	}

	releases, err := p.store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(releases) != 0 {
		t.Errorf("releases = %v, want none extracted", releases)
	}
	if stray := p.stagingLeftovers(t); len(stray) != 0 {
		t.Errorf("staging leftovers = %v", stray)
	}
	if len(p.registry.Ops) != 0 {
		t.Errorf("services were touched: %v", p.registry.Ops)
	}
}

func TestDeployWithoutChecksumWarns(t *testing.T) {
	p := newPipeFixture(t, nil)
	path := buildArtifact(t, p.artifactDir, "gateway-v1.tar.gz", payloadEntries())

	attempt, err := p.pipeline.Deploy(context.Background(), DeployOptions{Acquire: localSource(path)})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if attempt.Outcome != OutcomeCommitted {
		t.Fatalf("outcome = %s", attempt.Outcome)
	}
	if !strings.Contains(p.logContents(t), "[WARNING] no checksum available") {
		t.Error("operation log should warn about the unverified artifact")
	}
}

func TestDeployMalformedPayloadCleansStaging(t *testing.T) {
	p := newPipeFixture(t, nil)
	entries := payloadEntries()
	delete(entries, "uv.lock")
	path := buildArtifact(t, p.artifactDir, "gateway-v1.tar.gz", entries)
	writeSidecar(t, path)

	_, err := p.pipeline.Deploy(context.Background(), DeployOptions{Acquire: localSource(path)})
	if err == nil || !strings.Contains(err.Error(), "uv.lock") {
		t.Fatalf("Deploy error = %v, want missing-marker failure", err)
	}

	if p.store.Exists("v1") {
		t.Error("malformed payload should never be promoted")
	}
	if stray := p.stagingLeftovers(t); len(stray) != 0 {
		t.Errorf("staging leftovers = %v", stray)
	}
}

func TestDeployScenarioRollbackThenRecover(t *testing.T) {
	p := newPipeFixture(t, func(config *Config) {
		config.Retention = 1
	})

	// v1: first-ever deployment.
	attempt, err := p.deploy(t, "v1")
	if err != nil {
		t.Fatalf("deploy v1: %v", err)
	}
	if attempt.Outcome != OutcomeCommitted {
		t.Fatalf("v1 outcome = %s", attempt.Outcome)
	}

	// v2: one unit never becomes healthy; the attempt rolls back.
	p.registry.NeverHealthy["gateway-pacs"] = true
	attempt, err = p.deploy(t, "v2")
	if err == nil {
		t.Fatal("deploy v2 should fail")
	}
	if attempt.Outcome != OutcomeRolledBack {
		t.Fatalf("v2 outcome = %s, want ROLLED_BACK", attempt.Outcome)
	}
	if current, _ := p.store.Current(); current != "v1" {
		t.Fatalf("current = %q, want v1 restored", current)
	}
	if got := p.registry.Running(); !equalStrings(got, []string{"gateway-mwl", "gateway-pacs"}) {
		t.Fatalf("running units = %v, want all restored on v1", got)
	}

	// v2 again, healthy this time.
	delete(p.registry.NeverHealthy, "gateway-pacs")
	attempt, err = p.deploy(t, "v2")
	if err != nil {
		t.Fatalf("redeploy v2: %v", err)
	}
	if attempt.Outcome != OutcomeCommitted {
		t.Fatalf("v2 retry outcome = %s", attempt.Outcome)
	}
	if current, _ := p.store.Current(); current != "v2" {
		t.Fatalf("current = %q, want v2", current)
	}

	// v3 with retention 1: the janitor removes v1 but keeps the
	// just-superseded v2.
	attempt, err = p.deploy(t, "v3")
	if err != nil {
		t.Fatalf("deploy v3: %v", err)
	}
	if attempt.Outcome != OutcomeCommitted {
		t.Fatalf("v3 outcome = %s", attempt.Outcome)
	}
	if current, _ := p.store.Current(); current != "v3" {
		t.Fatalf("current = %q, want v3", current)
	}
	if p.store.Exists("v1") {
		t.Error("v1 should have been pruned")
	}
	for _, version := range []string{"v2", "v3"} {
		if !p.store.Exists(version) {
			t.Errorf("%s should have been retained", version)
		}
	}
}

func TestDeploySameVersionTwiceIsIdempotent(t *testing.T) {
	p := newPipeFixture(t, nil)

	if _, err := p.deploy(t, "v1"); err != nil {
		t.Fatalf("first deploy: %v", err)
	}
	p.registry.Ops = nil

	attempt, err := p.deploy(t, "v1")
	if err != nil {
		t.Fatalf("second deploy: %v", err)
	}
	if attempt.Outcome != OutcomeCommitted {
		t.Fatalf("outcome = %s, want COMMITTED", attempt.Outcome)
	}
	if len(p.registry.Ops) != 0 {
		t.Errorf("re-deploying the active version touched services: %v", p.registry.Ops)
	}
	if got := len(p.environment.provisioned); got != 1 {
		t.Errorf("provision runs = %d, want 1 (release directory reused)", got)
	}

	releases, err := p.store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(releases) != 1 || releases[0].Version != "v1" {
		t.Errorf("releases = %v, want exactly one v1", releases)
	}
}

func TestDeployWarnsAboutInterruptedAttempt(t *testing.T) {
	p := newPipeFixture(t, nil)
	record := journal.Record{
		AttemptID: "attempt-dead",
		Operation: OperationDeploy,
		Target:    "v9",
		Previous:  "v8",
		StartedAt: p.clock.Now(),
	}
	if err := journal.Write(filepath.Join(p.store.StateDir(), journalFileName), record); err != nil {
		t.Fatal(err)
	}

	attempt, err := p.deploy(t, "v1")
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if attempt.Outcome != OutcomeCommitted {
		t.Fatalf("outcome = %s", attempt.Outcome)
	}
	log := p.logContents(t)
	if !strings.Contains(log, "did not complete") || !strings.Contains(log, "v9") {
		t.Errorf("operation log should report the interrupted attempt:\n%s", log)
	}
	if p.journalExists(t) {
		t.Error("stale journal should be cleared")
	}
}

func TestDeployRetriesQuarantinedTrash(t *testing.T) {
	p := newPipeFixture(t, nil)
	trashed := filepath.Join(p.store.TrashDir(), "v0-20260101-000000.000")
	if err := os.MkdirAll(trashed, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(trashed, "stale.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := p.deploy(t, "v1"); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if _, err := os.Stat(trashed); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("quarantined directory should be removed, stat err = %v", err)
	}
	if !strings.Contains(p.logContents(t), "removed quarantined v0") {
		t.Error("operation log should record the quarantine cleanup")
	}
}

func TestDeployHealsDanglingPointer(t *testing.T) {
	p := newPipeFixture(t, nil)
	if _, err := p.deploy(t, "v1"); err != nil {
		t.Fatalf("deploy v1: %v", err)
	}
	if err := os.RemoveAll(p.store.ReleaseDir("v1")); err != nil {
		t.Fatal(err)
	}

	attempt, err := p.deploy(t, "v2")
	if err != nil {
		t.Fatalf("deploy v2: %v", err)
	}
	if attempt.Outcome != OutcomeCommitted {
		t.Fatalf("outcome = %s", attempt.Outcome)
	}
	if attempt.Previous != "" {
		t.Errorf("Previous = %q, want empty after discarding the dangling pointer", attempt.Previous)
	}
	if current, _ := p.store.Current(); current != "v2" {
		t.Errorf("current = %q, want v2", current)
	}
	if !strings.Contains(p.logContents(t), "targets missing release v1") {
		t.Error("operation log should report the dangling pointer")
	}
}

func TestDeployProvisionFailureLeavesPointerAlone(t *testing.T) {
	p := newPipeFixture(t, nil)
	if _, err := p.deploy(t, "v1"); err != nil {
		t.Fatalf("deploy v1: %v", err)
	}
	p.registry.Ops = nil
	p.environment.provisionErr = &provision.Error{Step: "dependency install", Err: errors.New("uv sync failed")}

	attempt, err := p.deploy(t, "v2")
	var provisionErr *provision.Error
	if !errors.As(err, &provisionErr) {
		t.Fatalf("Deploy error = %v, want *provision.Error", err)
	}
	if attempt != nil {
		t.Errorf("attempt = %+v, want nil before any cutover", attempt)
	}
	if current, _ := p.store.Current(); current != "v1" {
		t.Errorf("current = %q, want v1 untouched", current)
	}
	if len(p.registry.Ops) != 0 {
		t.Errorf("services were touched: %v", p.registry.Ops)
	}
	if stray := p.stagingLeftovers(t); len(stray) != 0 {
		t.Errorf("staging leftovers = %v", stray)
	}
	// The promoted directory stays behind for the janitor or a
	// retried deploy to deal with.
	if !p.store.Exists("v2") {
		t.Error("promoted release directory should remain after a provisioning failure")
	}
}

func TestDeployEnsureToolsFailure(t *testing.T) {
	p := newPipeFixture(t, nil)
	p.environment.ensureErr = &provision.Error{Step: "tool check", Err: errors.New("uv not found")}

	_, err := p.deploy(t, "v1")
	var provisionErr *provision.Error
	if !errors.As(err, &provisionErr) {
		t.Fatalf("Deploy error = %v, want *provision.Error", err)
	}
	releases, err := p.store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(releases) != 0 {
		t.Errorf("releases = %v, want none", releases)
	}
}

func TestDeployRequiresSource(t *testing.T) {
	p := newPipeFixture(t, nil)
	if _, err := p.pipeline.Deploy(context.Background(), DeployOptions{}); err == nil {
		t.Fatal("Deploy without a source should fail")
	}
}

func TestRollbackExplicitVersion(t *testing.T) {
	p := newPipeFixture(t, nil)
	if _, err := p.deploy(t, "v1"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.deploy(t, "v2"); err != nil {
		t.Fatal(err)
	}

	attempt, err := p.pipeline.Rollback(context.Background(), RollbackOptions{Version: "v1"})
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if attempt.Outcome != OutcomeCommitted {
		t.Fatalf("outcome = %s, want COMMITTED", attempt.Outcome)
	}
	if attempt.Operation != OperationRollback {
		t.Errorf("operation = %q, want rollback", attempt.Operation)
	}
	if current, _ := p.store.Current(); current != "v1" {
		t.Errorf("current = %q, want v1", current)
	}
	if got := p.registry.Running(); !equalStrings(got, []string{"gateway-mwl", "gateway-pacs"}) {
		t.Errorf("running units = %v", got)
	}
}

func TestRollbackDefaultTargetIsPreviousRelease(t *testing.T) {
	p := newPipeFixture(t, nil)
	if _, err := p.deploy(t, "v1"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.deploy(t, "v2"); err != nil {
		t.Fatal(err)
	}

	attempt, err := p.pipeline.Rollback(context.Background(), RollbackOptions{})
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if attempt.Target != "v1" {
		t.Errorf("target = %q, want v1", attempt.Target)
	}
	if current, _ := p.store.Current(); current != "v1" {
		t.Errorf("current = %q, want v1", current)
	}
	if !strings.Contains(p.logContents(t), "selected rollback target v1") {
		t.Error("operation log should record the selected target")
	}
}

func TestRollbackWithNothingActive(t *testing.T) {
	p := newPipeFixture(t, nil)
	_, err := p.pipeline.Rollback(context.Background(), RollbackOptions{})
	if err == nil || !strings.Contains(err.Error(), "nothing to roll back from") {
		t.Fatalf("Rollback = %v, want nothing-active error", err)
	}
}

func TestRollbackWithNoOlderRelease(t *testing.T) {
	p := newPipeFixture(t, nil)
	if _, err := p.deploy(t, "v1"); err != nil {
		t.Fatal(err)
	}
	_, err := p.pipeline.Rollback(context.Background(), RollbackOptions{})
	if err == nil || !strings.Contains(err.Error(), "no release older than v1") {
		t.Fatalf("Rollback = %v, want no-older-release error", err)
	}
}

func TestRollbackRejectsUnprovisionedTarget(t *testing.T) {
	p := newPipeFixture(t, nil)
	if _, err := p.deploy(t, "v1"); err != nil {
		t.Fatal(err)
	}
	bare := p.store.ReleaseDir("v0")
	if err := os.MkdirAll(bare, 0o755); err != nil {
		t.Fatal(err)
	}

	_, err := p.pipeline.Rollback(context.Background(), RollbackOptions{Version: "v0"})
	if err == nil || !strings.Contains(err.Error(), "not provisioned") {
		t.Fatalf("Rollback = %v, want unprovisioned-target error", err)
	}
	if current, _ := p.store.Current(); current != "v1" {
		t.Errorf("current = %q, want v1 untouched", current)
	}
}

func TestRollbackRejectsMissingTarget(t *testing.T) {
	p := newPipeFixture(t, nil)
	if _, err := p.deploy(t, "v1"); err != nil {
		t.Fatal(err)
	}
	_, err := p.pipeline.Rollback(context.Background(), RollbackOptions{Version: "v9"})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("Rollback = %v, want not-found error", err)
	}
}

func TestNewPipelineValidation(t *testing.T) {
	f := newFixture(t, nil)
	base := PipelineConfig{
		Store:       f.store,
		Controller:  f.controller,
		Environment: &fakeEnvironment{},
		Log:         f.log,
	}

	tests := []struct {
		name      string
		configure func(*PipelineConfig)
	}{
		{"missing store", func(c *PipelineConfig) { c.Store = nil }},
		{"missing controller", func(c *PipelineConfig) { c.Controller = nil }},
		{"missing environment", func(c *PipelineConfig) { c.Environment = nil }},
		{"missing log", func(c *PipelineConfig) { c.Log = nil }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			config := base
			test.configure(&config)
			if _, err := NewPipeline(config); err == nil {
				t.Error("NewPipeline should reject the configuration")
			}
		})
	}
}
