// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

// Package acquire obtains a release artifact and its expected checksum,
// either from a GitHub release or from a local file. The result is
// always a local archive path annotated with the digest to verify it
// against; verification itself happens downstream.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/slipway-sh/slipway/lib/digest"
	"github.com/slipway-sh/slipway/lib/github"
	"github.com/slipway-sh/slipway/lib/release"
)

// checksumSuffix is the sidecar naming convention: the artifact name
// plus this suffix holds its digest.
const checksumSuffix = ".sha256"

// Error reports a failure to obtain an artifact. Acquisition failures
// are fatal for the attempt; nothing has been staged or mutated yet.
type Error struct {
	// Source names what was being acquired, e.g.
	// "github:acme/gateway@v2.1.0" or "local:/tmp/gateway.tar.gz".
	Source string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("acquiring %s: %v", e.Source, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Artifact is a locally available release archive ready for
// verification and extraction.
type Artifact struct {
	// Path is the local archive file.
	Path string

	// Name is the artifact filename.
	Name string

	// Version is derived from the artifact name; it becomes the
	// release directory name.
	Version string

	// Source records where the artifact came from, for release
	// metadata and logs.
	Source string

	// Checksum is the expected digest in the form digest.Verify
	// accepts, or "" when no checksum was published.
	Checksum string
}

// Local acquires an artifact from a local file path, bypassing any
// remote lookup. A sidecar checksum file next to the artifact
// (<path>.sha256) is picked up when present.
func Local(path string) (Artifact, error) {
	absolute, err := filepath.Abs(path)
	if err != nil {
		return Artifact{}, &Error{Source: "local:" + path, Err: err}
	}
	source := "local:" + absolute

	info, err := os.Stat(absolute)
	if err != nil {
		return Artifact{}, &Error{Source: source, Err: err}
	}
	if info.IsDir() {
		return Artifact{}, &Error{Source: source, Err: fmt.Errorf("path is a directory, want an archive file")}
	}

	name := filepath.Base(absolute)
	version, err := release.VersionFromArtifact(name)
	if err != nil {
		return Artifact{}, &Error{Source: source, Err: err}
	}

	checksum, err := sidecarChecksum(absolute + checksumSuffix)
	if err != nil {
		return Artifact{}, &Error{Source: source, Err: err}
	}

	return Artifact{
		Path:     absolute,
		Name:     name,
		Version:  version,
		Source:   source,
		Checksum: checksum,
	}, nil
}

// Remote acquires artifacts from GitHub releases.
type Remote struct {
	client      *github.Client
	assetSuffix string
	logger      *slog.Logger
}

// NewRemote creates a Remote acquirer. assetSuffix selects the release
// asset to download, e.g. ".tar.gz".
func NewRemote(client *github.Client, assetSuffix string, logger *slog.Logger) *Remote {
	if logger == nil {
		logger = slog.Default()
	}
	return &Remote{
		client:      client,
		assetSuffix: assetSuffix,
		logger:      logger,
	}
}

// Fetch resolves a release of repository ("owner/name") and downloads
// its artifact into destDir. An empty tag or the literal "latest"
// resolves the latest published release. A sidecar checksum asset
// (<artifact>.sha256) is downloaded and parsed when the release
// carries one.
func (r *Remote) Fetch(ctx context.Context, repository, tag, destDir string) (Artifact, error) {
	source := "github:" + repository + "@" + displayTag(tag)

	resolved, err := r.resolve(ctx, repository, tag)
	if err != nil {
		return Artifact{}, &Error{Source: source, Err: err}
	}
	source = "github:" + repository + "@" + resolved.TagName
	r.logger.Info("resolved release",
		"repository", repository,
		"tag", resolved.TagName,
		"assets", len(resolved.Assets),
	)

	asset, err := selectAsset(resolved, r.assetSuffix)
	if err != nil {
		return Artifact{}, &Error{Source: source, Err: err}
	}
	version, err := release.VersionFromArtifact(asset.Name)
	if err != nil {
		return Artifact{}, &Error{Source: source, Err: err}
	}

	path := filepath.Join(destDir, asset.Name)
	r.logger.Info("downloading artifact", "asset", asset.Name, "bytes", asset.Size)
	if err := r.download(ctx, asset, path); err != nil {
		return Artifact{}, &Error{Source: source, Err: err}
	}

	checksum, err := r.fetchSidecar(ctx, resolved, asset.Name, destDir)
	if err != nil {
		return Artifact{}, &Error{Source: source, Err: err}
	}
	if checksum == "" {
		r.logger.Warn("release publishes no checksum for artifact", "asset", asset.Name)
	}

	return Artifact{
		Path:     path,
		Name:     asset.Name,
		Version:  version,
		Source:   source,
		Checksum: checksum,
	}, nil
}

func (r *Remote) resolve(ctx context.Context, repository, tag string) (*github.Release, error) {
	if tag == "" || tag == "latest" {
		return r.client.LatestRelease(ctx, repository)
	}
	return r.client.ReleaseByTag(ctx, repository, tag)
}

// download streams an asset to path via a .partial file, so an
// interrupted download is never mistaken for a complete artifact.
func (r *Remote) download(ctx context.Context, asset github.Asset, path string) error {
	partial := path + ".partial"
	file, err := os.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := r.client.DownloadAsset(ctx, asset, file); err != nil {
		file.Close()
		os.Remove(partial)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(partial)
		return err
	}
	return os.Rename(partial, path)
}

// fetchSidecar downloads and parses the checksum asset for an
// artifact, if the release has one. Returns "" when it does not.
func (r *Remote) fetchSidecar(ctx context.Context, resolved *github.Release, artifactName, destDir string) (string, error) {
	sidecarName := artifactName + checksumSuffix
	for _, asset := range resolved.Assets {
		if asset.Name != sidecarName {
			continue
		}
		path := filepath.Join(destDir, asset.Name)
		if err := r.download(ctx, asset, path); err != nil {
			return "", err
		}
		return digest.ParseChecksumFile(path)
	}
	return "", nil
}

// selectAsset picks the single artifact matching the configured
// suffix, excluding checksum sidecars.
func selectAsset(resolved *github.Release, suffix string) (github.Asset, error) {
	var matched []github.Asset
	for _, asset := range resolved.AssetsMatching(suffix) {
		if strings.HasSuffix(asset.Name, checksumSuffix) {
			continue
		}
		matched = append(matched, asset)
	}

	switch len(matched) {
	case 1:
		return matched[0], nil
	case 0:
		return github.Asset{}, fmt.Errorf("release %s has no asset matching %q", resolved.TagName, suffix)
	default:
		names := make([]string, len(matched))
		for i, asset := range matched {
			names[i] = asset.Name
		}
		return github.Asset{}, fmt.Errorf("release %s has %d assets matching %q (%s), cannot choose",
			resolved.TagName, len(matched), suffix, strings.Join(names, ", "))
	}
}

// sidecarChecksum parses a local sidecar file, tolerating its absence.
func sidecarChecksum(path string) (string, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return "", nil
	} else if err != nil {
		return "", err
	}
	return digest.ParseChecksumFile(path)
}

func displayTag(tag string) string {
	if tag == "" {
		return "latest"
	}
	return tag
}
