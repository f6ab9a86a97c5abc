// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

// Package release manages the on-disk release store: the versioned
// release directories under <root>/releases, the current pointer
// symlink, the retention janitor, and the trash quarantine for
// directories that resist deletion.
//
// Layout under the install root:
//
//	current                     pointer symlink -> releases/<version>
//	releases/<version>/         one immutable directory per release
//	releases/<version>/release.json
//	data/                       persistent app data, owned by the
//	                            services, never touched here
//	logs/deployments/           operation logs
//	state/                      attempt journal and lock file
//	trash/                      quarantined directories pending removal
//
// The pointer switch is a symlink created at a temporary name and
// renamed over the existing link, so readers observe either the old
// target or the new one, never an intermediate state.
package release

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/slipway-sh/slipway/lib/clock"
)

const (
	releasesDirName = "releases"
	currentLinkName = "current"
	dataDirName     = "data"
	logsDirName     = "logs/deployments"
	stateDirName    = "state"
	trashDirName    = "trash"

	// metadataFileName sits inside each release directory and records
	// where the release came from.
	metadataFileName = "release.json"
)

// Metadata describes a staged release. It is written as release.json
// inside the release directory when the release is promoted out of
// staging.
type Metadata struct {
	// Version is the release version, matching the directory name.
	Version string `json:"version"`

	// Source records where the artifact came from, e.g.
	// "github:acme/gateway@v2.1.0" or "local:/tmp/gateway-v2.1.0.tar.gz".
	Source string `json:"source"`

	// Digest is the verified artifact digest ("sha256:<hex>"), empty
	// when the artifact shipped without a checksum.
	Digest string `json:"digest,omitempty"`

	// CreatedAt is when the release was promoted out of staging.
	CreatedAt time.Time `json:"created_at"`
}

// Release is one entry in the release store.
type Release struct {
	// Version is the directory name under releases/.
	Version string

	// Path is the absolute release directory.
	Path string

	// ModTime orders releases by age for retention.
	ModTime time.Time

	// Metadata is the parsed release.json, nil when missing or
	// unreadable.
	Metadata *Metadata
}

// Store is the release store rooted at an install directory. Methods
// that mutate shared state (SwitchTo, RemovePointer, Promote, Remove)
// assume a single attempt runs at a time; the caller holds the
// install-root lock.
type Store struct {
	root  string
	clock clock.Clock

	// removeAll is swapped in tests to simulate locked directories.
	removeAll func(path string) error
}

// NewStore creates a Store for the given install root. The root itself
// must exist; subdirectories are created by EnsureLayout.
func NewStore(root string, clk clock.Clock) *Store {
	return &Store{
		root:      root,
		clock:     clk,
		removeAll: os.RemoveAll,
	}
}

// Root returns the install root directory.
func (s *Store) Root() string { return s.root }

// ReleasesDir returns <root>/releases.
func (s *Store) ReleasesDir() string { return filepath.Join(s.root, releasesDirName) }

// ReleaseDir returns the directory for a version.
func (s *Store) ReleaseDir(version string) string {
	return filepath.Join(s.ReleasesDir(), version)
}

// CurrentPath returns the pointer symlink path <root>/current.
func (s *Store) CurrentPath() string { return filepath.Join(s.root, currentLinkName) }

// DataDir returns <root>/data. The directory belongs to the deployed
// services; the store never creates or deletes it.
func (s *Store) DataDir() string { return filepath.Join(s.root, dataDirName) }

// LogsDir returns the deployment log directory.
func (s *Store) LogsDir() string { return filepath.Join(s.root, logsDirName) }

// StateDir returns the directory holding the attempt journal and the
// install-root lock file.
func (s *Store) StateDir() string { return filepath.Join(s.root, stateDirName) }

// TrashDir returns the quarantine directory.
func (s *Store) TrashDir() string { return filepath.Join(s.root, trashDirName) }

// EnsureLayout creates the store-owned directories. data/ is
// deliberately not created: it belongs to the services.
func (s *Store) EnsureLayout() error {
	for _, dir := range []string{s.ReleasesDir(), s.LogsDir(), s.StateDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating store layout: %w", err)
		}
	}
	return nil
}

// List returns the releases in the store, newest first by directory
// modification time. Staging directories (dot-prefixed) and stray
// files are skipped.
func (s *Store) List() ([]Release, error) {
	entries, err := os.ReadDir(s.ReleasesDir())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing releases: %w", err)
	}

	var releases []Release
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("listing releases: %w", err)
		}
		releases = append(releases, Release{
			Version:  entry.Name(),
			Path:     s.ReleaseDir(entry.Name()),
			ModTime:  info.ModTime(),
			Metadata: s.readMetadataBestEffort(entry.Name()),
		})
	}

	sort.Slice(releases, func(i, j int) bool {
		if !releases[i].ModTime.Equal(releases[j].ModTime) {
			return releases[i].ModTime.After(releases[j].ModTime)
		}
		return releases[i].Version > releases[j].Version
	})
	return releases, nil
}

// Exists reports whether a release directory is present.
func (s *Store) Exists(version string) bool {
	info, err := os.Stat(s.ReleaseDir(version))
	return err == nil && info.IsDir()
}

// Current returns the version the pointer targets, or "" when the
// pointer is absent. The target directory is not required to exist;
// a dangling pointer still reports its version so callers can name
// the inconsistency.
func (s *Store) Current() (string, error) {
	target, err := os.Readlink(s.CurrentPath())
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading current pointer: %w", err)
	}
	return filepath.Base(target), nil
}

// SwitchTo atomically repoints the current pointer at a release. The
// new link is created under a temporary name and renamed over the old
// one, so a reader resolves either the previous release or the new
// one. The release directory must exist.
func (s *Store) SwitchTo(version string) error {
	if err := ValidateVersion(version); err != nil {
		return fmt.Errorf("switching current pointer: %w", err)
	}
	if !s.Exists(version) {
		return fmt.Errorf("switching current pointer: release %s not found in %s", version, s.ReleasesDir())
	}

	// Relative target: the store stays valid if the root is remounted
	// at a different absolute path.
	target := filepath.Join(releasesDirName, version)
	temporary := s.CurrentPath() + ".tmp"

	if err := os.Remove(temporary); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("switching current pointer: clearing stale temporary link: %w", err)
	}
	if err := os.Symlink(target, temporary); err != nil {
		return fmt.Errorf("switching current pointer: %w", err)
	}
	if err := os.Rename(temporary, s.CurrentPath()); err != nil {
		os.Remove(temporary)
		return fmt.Errorf("switching current pointer: %w", err)
	}
	return syncDir(s.root)
}

// RemovePointer deletes the current pointer. Removing an absent
// pointer is not an error.
func (s *Store) RemovePointer() error {
	if err := os.Remove(s.CurrentPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing current pointer: %w", err)
	}
	return syncDir(s.root)
}

// NewStagingDir creates a fresh staging directory under releases/.
// Staging on the same filesystem keeps the later promote a pure
// rename.
func (s *Store) NewStagingDir() (string, error) {
	if err := os.MkdirAll(s.ReleasesDir(), 0o755); err != nil {
		return "", fmt.Errorf("creating staging directory: %w", err)
	}
	staging, err := os.MkdirTemp(s.ReleasesDir(), ".staging-*")
	if err != nil {
		return "", fmt.Errorf("creating staging directory: %w", err)
	}
	return staging, nil
}

// Promote renames a fully staged directory into place as
// releases/<version>. An existing directory for the same version is
// removed first (re-deploying a version replaces it wholesale), with
// the usual quarantine fallback if the removal is blocked.
func (s *Store) Promote(stagingDir, version string) error {
	if err := ValidateVersion(version); err != nil {
		return fmt.Errorf("promoting staged release: %w", err)
	}
	if s.Exists(version) {
		if _, err := s.Remove(version); err != nil {
			return fmt.Errorf("promoting staged release: replacing existing %s: %w", version, err)
		}
	}
	if err := os.Rename(stagingDir, s.ReleaseDir(version)); err != nil {
		return fmt.Errorf("promoting staged release %s: %w", version, err)
	}
	return syncDir(s.ReleasesDir())
}

// WriteMetadata writes release.json into a release directory.
func (s *Store) WriteMetadata(version string, metadata Metadata) error {
	encoded, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("writing release metadata: %w", err)
	}
	encoded = append(encoded, '\n')
	path := filepath.Join(s.ReleaseDir(version), metadataFileName)
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return fmt.Errorf("writing release metadata: %w", err)
	}
	return nil
}

// ReadMetadata reads release.json from a release directory.
func (s *Store) ReadMetadata(version string) (Metadata, error) {
	path := filepath.Join(s.ReleaseDir(version), metadataFileName)
	encoded, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("reading release metadata for %s: %w", version, err)
	}
	var metadata Metadata
	if err := json.Unmarshal(encoded, &metadata); err != nil {
		return Metadata{}, fmt.Errorf("reading release metadata for %s: %w", version, err)
	}
	return metadata, nil
}

func (s *Store) readMetadataBestEffort(version string) *Metadata {
	metadata, err := s.ReadMetadata(version)
	if err != nil {
		return nil
	}
	return &metadata
}

// syncDir fsyncs a directory so a rename within it survives a crash.
func syncDir(dir string) error {
	handle, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("syncing directory %s: %w", dir, err)
	}
	defer handle.Close()
	if err := handle.Sync(); err != nil {
		return fmt.Errorf("syncing directory %s: %w", dir, err)
	}
	return nil
}
