// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

package release

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// trashTimestampFormat names quarantined directories so repeated
// quarantines of the same version never collide.
const trashTimestampFormat = "20060102-150405.000"

// PruneResult reports what a Prune pass did.
type PruneResult struct {
	// Kept lists the versions retained, newest first.
	Kept []string

	// Removed lists the versions whose directories were deleted.
	Removed []string

	// Quarantined lists the versions whose directories resisted
	// deletion and were renamed into the trash instead.
	Quarantined []string
}

// Prune deletes release directories beyond the retention count. The
// newest retain releases are kept, and the versions in keep (the
// active release and the one it superseded) are always kept regardless
// of age. Directories that cannot be deleted are quarantined into the
// trash.
//
// Prune is best-effort: a directory that can be neither deleted nor
// quarantined is reported in the returned error, but the pass
// continues through the remaining candidates.
func (s *Store) Prune(retain int, keep ...string) (PruneResult, error) {
	if retain < 0 {
		return PruneResult{}, fmt.Errorf("pruning releases: retention count must be >= 0 (got %d)", retain)
	}

	releases, err := s.List()
	if err != nil {
		return PruneResult{}, fmt.Errorf("pruning releases: %w", err)
	}

	keepSet := make(map[string]bool, retain+len(keep))
	for i, release := range releases {
		if i < retain {
			keepSet[release.Version] = true
		}
	}
	for _, version := range keep {
		if version != "" {
			keepSet[version] = true
		}
	}

	var result PruneResult
	var failures []error
	for _, release := range releases {
		if keepSet[release.Version] {
			result.Kept = append(result.Kept, release.Version)
			continue
		}
		quarantined, err := s.Remove(release.Version)
		switch {
		case err != nil:
			failures = append(failures, err)
		case quarantined:
			result.Quarantined = append(result.Quarantined, release.Version)
		default:
			result.Removed = append(result.Removed, release.Version)
		}
	}
	return result, errors.Join(failures...)
}

// Remove deletes a release directory. When deletion fails (a file in
// the directory is locked or busy), the directory is renamed into the
// trash for a later EmptyTrash pass; that case returns quarantined =
// true. The returned error is non-nil only when both the deletion and
// the quarantine rename failed.
func (s *Store) Remove(version string) (quarantined bool, err error) {
	dir := s.ReleaseDir(version)
	removeErr := s.removeAll(dir)
	if removeErr == nil {
		return false, nil
	}

	if err := os.MkdirAll(s.TrashDir(), 0o755); err != nil {
		return false, fmt.Errorf("removing release %s: %v (creating trash: %w)", version, removeErr, err)
	}
	entry := version + "-" + s.clock.Now().UTC().Format(trashTimestampFormat)
	destination := filepath.Join(s.TrashDir(), entry)
	if err := os.Rename(dir, destination); err != nil {
		return false, fmt.Errorf("removing release %s: %v (quarantine also failed: %w)", version, removeErr, err)
	}
	return true, nil
}

// EmptyTrash deletes quarantined directories. Runs at the start of
// every deployment attempt and after every prune; entries that are
// still locked stay for the next pass. Returns the entries that were
// deleted and a joined error for those that were not.
func (s *Store) EmptyTrash() (removed []string, err error) {
	entries, readErr := os.ReadDir(s.TrashDir())
	if errors.Is(readErr, fs.ErrNotExist) {
		return nil, nil
	}
	if readErr != nil {
		return nil, fmt.Errorf("emptying trash: %w", readErr)
	}

	var failures []error
	for _, entry := range entries {
		path := filepath.Join(s.TrashDir(), entry.Name())
		if err := s.removeAll(path); err != nil {
			failures = append(failures, fmt.Errorf("emptying trash entry %s: %w", entry.Name(), err))
			continue
		}
		removed = append(removed, entry.Name())
	}
	return removed, errors.Join(failures...)
}
