// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/slipway-sh/slipway/lib/digest"
)

// Marker files that must exist at the payload root. The manifest
// describes the runtime, the lock pins exact dependency versions for
// reproducible provisioning.
const (
	manifestMarker = "pyproject.toml"
	lockMarker     = "uv.lock"
)

// ExtractRelease unpacks a release artifact into destDir and validates
// the payload. It handles both bundle shapes:
//
//   - wrapper: the archive contains exactly one inner archive plus an
//     optional checksum sidecar; the inner archive is verified against
//     the sidecar and then extracted in its place
//   - direct: the archive root already is the release payload
//
// A redundant single top-level directory is hoisted away, then the
// payload root is checked for the runtime manifest and dependency
// lock. destDir must exist and is left in an undefined state on error;
// the caller removes it on every exit path.
func ExtractRelease(archivePath, destDir string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	if err := Extract(archivePath, destDir); err != nil {
		return err
	}
	if err := hoistSingleDir(destDir, logger); err != nil {
		return &Error{Archive: archivePath, Err: err}
	}

	inner, sidecar, err := detectWrapper(destDir)
	if err != nil {
		return &Error{Archive: archivePath, Err: err}
	}
	if inner != "" {
		logger.Info("wrapper archive detected", "inner", filepath.Base(inner))
		if err := replaceWithInner(archivePath, destDir, inner, sidecar, logger); err != nil {
			return err
		}
		if err := hoistSingleDir(destDir, logger); err != nil {
			return &Error{Archive: archivePath, Err: err}
		}
	}

	if err := checkMarkers(destDir); err != nil {
		return &Error{Archive: archivePath, Err: err}
	}
	return nil
}

// detectWrapper reports whether destDir holds the wrapper shape:
// exactly one archive file, alone or with its checksum sidecar.
// Returns the inner archive path and the sidecar path ("" when
// absent).
func detectWrapper(destDir string) (inner, sidecar string, err error) {
	entries, err := os.ReadDir(destDir)
	if err != nil {
		return "", "", err
	}

	var archives, sidecars, others []string
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case entry.IsDir():
			others = append(others, name)
		case strings.HasSuffix(name, ".sha256"):
			sidecars = append(sidecars, name)
		case IsArchiveName(name):
			archives = append(archives, name)
		default:
			others = append(others, name)
		}
	}

	if len(archives) != 1 || len(others) > 0 || len(sidecars) > 1 {
		return "", "", nil
	}
	if len(sidecars) == 1 && sidecars[0] != archives[0]+".sha256" {
		return "", "", nil
	}

	inner = filepath.Join(destDir, archives[0])
	if len(sidecars) == 1 {
		sidecar = filepath.Join(destDir, sidecars[0])
	}
	return inner, sidecar, nil
}

// replaceWithInner verifies the inner archive against its sidecar and
// extracts it, replacing the wrapper contents of destDir.
func replaceWithInner(archivePath, destDir, inner, sidecar string, logger *slog.Logger) error {
	if sidecar != "" {
		expected, err := digest.ParseChecksumFile(sidecar)
		if err != nil {
			return &Error{Archive: archivePath, Err: err}
		}
		if err := digest.Verify(inner, expected); err != nil {
			// A mismatch is an integrity failure, not an extraction
			// failure; keep it recognizable through the wrap.
			return fmt.Errorf("verifying inner archive %s: %w", filepath.Base(inner), err)
		}
		logger.Info("inner archive verified", "inner", filepath.Base(inner))
	} else {
		logger.Warn("wrapper archive carries no checksum for inner archive", "inner", filepath.Base(inner))
	}

	innerStaging := destDir + ".inner"
	if err := os.MkdirAll(innerStaging, 0o755); err != nil {
		return &Error{Archive: archivePath, Err: err}
	}
	defer os.RemoveAll(innerStaging)

	if err := Extract(inner, innerStaging); err != nil {
		return err
	}

	// The inner payload must be the real thing, not another wrapper.
	if nested, _, err := detectWrapper(innerStaging); err != nil {
		return &Error{Archive: archivePath, Err: err}
	} else if nested != "" {
		return &Error{Archive: archivePath, Err: errors.New("nested wrapper archives are not supported")}
	}

	if err := os.RemoveAll(destDir); err != nil {
		return &Error{Archive: archivePath, Err: err}
	}
	if err := os.Rename(innerStaging, destDir); err != nil {
		return &Error{Archive: archivePath, Err: err}
	}
	return nil
}

// hoistSingleDir flattens the common "archive adds its own top-level
// folder" layout: while destDir's sole member is a directory, that
// directory's contents move up one level and the empty folder is
// removed.
func hoistSingleDir(destDir string, logger *slog.Logger) error {
	for {
		entries, err := os.ReadDir(destDir)
		if err != nil {
			return err
		}
		if len(entries) != 1 || !entries[0].IsDir() {
			return nil
		}

		logger.Info("hoisting single top-level directory", "directory", entries[0].Name())

		// Rename the folder aside first so a child sharing its name
		// cannot collide with it during the move.
		wrapper := filepath.Join(destDir, ".hoist")
		if err := os.Rename(filepath.Join(destDir, entries[0].Name()), wrapper); err != nil {
			return fmt.Errorf("hoisting %s: %w", entries[0].Name(), err)
		}

		children, err := os.ReadDir(wrapper)
		if err != nil {
			return err
		}
		for _, child := range children {
			from := filepath.Join(wrapper, child.Name())
			to := filepath.Join(destDir, child.Name())
			if err := os.Rename(from, to); err != nil {
				return fmt.Errorf("hoisting %s: %w", child.Name(), err)
			}
		}
		if err := os.Remove(wrapper); err != nil {
			return fmt.Errorf("removing hoisted directory: %w", err)
		}
	}
}

// checkMarkers verifies the payload root carries the files
// provisioning depends on.
func checkMarkers(payloadRoot string) error {
	var missing []string
	for _, marker := range []string{manifestMarker, lockMarker} {
		if _, err := os.Stat(filepath.Join(payloadRoot, marker)); errors.Is(err, fs.ErrNotExist) {
			missing = append(missing, marker)
		} else if err != nil {
			return err
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("payload root is missing required files: %s (not a release bundle)",
			strings.Join(missing, ", "))
	}
	return nil
}
