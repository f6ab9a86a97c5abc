// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

package release

import (
	"fmt"
	"strings"
)

// archiveSuffixes are the artifact name endings stripped before
// deriving a version, longest match first.
var archiveSuffixes = []string{
	".tar.gz", ".tar.zst", ".tar.lz4", ".tgz", ".tar", ".zip",
}

// VersionFromArtifact derives a release version from an artifact
// filename. The archive suffix is stripped, then the version is the
// portion starting at the first dash-separated segment that looks like
// a version number ("v2.1.0", "2.1.0", "20260201"). An artifact name
// with no such segment is its own version.
//
//	gateway-v2.1.0.tar.gz   -> v2.1.0
//	gateway-2.1.0-rc1.zip   -> 2.1.0-rc1
//	v3.0.0.tar.zst          -> v3.0.0
//	nightly.tar.gz          -> nightly
func VersionFromArtifact(filename string) (string, error) {
	stem := filename
	for _, suffix := range archiveSuffixes {
		if strings.HasSuffix(stem, suffix) {
			stem = strings.TrimSuffix(stem, suffix)
			break
		}
	}
	if stem == "" {
		return "", fmt.Errorf("deriving version from artifact %q: empty name", filename)
	}

	segments := strings.Split(stem, "-")
	for i, segment := range segments {
		if isVersionSegment(segment) {
			version := strings.Join(segments[i:], "-")
			if err := ValidateVersion(version); err != nil {
				return "", fmt.Errorf("deriving version from artifact %q: %w", filename, err)
			}
			return version, nil
		}
	}

	if err := ValidateVersion(stem); err != nil {
		return "", fmt.Errorf("deriving version from artifact %q: %w", filename, err)
	}
	return stem, nil
}

// isVersionSegment reports whether a dash-separated segment starts a
// version: a digit, or "v" followed by a digit.
func isVersionSegment(segment string) bool {
	if segment == "" {
		return false
	}
	if segment[0] == 'v' && len(segment) > 1 {
		segment = segment[1:]
	}
	return segment[0] >= '0' && segment[0] <= '9'
}

// ValidateVersion checks that a version string is usable as a release
// directory name.
func ValidateVersion(version string) error {
	switch {
	case version == "":
		return fmt.Errorf("version must not be empty")
	case version == "." || version == "..":
		return fmt.Errorf("version %q is not a valid directory name", version)
	case strings.HasPrefix(version, "."):
		return fmt.Errorf("version %q must not start with a dot", version)
	case strings.ContainsAny(version, "/\x00"):
		return fmt.Errorf("version %q must not contain path separators", version)
	case strings.ContainsAny(version, " \t\n"):
		return fmt.Errorf("version %q must not contain whitespace", version)
	}
	return nil
}
