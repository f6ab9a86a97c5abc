// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

// Package digest computes and verifies artifact checksums. The default
// algorithm is SHA-256, the format release pipelines publish as
// ".sha256" sidecar assets. BLAKE3 is supported behind a "blake3:"
// prefix for sources that publish it.
//
// Verification is deliberately forgiving about presentation (case,
// sidecar layout) and strict about substance: a present checksum must
// match exactly, and an absent checksum is an explicit unverified
// pass-through, never an implicit mismatch.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm names a supported digest algorithm.
type Algorithm string

const (
	// SHA256 is the default algorithm for bare hex checksums.
	SHA256 Algorithm = "sha256"
	// BLAKE3 is selected by a "blake3:" prefix on the expected digest.
	BLAKE3 Algorithm = "blake3"
)

// hexLength is the hex-encoded length of both supported digests
// (32 bytes each).
const hexLength = 64

// MismatchError reports a checksum verification failure. It is fatal:
// the artifact must not be extracted.
type MismatchError struct {
	Path      string
	Algorithm Algorithm
	Want      string
	Got       string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s digest mismatch for %s: want %s, got %s",
		e.Algorithm, e.Path, e.Want, e.Got)
}

// HashFile computes the hex-encoded digest of the file at path using
// the given algorithm. The file is streamed through the hash function
// to keep memory usage constant regardless of file size.
func HashFile(path string, algorithm Algorithm) (string, error) {
	hasher, err := newHasher(algorithm)
	if err != nil {
		return "", err
	}

	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Verify checks the file at path against an expected digest. The
// expected value is either a bare hex string (SHA-256) or
// "<algorithm>:<hex>". Comparison is case-insensitive.
//
// An empty expected value is the permitted unverified pass-through:
// Verify returns nil without reading the file. Callers that require a
// checksum must enforce its presence themselves.
func Verify(path, expected string) error {
	if expected == "" {
		return nil
	}

	algorithm, want, err := ParseExpected(expected)
	if err != nil {
		return fmt.Errorf("verifying %s: %w", path, err)
	}

	got, err := HashFile(path, algorithm)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, want) {
		return &MismatchError{
			Path:      path,
			Algorithm: algorithm,
			Want:      strings.ToLower(want),
			Got:       got,
		}
	}
	return nil
}

// ParseExpected splits an expected digest into algorithm and hex
// value. Bare hex selects SHA-256. The hex value is validated for
// length and character set but not lowercased.
func ParseExpected(expected string) (Algorithm, string, error) {
	algorithm := SHA256
	value := expected

	if index := strings.IndexByte(expected, ':'); index >= 0 {
		switch Algorithm(strings.ToLower(expected[:index])) {
		case SHA256:
			algorithm = SHA256
		case BLAKE3:
			algorithm = BLAKE3
		default:
			return "", "", fmt.Errorf("unsupported digest algorithm %q", expected[:index])
		}
		value = expected[index+1:]
	}

	if len(value) != hexLength {
		return "", "", fmt.Errorf("digest is %d hex characters, want %d", len(value), hexLength)
	}
	if _, err := hex.DecodeString(value); err != nil {
		return "", "", fmt.Errorf("parsing digest: %w", err)
	}
	return algorithm, value, nil
}

// ParseChecksumFile extracts the expected digest from a checksum
// sidecar file. The common layouts are all accepted: a bare digest,
// "digest  filename" (sha256sum output, including the "*filename"
// binary-mode marker), and an algorithm-prefixed digest. Returns the
// digest in the form Verify accepts.
func ParseChecksumFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading checksum file: %w", err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		token := strings.TrimPrefix(fields[0], "*")
		if _, _, err := ParseExpected(token); err != nil {
			return "", fmt.Errorf("checksum file %s: %w", path, err)
		}
		return token, nil
	}
	return "", fmt.Errorf("checksum file %s is empty", path)
}

func newHasher(algorithm Algorithm) (hash.Hash, error) {
	switch algorithm {
	case SHA256:
		return sha256.New(), nil
	case BLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", algorithm)
	}
}
