// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

package digest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// sha256 of the ASCII bytes "hello".
const helloSHA256 = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestHashFileSHA256(t *testing.T) {
	path := writeFile(t, "artifact.bin", "hello")
	got, err := HashFile(path, SHA256)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if got != helloSHA256 {
		t.Errorf("HashFile = %s, want %s", got, helloSHA256)
	}
}

func TestVerifyMatchIsCaseInsensitive(t *testing.T) {
	path := writeFile(t, "artifact.bin", "hello")
	if err := Verify(path, strings.ToUpper(helloSHA256)); err != nil {
		t.Fatalf("Verify with uppercase digest: %v", err)
	}
	if err := Verify(path, "sha256:"+helloSHA256); err != nil {
		t.Fatalf("Verify with algorithm prefix: %v", err)
	}
}

func TestVerifyMismatch(t *testing.T) {
	path := writeFile(t, "artifact.bin", "hello, flipped")
	err := Verify(path, helloSHA256)

	var mismatch *MismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Verify = %v, want MismatchError", err)
	}
	if mismatch.Algorithm != SHA256 {
		t.Errorf("Algorithm = %s, want sha256", mismatch.Algorithm)
	}
	if mismatch.Want != helloSHA256 {
		t.Errorf("Want = %s, want %s", mismatch.Want, helloSHA256)
	}
	if mismatch.Got == helloSHA256 {
		t.Error("Got should differ from the expected digest")
	}
}

func TestVerifyEmptyExpectedPassesThrough(t *testing.T) {
	// Pass-through must not even require a readable file.
	if err := Verify(filepath.Join(t.TempDir(), "never-created"), ""); err != nil {
		t.Fatalf("Verify with empty expected: %v", err)
	}
}

func TestVerifyBLAKE3RoundTrip(t *testing.T) {
	path := writeFile(t, "artifact.bin", "hello")
	sum, err := HashFile(path, BLAKE3)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if len(sum) != hexLength {
		t.Fatalf("blake3 digest has %d hex characters, want %d", len(sum), hexLength)
	}
	if err := Verify(path, "blake3:"+sum); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	flipped := writeFile(t, "flipped.bin", "hellO")
	var mismatch *MismatchError
	if err := Verify(flipped, "blake3:"+sum); !errors.As(err, &mismatch) {
		t.Fatalf("Verify on modified file = %v, want MismatchError", err)
	}
}

func TestParseExpectedRejectsBadInput(t *testing.T) {
	cases := []struct {
		name     string
		expected string
	}{
		{"short", "abcd"},
		{"non-hex", strings.Repeat("z", 64)},
		{"unknown algorithm", "md5:" + helloSHA256},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, _, err := ParseExpected(testCase.expected); err == nil {
				t.Errorf("ParseExpected(%q) succeeded, want error", testCase.expected)
			}
		})
	}
}

func TestParseChecksumFile(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{"bare digest", helloSHA256 + "\n", helloSHA256},
		{"sha256sum layout", helloSHA256 + "  gateway-1.4.2.tar.gz\n", helloSHA256},
		{"binary-mode marker", helloSHA256 + " *gateway-1.4.2.tar.gz\n", helloSHA256},
		{"algorithm prefix", "blake3:" + helloSHA256 + "\n", "blake3:" + helloSHA256},
		{"leading blank line", "\n" + helloSHA256 + "\n", helloSHA256},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			path := writeFile(t, "artifact.sha256", testCase.content)
			got, err := ParseChecksumFile(path)
			if err != nil {
				t.Fatalf("ParseChecksumFile: %v", err)
			}
			if got != testCase.want {
				t.Errorf("ParseChecksumFile = %q, want %q", got, testCase.want)
			}
		})
	}
}

func TestParseChecksumFileEmpty(t *testing.T) {
	path := writeFile(t, "artifact.sha256", "\n\n")
	if _, err := ParseChecksumFile(path); err == nil {
		t.Fatal("expected error for empty checksum file")
	}
}
