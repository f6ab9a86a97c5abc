// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

// Package archive extracts release artifacts into staging directories.
// Supported formats are tar (plain, gzip, zstd, lz4) and zip, selected
// by filename suffix. Extraction refuses entries that would escape the
// destination directory.
//
// Beyond raw extraction, ExtractRelease implements the release bundle
// contract: wrapper archives (an archive containing exactly one inner
// archive and its checksum sidecar) are unwrapped and the inner
// archive verified, a redundant single top-level directory is hoisted
// away, and the payload root must contain the runtime manifest and
// dependency lock that provisioning needs.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Error reports a malformed, incomplete, or unsupported archive.
// Extraction failures are fatal and occur before provisioning.
type Error struct {
	// Archive is the artifact path being extracted.
	Archive string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("extracting %s: %v", e.Archive, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// archiveSuffixes lists the filename endings Extract understands,
// longest first so ".tar.gz" wins over ".gz".
var archiveSuffixes = []string{".tar.gz", ".tar.zst", ".tar.lz4", ".tgz", ".tar", ".zip"}

// IsArchiveName reports whether a filename has a supported archive
// suffix.
func IsArchiveName(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range archiveSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// Extract unpacks a single archive into destDir, which must already
// exist. Entry paths are confined to destDir; an entry that would
// land outside it fails the whole extraction.
func Extract(archivePath, destDir string) error {
	lower := strings.ToLower(filepath.Base(archivePath))
	switch {
	case strings.HasSuffix(lower, ".zip"):
		if err := extractZip(archivePath, destDir); err != nil {
			return &Error{Archive: archivePath, Err: err}
		}
	case IsArchiveName(lower):
		if err := extractTar(archivePath, destDir); err != nil {
			return &Error{Archive: archivePath, Err: err}
		}
	default:
		return &Error{Archive: archivePath, Err: errors.New("unsupported archive format")}
	}
	return nil
}

func extractTar(archivePath, destDir string) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer file.Close()

	reader, cleanup, err := decompressor(archivePath, file)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	tarReader := tar.NewReader(reader)
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar stream: %w", err)
		}

		target, err := securePath(destDir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFileEntry(target, tarReader, header.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := secureLinkTarget(destDir, target, header.Linkname); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return err
			}
		case tar.TypeXGlobalHeader, tar.TypeXHeader:
			// Metadata entries, no payload.
		default:
			return fmt.Errorf("unsupported entry type %q for %q", header.Typeflag, header.Name)
		}
	}
}

// decompressor wraps the raw archive stream according to the filename
// suffix. The cleanup func, when non-nil, releases decoder resources.
func decompressor(archivePath string, file io.Reader) (io.Reader, func(), error) {
	lower := strings.ToLower(filepath.Base(archivePath))
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		gzReader, err := gzip.NewReader(file)
		if err != nil {
			return nil, nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		return gzReader, func() { gzReader.Close() }, nil
	case strings.HasSuffix(lower, ".tar.zst"):
		zstReader, err := zstd.NewReader(file)
		if err != nil {
			return nil, nil, fmt.Errorf("opening zstd stream: %w", err)
		}
		return zstReader, zstReader.Close, nil
	case strings.HasSuffix(lower, ".tar.lz4"):
		return lz4.NewReader(file), nil, nil
	default:
		return file, nil, nil
	}
}

func extractZip(archivePath, destDir string) error {
	zipReader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("opening zip: %w", err)
	}
	defer zipReader.Close()

	for _, entry := range zipReader.File {
		target, err := securePath(destDir, entry.Name)
		if err != nil {
			return err
		}

		mode := entry.Mode()
		switch {
		case entry.FileInfo().IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case mode&os.ModeSymlink != 0:
			linkTarget, err := readZipEntry(entry)
			if err != nil {
				return err
			}
			if err := secureLinkTarget(destDir, target, linkTarget); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(linkTarget, target); err != nil {
				return err
			}
		default:
			content, err := entry.Open()
			if err != nil {
				return fmt.Errorf("opening zip entry %q: %w", entry.Name, err)
			}
			err = writeFileEntry(target, content, mode.Perm())
			content.Close()
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func readZipEntry(entry *zip.File) (string, error) {
	content, err := entry.Open()
	if err != nil {
		return "", fmt.Errorf("opening zip entry %q: %w", entry.Name, err)
	}
	defer content.Close()
	data, err := io.ReadAll(content)
	if err != nil {
		return "", fmt.Errorf("reading zip entry %q: %w", entry.Name, err)
	}
	return string(data), nil
}

func writeFileEntry(target string, content io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, content); err != nil {
		file.Close()
		return fmt.Errorf("writing %s: %w", target, err)
	}
	return file.Close()
}

// securePath confines an archive entry name to destDir.
func securePath(destDir, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("archive entry %q has an absolute path", name)
	}
	clean := filepath.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes the extraction root", name)
	}
	return filepath.Join(destDir, clean), nil
}

// secureLinkTarget rejects symlinks that resolve outside destDir.
func secureLinkTarget(destDir, linkPath, linkTarget string) error {
	if filepath.IsAbs(linkTarget) {
		return fmt.Errorf("symlink %q has an absolute target %q", linkPath, linkTarget)
	}
	resolved := filepath.Join(filepath.Dir(linkPath), linkTarget)
	relative, err := filepath.Rel(destDir, resolved)
	if err != nil || relative == ".." || strings.HasPrefix(relative, ".."+string(filepath.Separator)) {
		return fmt.Errorf("symlink %q target %q escapes the extraction root", linkPath, linkTarget)
	}
	return nil
}
