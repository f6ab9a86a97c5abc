// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

// Package journal provides the attempt journal: a single atomic state
// file recording a cutover attempt that has passed the point of no
// easy return (the pointer switch). The orchestrator writes the
// journal immediately before switching the current-release pointer
// and clears it at every terminal outcome, success or failure.
//
// A journal found at the start of a new attempt is crash evidence: a
// prior orchestrator process died mid-cutover (power loss, SIGKILL).
// The new attempt reports it and clears it. The journal is not a
// resume mechanism — recovery is always a fresh deploy or rollback.
//
// The file is written atomically (write to temporary file, fsync,
// rename) so readers never see a partial or corrupt record.
package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/slipway-sh/slipway/lib/codec"
)

// Record is the state of an in-flight cutover attempt.
type Record struct {
	// AttemptID is the UUID of the attempt that wrote the journal.
	AttemptID string `cbor:"attempt_id"`

	// Operation is "deploy" or "rollback".
	Operation string `cbor:"operation"`

	// Target is the version being cut over to.
	Target string `cbor:"target"`

	// Previous is the version that was active when the attempt
	// started. Empty on a first-ever deployment.
	Previous string `cbor:"previous,omitempty"`

	// StartedAt is when the attempt began, second precision.
	StartedAt time.Time `cbor:"started_at"`
}

// Write atomically writes the journal. The parent directory must
// already exist. Mode 0600: the journal is orchestrator-private state.
func Write(path string, record Record) error {
	record.StartedAt = record.StartedAt.Truncate(time.Second)
	data, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding journal record: %w", err)
	}

	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating temporary journal file: %w", err)
	}

	// Write, sync, close, rename — in that order. If any step fails,
	// remove the temporary file and report the first error.
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary journal file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary journal file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary journal file: %w", err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming journal file into place: %w", err)
	}

	// Sync the parent directory so the rename survives power loss
	// between the rename and the OS flushing directory metadata.
	parentDirectory, err := os.Open(filepath.Dir(path))
	if err == nil {
		parentDirectory.Sync()
		parentDirectory.Close()
	}

	return nil
}

// Read reads and parses the journal. When the file does not exist,
// the returned error wraps os.ErrNotExist (testable with errors.Is).
func Read(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}

	var record Record
	if err := codec.Unmarshal(data, &record); err != nil {
		return Record{}, fmt.Errorf("parsing journal file %s: %w", path, err)
	}
	return record, nil
}

// Check reads the journal, distinguishing "no journal" from "journal
// present" from "journal unreadable". Returns (record, true, nil) when
// a prior attempt left evidence behind, (zero, false, nil) when the
// file does not exist, and the error otherwise (permission denied,
// corrupt record) so the caller can surface it rather than silently
// proceeding.
func Check(path string) (Record, bool, error) {
	record, err := Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	return record, true, nil
}

// Clear removes the journal. Idempotent: returns nil when the file
// does not exist.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing journal file: %w", err)
	}
	return nil
}
