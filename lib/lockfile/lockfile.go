// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

// Package lockfile provides the advisory lock that enforces the
// one-attempt-per-root precondition. The orchestrator assumes at most
// one deployment attempt runs against an install root at a time; this
// lock turns that assumption into a fast, explicit failure instead of
// two attempts interleaving their service stops and pointer writes.
//
// The lock is flock(2)-based: it evaporates when the holding process
// exits, so a crashed deploy never wedges the next one.
package lockfile

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrHeld is returned (wrapped) by Acquire when another process holds
// the lock.
var ErrHeld = errors.New("lock is held by another process")

// Lock is a held advisory lock. Release it when the operation
// finishes; it is also released implicitly when the process exits.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive, non-blocking advisory lock on path,
// creating the file if needed. The parent directory must exist.
// Returns a wrapped ErrHeld when another process already holds the
// lock.
func Acquire(path string) (*Lock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("acquiring %s: %w", path, ErrHeld)
		}
		return nil, fmt.Errorf("acquiring lock on %s: %w", path, err)
	}

	return &Lock{file: file, path: path}, nil
}

// Path returns the lock file's path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock. The lock file itself is left in place —
// removing it would race with a concurrent Acquire on the same path
// landing between our unlock and unlink.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("releasing lock on %s: %w", l.path, err)
	}
	return nil
}
