// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import "fmt"

// ExitError signals a non-zero exit code without printing an extra
// error message. When a command returns an ExitError, main exits with
// the given code and prints nothing; the command is expected to have
// already written its own output.
//
// This suits commands where a non-zero exit is a valid outcome (such
// as cleanup declining to act without --confirm) rather than an
// unexpected error to display.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// ExitCode returns the exit code. main checks for this interface on
// returned errors to distinguish a handled non-zero exit from an
// unexpected error.
func (e *ExitError) ExitCode() int {
	return e.Code
}
