// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

// Package unit abstracts the host service manager. The Registry
// interface covers exactly the operations the cutover protocol needs:
// register, deregister, start, stop, and status. Every external call's
// result is checked; a failure surfaces as a *ControlError carrying
// the full invoked command, never as a silently ignored exit code.
package unit

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Status is a unit's state as reported by the service manager.
type Status int

const (
	// StatusUnknown means the manager does not know the unit, or
	// reported a state that maps to neither running nor stopped
	// (e.g. mid-transition).
	StatusUnknown Status = iota

	// StatusRunning means the unit is active.
	StatusRunning

	// StatusStopped means the unit is loaded but not running,
	// including crashed units.
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Definition describes a unit registration.
type Definition struct {
	// Name is the unit's logical name, e.g. "gateway-mwl".
	Name string

	// Description is a one-line summary for the service manager.
	Description string

	// Command is the absolute path of the launch wrapper. Registered
	// through the current-pointer path, so repointing never requires
	// re-registration.
	Command string

	// WorkingDir is the unit's working directory, also a pointer path.
	WorkingDir string
}

// ControlError reports a failed service-manager operation. It always
// carries the complete invoked command so an operator can re-run it by
// hand.
type ControlError struct {
	// Unit is the logical unit name.
	Unit string

	// Command is the full external command that failed.
	Command string

	// Output is the command's trimmed combined output, possibly empty.
	Output string

	Err error
}

func (e *ControlError) Error() string {
	message := fmt.Sprintf("unit %s: %q failed: %v", e.Unit, e.Command, e.Err)
	if e.Output != "" {
		output := e.Output
		const limit = 1024
		if len(output) > limit {
			output = "..." + output[len(output)-limit:]
		}
		message += ": " + output
	}
	return message
}

func (e *ControlError) Unwrap() error { return e.Err }

// newControlError trims command output into a ControlError.
func newControlError(unitName string, argv []string, output []byte, err error) *ControlError {
	return &ControlError{
		Unit:    unitName,
		Command: strings.Join(argv, " "),
		Output:  strings.TrimSpace(string(output)),
		Err:     err,
	}
}

// Registry is the service-manager abstraction the cutover protocol
// drives. Implementations must make Deregister safe to call for units
// that were never registered, and Stop safe for units the manager does
// not know, because the first deployment on a host encounters both.
type Registry interface {
	// Register installs a unit definition with the service manager and
	// enables it for boot. Registering an already registered name
	// replaces the previous definition.
	Register(ctx context.Context, definition Definition) error

	// Deregister removes a unit from the service manager, waiting
	// until the removal has settled so an immediate re-registration is
	// not rejected. Deregistering an unknown unit is a no-op.
	Deregister(ctx context.Context, name string) error

	// Start launches a registered unit.
	Start(ctx context.Context, name string) error

	// Stop halts a unit and waits up to timeout for it to reach a
	// stopped state. Stopping an unknown unit is a no-op.
	Stop(ctx context.Context, name string, timeout time.Duration) error

	// Status reports the unit's current state.
	Status(ctx context.Context, name string) (Status, error)
}
