// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

package unit

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"
)

// Fake is an in-memory Registry for tests. It records the order of
// mutating operations and supports failure injection per unit, so
// cutover and rollback sequences can be exercised without a service
// manager.
type Fake struct {
	mu         sync.Mutex
	registered map[string]Definition
	running    map[string]bool

	// Ops records mutating operations in order, e.g. "start
	// gateway-mwl". Status calls are not recorded.
	Ops []string

	// RegisterErrors, DeregisterErrors, StartErrors, StopErrors, and
	// StatusErrors inject a failure for the named unit. A stop failure
	// leaves the unit running, as a stop timeout would.
	RegisterErrors   map[string]error
	DeregisterErrors map[string]error
	StartErrors      map[string]error
	StopErrors       map[string]error
	StatusErrors     map[string]error

	// StartErrorsOnce injects a single Start failure per unit,
	// consumed on use, so a forward pass can fail while a later
	// rollback start of the same unit succeeds.
	StartErrorsOnce map[string]error

	// NeverHealthy lists units that accept Start but never report
	// running, simulating a crash immediately after starting.
	NeverHealthy map[string]bool
}

// NewFake creates an empty fake registry.
func NewFake() *Fake {
	return &Fake{
		registered:       make(map[string]Definition),
		running:          make(map[string]bool),
		RegisterErrors:   make(map[string]error),
		DeregisterErrors: make(map[string]error),
		StartErrors:      make(map[string]error),
		StopErrors:       make(map[string]error),
		StatusErrors:     make(map[string]error),
		StartErrorsOnce:  make(map[string]error),
		NeverHealthy:     make(map[string]bool),
	}
}

func (f *Fake) record(op, name string) {
	f.Ops = append(f.Ops, op+" "+name)
}

// Register implements Registry.
func (f *Fake) Register(ctx context.Context, definition Definition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("register", definition.Name)
	if err := f.RegisterErrors[definition.Name]; err != nil {
		return &ControlError{Unit: definition.Name, Command: "systemctl enable " + definition.Name, Err: err}
	}
	f.registered[definition.Name] = definition
	return nil
}

// Deregister implements Registry. Unknown units are a no-op.
func (f *Fake) Deregister(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("deregister", name)
	if err := f.DeregisterErrors[name]; err != nil {
		return &ControlError{Unit: name, Command: "systemctl disable " + name, Err: err}
	}
	delete(f.registered, name)
	delete(f.running, name)
	return nil
}

// Start implements Registry.
func (f *Fake) Start(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start", name)
	if err := f.StartErrorsOnce[name]; err != nil {
		delete(f.StartErrorsOnce, name)
		return &ControlError{Unit: name, Command: "systemctl start " + name, Err: err}
	}
	if err := f.StartErrors[name]; err != nil {
		return &ControlError{Unit: name, Command: "systemctl start " + name, Err: err}
	}
	f.running[name] = true
	return nil
}

// Stop implements Registry. Unknown units are a no-op; an injected
// stop error leaves the unit running.
func (f *Fake) Stop(ctx context.Context, name string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop", name)
	if err := f.StopErrors[name]; err != nil {
		return &ControlError{Unit: name, Command: "systemctl stop " + name, Err: err}
	}
	delete(f.running, name)
	return nil
}

// Status implements Registry.
func (f *Fake) Status(ctx context.Context, name string) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.StatusErrors[name]; err != nil {
		return StatusUnknown, &ControlError{Unit: name, Command: "systemctl show " + name, Err: err}
	}
	if _, ok := f.registered[name]; !ok {
		return StatusUnknown, nil
	}
	if f.NeverHealthy[name] {
		return StatusStopped, nil
	}
	if f.running[name] {
		return StatusRunning, nil
	}
	return StatusStopped, nil
}

// Registered reports whether a unit is currently registered.
func (f *Fake) Registered(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.registered[name]
	return ok
}

// RegisteredDefinition returns the current definition for a unit.
func (f *Fake) RegisteredDefinition(name string) (Definition, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	definition, ok := f.registered[name]
	return definition, ok
}

// Running returns the names of running units, sorted.
func (f *Fake) Running() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name, running := range f.running {
		if running {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Installed returns the registered unit names matching the shell
// pattern, sorted.
func (f *Fake) Installed(pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.registered))
	for name := range f.registered {
		matched, err := path.Match(pattern, name)
		if err != nil {
			return nil, fmt.Errorf("matching unit pattern %q: %w", pattern, err)
		}
		if matched {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
