// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

// Package health confirms that freshly started units actually stay
// up. A unit that accepts a start command and crashes moments later
// looks successful to the service manager; the monitor catches it by
// polling status until running is observed or the attempt budget is
// spent.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/slipway-sh/slipway/lib/clock"
	"github.com/slipway-sh/slipway/lib/poll"
	"github.com/slipway-sh/slipway/lib/unit"
)

const (
	defaultAttempts = 5
	defaultInterval = 2 * time.Second
)

// Error reports a failed health check. It names the unit that kept
// the check from passing and the last status observed for it.
type Error struct {
	// Unit is the first unit that never reported running.
	Unit string

	// LastStatus is the final status observed for the unit.
	LastStatus unit.Status

	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("health check failed: unit %s is %s: %v", e.Unit, e.LastStatus, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Config configures a Monitor. Zero values fall back to five attempts
// two seconds apart, the real clock, and the default logger.
type Config struct {
	Registry unit.Registry
	Attempts int
	Interval time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Monitor polls unit status after a cutover. It is stateless between
// calls; one Monitor can serve any number of attempts.
type Monitor struct {
	registry unit.Registry
	attempts int
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

// NewMonitor creates a Monitor from the given configuration.
func NewMonitor(config Config) *Monitor {
	monitor := &Monitor{
		registry: config.Registry,
		attempts: config.Attempts,
		interval: config.Interval,
		clock:    config.Clock,
		logger:   config.Logger,
	}
	if monitor.attempts < 1 {
		monitor.attempts = defaultAttempts
	}
	if monitor.interval <= 0 {
		monitor.interval = defaultInterval
	}
	if monitor.clock == nil {
		monitor.clock = clock.Real()
	}
	if monitor.logger == nil {
		monitor.logger = slog.Default()
	}
	return monitor
}

// Wait polls each named unit in order until it reports running, up to
// the configured attempt budget per unit. A unit is healthy once
// running is observed on any attempt; it stays unhealthy if the budget
// is spent without one, which covers units that accept a start and
// crash immediately after. The first unhealthy unit fails the whole
// check.
func (m *Monitor) Wait(ctx context.Context, names []string) error {
	for _, name := range names {
		if err := m.waitOne(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func (m *Monitor) waitOne(ctx context.Context, name string) error {
	lastStatus := unit.StatusUnknown
	attempt := 0
	err := poll.Until(ctx, m.clock, m.attempts, m.interval, func(ctx context.Context) (bool, error) {
		attempt++
		status, err := m.registry.Status(ctx, name)
		if err != nil {
			return false, err
		}
		lastStatus = status
		m.logger.Debug("health poll",
			"unit", name, "attempt", attempt, "status", status.String())
		return status == unit.StatusRunning, nil
	})
	if err != nil {
		return &Error{Unit: name, LastStatus: lastStatus, Err: err}
	}
	m.logger.Info("unit healthy", "unit", name, "attempts", attempt)
	return nil
}
