// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

// Package poll provides bounded condition polling with a fixed
// interval. Service stop waits, service-manager deregistration
// settling, and post-start health checks are all instances of the same
// loop: try, wait, try again, give up after a fixed number of
// attempts. This package is that loop, written once.
package poll

import (
	"context"
	"errors"
	"fmt"

	"time"

	"github.com/slipway-sh/slipway/lib/clock"
)

// ErrExhausted is returned (wrapped) by Until when the condition never
// reported done within the attempt budget. Callers that need to
// distinguish "condition never held" from a condition error use
// errors.Is.
var ErrExhausted = errors.New("attempts exhausted")

// Condition reports whether polling is done. Returning an error aborts
// the poll immediately; the error is returned to the caller as-is.
type Condition func(ctx context.Context) (done bool, err error)

// Until calls condition up to attempts times, waiting interval between
// calls. The first call happens immediately. Returns nil as soon as the
// condition reports done, the condition's error if it returns one, the
// context's error if the context is canceled while waiting, and a
// wrapped ErrExhausted if all attempts are used up.
//
// attempts must be at least 1 and interval must be non-negative.
func Until(ctx context.Context, clk clock.Clock, attempts int, interval time.Duration, condition Condition) error {
	if attempts < 1 {
		return fmt.Errorf("poll: attempts must be at least 1, got %d", attempts)
	}
	if interval < 0 {
		return fmt.Errorf("poll: negative interval %v", interval)
	}

	for attempt := 1; ; attempt++ {
		done, err := condition(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if attempt == attempts {
			return fmt.Errorf("poll: %w after %d attempts over %v",
				ErrExhausted, attempts, time.Duration(attempts-1)*interval)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(interval):
		}
	}
}
