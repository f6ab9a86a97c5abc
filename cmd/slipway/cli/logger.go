// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"log/slog"
	"os"

	"golang.org/x/term"
)

// NewLogger creates the structured logger handed to command Run
// functions. When stderr is a terminal it uses slog.TextHandler for
// human-readable output; when stderr is piped or redirected (cron,
// scripts, CI) it uses slog.JSONHandler for machine-parseable output.
//
// The operation log under <root>/logs/deployments is separate: it
// mirrors through this logger but persists in its own format.
func NewLogger() *slog.Logger {
	var handler slog.Handler
	options := &slog.HandlerOptions{Level: slog.LevelInfo}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(handler)
}
