// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

// Command slipway deploys versioned release bundles of the imaging
// gateway onto a host and cuts its services over atomically, rolling
// back when the new release fails to come up healthy.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/slipway-sh/slipway/cmd/slipway/commands"
)

func main() {
	if err := run(); err != nil {
		// Commands that print their own output return an ExitError
		// with the desired code. Don't print a redundant "error:"
		// line for those.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A .env in the working directory can carry SLIPWAY_GITHUB_TOKEN
	// on hosts without a keyring. Absence is not an error.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return commands.Root().Execute(ctx, os.Args[1:])
}
