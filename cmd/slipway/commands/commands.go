// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the slipway CLI command tree.
package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slipway-sh/slipway/cmd/slipway/cli"
	"github.com/slipway-sh/slipway/lib/version"
)

// Root builds and returns the complete slipway command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name: "slipway",
		Description: `Slipway: atomic release cutover for the imaging gateway.

Deploys versioned release bundles under an install root, cuts the
gateway services over to the new release behind an atomic pointer
switch, and rolls back automatically when the new release fails to
start or report healthy.`,
		Subcommands: []*cli.Command{
			deployCommand(),
			rollbackCommand(),
			statusCommand(),
			releasesCommand(),
			cleanupCommand(),
			authCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(_ context.Context, args []string, _ *slog.Logger) error {
					fmt.Printf("slipway %s\n", version.Full())
					return nil
				},
			},
		},
		Examples: []cli.Example{
			{
				Description: "Deploy the latest gateway release from GitHub",
				Command:     "slipway deploy --repository acme/gateway",
			},
			{
				Description: "Deploy a local bundle",
				Command:     "slipway deploy --artifact /tmp/gateway-v2.1.0.tar.gz",
			},
			{
				Description: "Roll back to the release that was active before this one",
				Command:     "slipway rollback",
			},
			{
				Description: "Show the pointer, releases, and service state",
				Command:     "slipway status",
			},
		},
	}
}
