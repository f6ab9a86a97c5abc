// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/pflag"

	"github.com/slipway-sh/slipway/cmd/slipway/cli"
	"github.com/slipway-sh/slipway/lib/cutover"
)

func rollbackCommand() *cli.Command {
	attempt := &attemptFlags{}
	var (
		version string
		flagSet *pflag.FlagSet
	)

	flags := func() *pflag.FlagSet {
		if flagSet == nil {
			flagSet = pflag.NewFlagSet("rollback", pflag.ContinueOnError)
			attempt.register(flagSet)
			flagSet.StringVar(&version, "version", "", "release to activate (default: the newest release older than the active one)")
		}
		return flagSet
	}

	return &cli.Command{
		Name:    "rollback",
		Summary: "Re-activate a release that is already on disk",
		Description: `Re-activate an earlier release using the same stop/switch/start/verify
protocol as a deploy. Nothing is downloaded or extracted: the target
must already be a fully provisioned release directory.

Without --version, the newest release older than the active one is
selected.`,
		Usage: "slipway rollback [--version <version>] [flags]",
		Examples: []cli.Example{
			{
				Description: "Roll back to the release that was active before this one",
				Command:     "slipway rollback",
			},
			{
				Description: "Roll back to a specific version",
				Command:     "slipway rollback --version v2.0.3",
			},
		},
		Flags: flags,
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			configuration, err := attempt.resolveConfig(flagSet)
			if err != nil {
				return err
			}

			h, err := openHost(configuration, cutover.OperationRollback, logger)
			if err != nil {
				return err
			}
			defer h.Close()

			result, err := h.pipeline.Rollback(ctx, cutover.RollbackOptions{Version: version})
			if err != nil {
				return err
			}
			fmt.Printf("rolled back to %s on %s (attempt %s, log %s)\n",
				result.Target, configuration.Root, result.ID, h.log.Path())
			return nil
		},
	}
}
