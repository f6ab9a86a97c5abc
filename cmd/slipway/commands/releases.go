// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/slipway-sh/slipway/cmd/slipway/cli"
)

func releasesCommand() *cli.Command {
	flags := &rootFlags{}
	var flagSet *pflag.FlagSet

	makeFlags := func() *pflag.FlagSet {
		if flagSet == nil {
			flagSet = pflag.NewFlagSet("releases", pflag.ContinueOnError)
			flags.register(flagSet)
		}
		return flagSet
	}

	return &cli.Command{
		Name:    "releases",
		Summary: "List the release directories on disk",
		Description: `List the release directories under the install root, newest first,
with their recorded source and the active marker.`,
		Usage: "slipway releases [flags]",
		Flags: makeFlags,
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			store, _, err := openReadOnly(flags)
			if err != nil {
				return err
			}

			current, err := store.Current()
			if err != nil {
				return fmt.Errorf("reading current release pointer: %w", err)
			}
			entries, err := store.List()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("no releases")
				return nil
			}
			writeReleaseTable(os.Stdout, entries, current)
			return nil
		},
	}
}
