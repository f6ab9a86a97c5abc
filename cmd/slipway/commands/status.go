// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/slipway-sh/slipway/cmd/slipway/cli"
	"github.com/slipway-sh/slipway/lib/clock"
	"github.com/slipway-sh/slipway/lib/config"
	"github.com/slipway-sh/slipway/lib/release"
	"github.com/slipway-sh/slipway/lib/unit"
)

// tableTimeFormat is how release timestamps are rendered in tables.
const tableTimeFormat = "2006-01-02 15:04:05"

// rootFlags are the flags for read-only commands: just enough to
// locate the install root.
type rootFlags struct {
	root       string
	configPath string
}

func (f *rootFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.root, "root", "", "install root (default /opt/gateway, or root from config)")
	flagSet.StringVar(&f.configPath, "config", "", "config file (default <root>/slipway.yaml when present)")
}

func statusCommand() *cli.Command {
	flags := &rootFlags{}
	var flagSet *pflag.FlagSet

	makeFlags := func() *pflag.FlagSet {
		if flagSet == nil {
			flagSet = pflag.NewFlagSet("status", pflag.ContinueOnError)
			flags.register(flagSet)
		}
		return flagSet
	}

	return &cli.Command{
		Name:    "status",
		Summary: "Show the active release and service state",
		Description: `Show the install root's current state: the active release, the
release directories on disk, and the status of each managed service
unit.`,
		Usage: "slipway status [flags]",
		Flags: makeFlags,
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			store, configuration, err := openReadOnly(flags)
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

			fmt.Printf("root:    %s\n", configuration.Root)
			fmt.Printf("current: %s\n", orNone(current))

			fmt.Println()
			writeReleaseTable(os.Stdout, entries, current)

			registry := unit.NewSystemd(unit.SystemdConfig{
				Clock:  clock.Real(),
				Logger: logger,
			})
			fmt.Println()
			writer := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(writer, "UNIT\tSTATUS")
			for _, u := range configuration.Units {
				status, err := registry.Status(ctx, u.Name)
				if err != nil {
					logger.Warn("status query failed", "unit", u.Name, "error", err)
				}
				fmt.Fprintf(writer, "%s\t%s\n", u.Name, status)
			}
			return writer.Flush()
		},
	}
}

// openReadOnly resolves configuration and opens the release store
// without taking the install-root lock.
func openReadOnly(flags *rootFlags) (*release.Store, *config.Config, error) {
	attempt := &attemptFlags{root: flags.root, configPath: flags.configPath}
	// Read-only commands have no override flags; an unparsed flag set
	// reports nothing as changed.
	configuration, err := attempt.resolveConfig(pflag.NewFlagSet("readonly", pflag.ContinueOnError))
	if err != nil {
		return nil, nil, err
	}
	if _, err := os.Stat(configuration.Root); err != nil {
		return nil, nil, fmt.Errorf("install root %s: %w", configuration.Root, err)
	}
	return release.NewStore(configuration.Root, clock.Real()), configuration, nil
}

// writeReleaseTable renders the release list, newest first, marking
// the active entry.
func writeReleaseTable(w io.Writer, entries []release.Release, active string) {
	writer := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
	fmt.Fprintln(writer, "VERSION\tCREATED\tSOURCE\tSTATE")
	for _, entry := range entries {
		created := entry.ModTime
		source := "-"
		if entry.Metadata != nil {
			created = entry.Metadata.CreatedAt
			source = entry.Metadata.Source
		}
		state := ""
		if entry.Version == active {
			state = "active"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
			entry.Version, created.Format(tableTimeFormat), source, state)
	}
	writer.Flush()
}

func orNone(version string) string {
	if version == "" {
		return "(none)"
	}
	return version
}
