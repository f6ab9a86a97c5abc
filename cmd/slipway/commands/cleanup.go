// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/spf13/pflag"

	"github.com/slipway-sh/slipway/cmd/slipway/cli"
)

func cleanupCommand() *cli.Command {
	flags := &attemptFlags{}
	var (
		unitPatterns []string
		removePaths  bool
		purge        bool
		confirm      bool
		flagSet      *pflag.FlagSet
	)

	makeFlags := func() *pflag.FlagSet {
		if flagSet == nil {
			flagSet = pflag.NewFlagSet("cleanup", pflag.ContinueOnError)
			flags.register(flagSet)
			flagSet.StringArrayVar(&unitPatterns, "unit-pattern", []string{"gateway-*"}, "unit name pattern to stop and deregister (repeatable)")
			flagSet.BoolVar(&removePaths, "remove-paths", false, "remove the releases, trash, and state directories under the root")
			flagSet.BoolVar(&purge, "purge", false, "also remove the current release pointer")
			flagSet.BoolVar(&confirm, "confirm", false, "actually perform the cleanup")
		}
		return flagSet
	}

	return &cli.Command{
		Name:    "cleanup",
		Summary: "Decommission managed units and slipway state on this host",
		Description: `Stop and deregister the service units matching the given patterns,
and optionally remove the release directories and slipway state under
the install root. The data directory is never touched: it holds
gateway state that outlives releases.

Without --confirm, prints what would be done and exits non-zero.`,
		Usage: "slipway cleanup --confirm [flags]",
		Examples: []cli.Example{
			{
				Description: "Remove the gateway units but keep releases on disk",
				Command:     "slipway cleanup --confirm",
			},
			{
				Description: "Full decommission: units, releases, state, and pointer",
				Command:     "slipway cleanup --remove-paths --purge --confirm",
			},
		},
		Flags: makeFlags,
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			configuration, err := flags.resolveConfig(flagSet)
			if err != nil {
				return err
			}

			if !confirm {
				fmt.Printf("cleanup of %s would:\n", configuration.Root)
				fmt.Printf("  stop and deregister units matching %v\n", unitPatterns)
				if removePaths {
					fmt.Println("  remove the releases, trash, and state directories")
				}
				if purge {
					fmt.Println("  remove the current release pointer")
				}
				fmt.Println("pass --confirm to proceed")
				return &cli.ExitError{Code: 1}
			}

			h, err := openHost(configuration, "cleanup", logger)
			if err != nil {
				return err
			}
			defer h.Close()

			names, err := matchUnits(h.registry, unitPatterns)
			if err != nil {
				return err
			}

			var errs []error
			for _, name := range names {
				if err := h.registry.Stop(ctx, name, configuration.StopTimeout()); err != nil {
					h.log.Warningf("stopping %s: %v", name, err)
				}
				if err := h.registry.Deregister(ctx, name); err != nil {
					errs = append(errs, fmt.Errorf("deregistering %s: %w", name, err))
					continue
				}
				h.log.Infof("stopped and deregistered %s", name)
			}

			if removePaths {
				for _, dir := range []string{h.store.ReleasesDir(), h.store.TrashDir(), h.store.StateDir()} {
					if err := os.RemoveAll(dir); err != nil {
						errs = append(errs, fmt.Errorf("removing %s: %w", dir, err))
						continue
					}
					h.log.Infof("removed %s", dir)
				}
			}
			if purge {
				if err := h.store.RemovePointer(); err != nil {
					errs = append(errs, fmt.Errorf("removing release pointer: %w", err))
				} else {
					h.log.Infof("removed current release pointer")
				}
			}

			if err := errors.Join(errs...); err != nil {
				return err
			}
			fmt.Printf("cleanup complete: %d units removed from %s\n", len(names), configuration.Root)
			return nil
		},
	}
}

// unitLister is the slice of the registry cleanup needs to discover
// installed units.
type unitLister interface {
	Installed(pattern string) ([]string, error)
}

// matchUnits resolves the unit patterns against installed unit files,
// deduplicated and sorted.
func matchUnits(registry unitLister, patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	for _, pattern := range patterns {
		names, err := registry.Installed(pattern)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			seen[name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
