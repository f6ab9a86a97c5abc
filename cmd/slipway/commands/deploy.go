// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/pflag"

	"github.com/slipway-sh/slipway/cmd/slipway/cli"
	"github.com/slipway-sh/slipway/lib/acquire"
	"github.com/slipway-sh/slipway/lib/config"
	"github.com/slipway-sh/slipway/lib/cutover"
	"github.com/slipway-sh/slipway/lib/github"
)

func deployCommand() *cli.Command {
	attempt := &attemptFlags{}
	var (
		artifact   string
		repository string
		tag        string
		token      string
		bootstrap  bool
		flagSet    *pflag.FlagSet
	)

	flags := func() *pflag.FlagSet {
		if flagSet == nil {
			flagSet = pflag.NewFlagSet("deploy", pflag.ContinueOnError)
			attempt.register(flagSet)
			flagSet.StringVar(&artifact, "artifact", "", "local release archive to deploy")
			flagSet.StringVar(&repository, "repository", "", "GitHub repository (owner/name) to fetch the release from")
			flagSet.StringVar(&tag, "tag", "", "release tag to deploy (default: latest)")
			flagSet.StringVar(&token, "token", "", "GitHub token (overrides environment and keyring)")
			flagSet.BoolVar(&bootstrap, "bootstrap", false, "install missing provisioning tools before deploying")
		}
		return flagSet
	}

	return &cli.Command{
		Name:    "deploy",
		Summary: "Deploy a release bundle and cut services over to it",
		Description: `Deploy a release bundle: acquire the archive, verify its checksum,
extract and provision it as a new release directory, then stop the
running services, switch the current-release pointer, and start the
services on the new release.

If the new release fails to start or report healthy, the previous
release is restored automatically. Old releases beyond the retention
count are removed after a successful deploy.`,
		Usage: "slipway deploy (--artifact <path> | --repository <owner/name> [--tag <tag>]) [flags]",
		Examples: []cli.Example{
			{
				Description: "Deploy the latest release of acme/gateway",
				Command:     "slipway deploy --repository acme/gateway",
			},
			{
				Description: "Deploy a specific tag",
				Command:     "slipway deploy --repository acme/gateway --tag v2.1.0",
			},
			{
				Description: "Deploy a locally built bundle",
				Command:     "slipway deploy --artifact dist/gateway-v2.1.0.tar.gz",
			},
			{
				Description: "First deploy on a fresh host, installing uv if missing",
				Command:     "slipway deploy --repository acme/gateway --bootstrap",
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

			acquireFn, err := selectSource(configuration, artifact, repository, tag, token, logger)
			if err != nil {
				return err
			}

			h, err := openHost(configuration, cutover.OperationDeploy, logger)
			if err != nil {
				return err
			}
			defer h.Close()

			result, err := h.pipeline.Deploy(ctx, cutover.DeployOptions{
				Acquire:   acquireFn,
				Bootstrap: bootstrap,
			})
			if err != nil {
				return err
			}
			fmt.Printf("deployed %s to %s (attempt %s, log %s)\n",
				result.Target, configuration.Root, result.ID, h.log.Path())
			return nil
		},
	}
}

// selectSource picks the artifact source for a deploy: an explicit
// local archive, or a GitHub repository from the flag or the config
// file.
func selectSource(configuration *config.Config, artifact, repository, tag, token string, logger *slog.Logger) (cutover.AcquireFunc, error) {
	if artifact != "" && repository != "" {
		return nil, fmt.Errorf("--artifact and --repository are mutually exclusive")
	}
	if artifact != "" {
		if tag != "" {
			return nil, fmt.Errorf("--tag applies only to --repository deploys")
		}
		return func(ctx context.Context, destDir string) (acquire.Artifact, error) {
			return acquire.Local(artifact)
		}, nil
	}

	if repository == "" {
		repository = configuration.Source.Repository
	}
	if repository == "" {
		return nil, fmt.Errorf("an artifact source is required: --artifact <path>, --repository <owner/name>, or source.repository in %s", config.FileName)
	}

	tokenValue, tokenSource := resolveToken(token, logger)
	logger.Debug("github authentication", "source", tokenSource)
	client, err := github.NewClient(github.Config{
		Token:  tokenValue,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	remote := acquire.NewRemote(client, configuration.Source.AssetSuffix, logger)
	return func(ctx context.Context, destDir string) (acquire.Artifact, error) {
		return remote.Fetch(ctx, repository, tag, destDir)
	}, nil
}
