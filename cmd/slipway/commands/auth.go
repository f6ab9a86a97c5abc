// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/zalando/go-keyring"
	"golang.org/x/term"

	"github.com/slipway-sh/slipway/cmd/slipway/cli"
)

func authCommand() *cli.Command {
	return &cli.Command{
		Name:    "auth",
		Summary: "Manage the stored GitHub token",
		Description: `Manage the GitHub token used for fetching release artifacts from
private repositories. The token is stored in the system keyring under
the "slipway" service.

Hosts without a keyring can set ` + tokenEnvVar + ` instead, directly
or via a .env file in the working directory.`,
		Subcommands: []*cli.Command{
			authLoginCommand(),
			authLogoutCommand(),
			authShowCommand(),
		},
	}
}

func authLoginCommand() *cli.Command {
	var token string
	var flagSet *pflag.FlagSet

	makeFlags := func() *pflag.FlagSet {
		if flagSet == nil {
			flagSet = pflag.NewFlagSet("login", pflag.ContinueOnError)
			flagSet.StringVar(&token, "token", "", "token value (prompted when omitted)")
		}
		return flagSet
	}

	return &cli.Command{
		Name:    "login",
		Summary: "Store a GitHub token in the system keyring",
		Usage:   "slipway auth login [--token <token>]",
		Flags:   makeFlags,
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			value := token
			if value == "" {
				read, err := promptToken()
				if err != nil {
					return err
				}
				value = read
			}
			if value == "" {
				return fmt.Errorf("a token is required")
			}
			if err := keyring.Set(keyringService, keyringTokenKey, value); err != nil {
				return fmt.Errorf("storing token in system keyring: %w", err)
			}
			fmt.Println("token stored in system keyring")
			return nil
		},
	}
}

func authLogoutCommand() *cli.Command {
	return &cli.Command{
		Name:    "logout",
		Summary: "Remove the GitHub token from the system keyring",
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			err := keyring.Delete(keyringService, keyringTokenKey)
			if errors.Is(err, keyring.ErrNotFound) {
				fmt.Println("no token stored")
				return nil
			}
			if err != nil {
				return fmt.Errorf("removing token from system keyring: %w", err)
			}
			fmt.Println("token removed from system keyring")
			return nil
		},
	}
}

func authShowCommand() *cli.Command {
	return &cli.Command{
		Name:    "show",
		Summary: "Show where the GitHub token would come from",
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			token, source := resolveToken("", logger)
			if token == "" {
				fmt.Println("no token configured; GitHub access is anonymous")
				return nil
			}
			fmt.Printf("token %s (from %s)\n", maskToken(token), source)
			return nil
		},
	}
}

// promptToken reads a token from the terminal without echo, or from
// piped stdin.
func promptToken() (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "GitHub token: ")
		value, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading token: %w", err)
		}
		return strings.TrimSpace(string(value)), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading token from stdin: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// maskToken keeps just enough of the token to recognize it.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "********"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
