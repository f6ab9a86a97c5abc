// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"errors"
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
)

const (
	// keyringService and keyringTokenKey locate the GitHub token in
	// the system keyring.
	keyringService  = "slipway"
	keyringTokenKey = "github-token"

	// tokenEnvVar carries the GitHub token on hosts without a
	// keyring. main loads a .env file from the working directory, so
	// the variable can be pinned next to the install root.
	tokenEnvVar = "SLIPWAY_GITHUB_TOKEN"
)

// resolveToken picks the GitHub token for remote acquisition: the
// --token flag, then the SLIPWAY_GITHUB_TOKEN environment variable,
// then the system keyring. An empty token means anonymous access,
// which suffices for public repositories.
//
// Keyring failures other than not-found are reported and treated as
// no stored token: headless hosts often have no keyring daemon, and
// that must not block a deploy that does not need authentication.
func resolveToken(flagValue string, logger *slog.Logger) (token, source string) {
	if flagValue != "" {
		return flagValue, "flag"
	}
	if value := os.Getenv(tokenEnvVar); value != "" {
		return value, "environment"
	}
	value, err := keyring.Get(keyringService, keyringTokenKey)
	if err != nil {
		if !errors.Is(err, keyring.ErrNotFound) {
			logger.Debug("keyring lookup failed", "error", err)
		}
		return "", "anonymous"
	}
	return value, "keyring"
}
