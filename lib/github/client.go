// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

// Package github is a minimal GitHub REST client covering the release
// acquisition surface: resolve a release by tag (or latest) and
// download its assets. Authentication is an optional personal access
// token — public repositories work anonymously.
//
// Rate-limit handling lives here, in the transport, not in the
// orchestrator: the client backs off and retries once on a rate-limit
// response, and preemptively waits when the previous response reported
// an exhausted quota.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slipway-sh/slipway/lib/clock"
)

// githubAPIVersion pins the GitHub REST API version header.
const githubAPIVersion = "2022-11-28"

// defaultBaseURL is the base URL for the public GitHub API.
const defaultBaseURL = "https://api.github.com"

// maxMetadataBody caps release metadata responses. Release objects are
// a few kilobytes; anything near this limit is not a release.
const maxMetadataBody = 8 << 20

// Config holds configuration for creating a Client.
type Config struct {
	// BaseURL is the root URL for API requests. Defaults to
	// "https://api.github.com". Must use HTTPS.
	BaseURL string

	// Token is a personal access token. Optional: without it the
	// client is anonymous, which suffices for public repositories and
	// carries a lower rate limit.
	Token string

	// HTTPClient is used for all HTTP requests. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client

	// Clock provides time operations. Defaults to clock.Real().
	// Inject clock.Fake() in tests for deterministic backoff.
	Clock clock.Clock

	// Logger is used for structured logging. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Client is a GitHub REST API client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	clock      clock.Clock
	logger     *slog.Logger

	// Rate limit state from the most recent response headers.
	rateMu        sync.Mutex
	rateKnown     bool
	rateRemaining int
	rateReset     time.Time
}

// NewClient creates a GitHub API client from the given configuration.
// Returns an error for a non-HTTPS base URL.
func NewClient(config Config) (*Client, error) {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	if !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("github: API client requires HTTPS (got %q)", baseURL)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    baseURL,
		token:      config.Token,
		httpClient: httpClient,
		clock:      clk,
		logger:     logger,
	}, nil
}

// get executes a GET against a path relative to the base URL and
// decodes the JSON response into result. Non-2xx responses become
// *APIError. Retries once after backing off when rate limited.
func (client *Client) get(ctx context.Context, path string, result any) error {
	body, err := client.doWithRetry(ctx, client.baseURL+path, false)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("github: decoding response from %s: %w", path, err)
	}
	return nil
}

func (client *Client) doWithRetry(ctx context.Context, url string, isRetry bool) ([]byte, error) {
	response, err := client.doRaw(ctx, url, "application/vnd.github+json")
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxMetadataBody))
	if err != nil {
		return nil, fmt.Errorf("github: reading response body: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		apiError := parseAPIError(response.StatusCode, body)

		// Back off and retry exactly once on a rate-limit response.
		// Persistent limiting after the retry surfaces as the error.
		if !isRetry && isRateLimitResponse(response.StatusCode, apiError.Message) {
			if backoff := retryAfter(response.Header, client.clock.Now()); backoff > 0 {
				client.logger.Info("rate limited, backing off",
					"duration", backoff,
					"url", url,
				)
				select {
				case <-client.clock.After(backoff):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				return client.doWithRetry(ctx, url, true)
			}
		}

		return nil, apiError
	}

	return body, nil
}

// doRaw executes a GET with authentication and preemptive rate-limit
// waiting. The caller closes the response body.
func (client *Client) doRaw(ctx context.Context, url, accept string) (*http.Response, error) {
	if err := client.waitForRateLimit(ctx); err != nil {
		return nil, err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("github: creating request: %w", err)
	}
	if client.token != "" {
		request.Header.Set("Authorization", "Bearer "+client.token)
	}
	request.Header.Set("Accept", accept)
	request.Header.Set("X-GitHub-Api-Version", githubAPIVersion)

	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("github: GET %s: %w", url, err)
	}

	client.updateRateLimit(response.Header)
	return response, nil
}

// updateRateLimit records rate-limit state from response headers.
// Responses without the headers (asset CDN redirect targets) are
// ignored.
func (client *Client) updateRateLimit(header http.Header) {
	remaining, err := strconv.Atoi(header.Get("X-RateLimit-Remaining"))
	if err != nil {
		return
	}
	resetUnix, err := strconv.ParseInt(header.Get("X-RateLimit-Reset"), 10, 64)
	if err != nil {
		return
	}

	client.rateMu.Lock()
	defer client.rateMu.Unlock()
	client.rateKnown = true
	client.rateRemaining = remaining
	client.rateReset = time.Unix(resetUnix, 0)
}

// waitForRateLimit blocks until the quota window resets when the last
// response reported an exhausted quota. Respects context cancellation.
func (client *Client) waitForRateLimit(ctx context.Context) error {
	client.rateMu.Lock()
	exhausted := client.rateKnown && client.rateRemaining <= 0
	sleepDuration := client.rateReset.Sub(client.clock.Now())
	client.rateMu.Unlock()

	if !exhausted || sleepDuration <= 0 {
		return nil
	}

	client.logger.Info("rate limit exhausted, waiting for reset", "duration", sleepDuration)
	select {
	case <-client.clock.After(sleepDuration):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryAfter computes the backoff from a rate-limited response:
// Retry-After (seconds, secondary limits) first, then the
// X-RateLimit-Reset timestamp (primary limits). Zero when the response
// carries no usable backoff information.
func retryAfter(header http.Header, now time.Time) time.Duration {
	if seconds, err := strconv.Atoi(header.Get("Retry-After")); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if resetUnix, err := strconv.ParseInt(header.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		if duration := time.Unix(resetUnix, 0).Sub(now); duration > 0 {
			return duration
		}
	}
	return 0
}

func isRateLimitResponse(statusCode int, message string) bool {
	return statusCode == 429 || (statusCode == 403 && isRateLimitMessage(message))
}
