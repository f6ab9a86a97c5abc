// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

package github

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"
)

// Release is a GitHub release.
type Release struct {
	// TagName is the git tag the release points at, e.g. "v2.1.0".
	TagName string `json:"tag_name"`

	// Name is the human-readable release title.
	Name string `json:"name"`

	// Draft reports whether the release is an unpublished draft.
	Draft bool `json:"draft"`

	// Prerelease reports whether the release is marked as a
	// prerelease.
	Prerelease bool `json:"prerelease"`

	// PublishedAt is when the release was published.
	PublishedAt time.Time `json:"published_at"`

	// Assets are the files attached to the release.
	Assets []Asset `json:"assets"`
}

// Asset is a file attached to a release.
type Asset struct {
	// Name is the asset filename, e.g. "gateway-v2.1.0.tar.gz".
	Name string `json:"name"`

	// Size is the asset size in bytes.
	Size int64 `json:"size"`

	// URL is the API endpoint for the asset. Requesting it with
	// Accept: application/octet-stream returns the content; this works
	// for both public and private repositories.
	URL string `json:"url"`

	// BrowserDownloadURL is the public download URL.
	BrowserDownloadURL string `json:"browser_download_url"`
}

// AssetsMatching returns the assets whose name ends with suffix. An
// empty suffix matches every asset.
func (r *Release) AssetsMatching(suffix string) []Asset {
	var matched []Asset
	for _, asset := range r.Assets {
		if strings.HasSuffix(asset.Name, suffix) {
			matched = append(matched, asset)
		}
	}
	return matched
}

// LatestRelease fetches the latest published, non-prerelease release
// of a repository ("owner/name"). Repositories with only prereleases
// or drafts return a 404 *APIError.
func (client *Client) LatestRelease(ctx context.Context, repository string) (*Release, error) {
	if err := validateRepository(repository); err != nil {
		return nil, err
	}
	var release Release
	if err := client.get(ctx, "/repos/"+repository+"/releases/latest", &release); err != nil {
		return nil, fmt.Errorf("resolving latest release of %s: %w", repository, err)
	}
	return &release, nil
}

// ReleaseByTag fetches the release for a specific tag. A tag with no
// release returns a 404 *APIError.
func (client *Client) ReleaseByTag(ctx context.Context, repository, tag string) (*Release, error) {
	if err := validateRepository(repository); err != nil {
		return nil, err
	}
	if tag == "" {
		return nil, fmt.Errorf("github: release tag must not be empty")
	}
	var release Release
	path := "/repos/" + repository + "/releases/tags/" + url.PathEscape(tag)
	if err := client.get(ctx, path, &release); err != nil {
		return nil, fmt.Errorf("resolving release %s of %s: %w", tag, repository, err)
	}
	return &release, nil
}

// DownloadAsset streams an asset's content to destination and returns
// the number of bytes written. When the asset reports a size, a short
// or long read is an error: the digest check downstream would catch
// corruption, but a size mismatch names the failure precisely.
func (client *Client) DownloadAsset(ctx context.Context, asset Asset, destination io.Writer) (int64, error) {
	response, err := client.doRaw(ctx, asset.URL, "application/octet-stream")
	if err != nil {
		return 0, fmt.Errorf("downloading asset %s: %w", asset.Name, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxMetadataBody))
		return 0, fmt.Errorf("downloading asset %s: %w", asset.Name, parseAPIError(response.StatusCode, body))
	}

	written, err := io.Copy(destination, response.Body)
	if err != nil {
		return written, fmt.Errorf("downloading asset %s: %w", asset.Name, err)
	}
	if asset.Size > 0 && written != asset.Size {
		return written, fmt.Errorf("downloading asset %s: size mismatch (got %d bytes, want %d)", asset.Name, written, asset.Size)
	}
	return written, nil
}

// validateRepository checks the "owner/name" coordinate form.
func validateRepository(repository string) error {
	owner, name, found := strings.Cut(repository, "/")
	if !found || owner == "" || name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("github: invalid repository %q (want \"owner/name\")", repository)
	}
	return nil
}
