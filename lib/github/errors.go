// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

package github

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// APIError represents an error response from the GitHub API.
type APIError struct {
	// StatusCode is the HTTP status code of the response.
	StatusCode int

	// Message is the error message from the response body.
	Message string

	// DocumentationURL links to relevant GitHub documentation.
	DocumentationURL string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("github: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("github: HTTP %d", e.StatusCode)
}

// parseAPIError builds an *APIError from a non-2xx response body. The
// body is usually JSON with "message" and "documentation_url", but
// proxies can return anything; a short non-JSON body is carried as the
// message verbatim.
func parseAPIError(statusCode int, body []byte) *APIError {
	apiError := &APIError{StatusCode: statusCode}

	var parsed struct {
		Message          string `json:"message"`
		DocumentationURL string `json:"documentation_url"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		apiError.Message = parsed.Message
		apiError.DocumentationURL = parsed.DocumentationURL
	} else if len(body) > 0 && len(body) <= 512 {
		apiError.Message = strings.TrimSpace(string(body))
	}

	return apiError
}

// IsNotFound reports whether the error is a 404 response. GitHub also
// returns 404 (not 403) for private resources the token cannot see.
func IsNotFound(err error) bool {
	var apiError *APIError
	return errors.As(err, &apiError) && apiError.StatusCode == 404
}

// IsRateLimited reports whether the error is a rate-limit response:
// 429, or 403 with a rate-limit message.
func IsRateLimited(err error) bool {
	var apiError *APIError
	if !errors.As(err, &apiError) {
		return false
	}
	return isRateLimitResponse(apiError.StatusCode, apiError.Message)
}

// isRateLimitMessage distinguishes 403 rate-limit responses from 403
// permission failures by the message text.
func isRateLimitMessage(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "rate limit") || strings.Contains(lower, "abuse detection")
}
