// ABOUTME: Typed error kinds for upstream service-desk API failures.
// ABOUTME: Distinguishes auth, network, and structured upstream rejections for retry decisions.

package upstream

import (
	"errors"
	"fmt"
)

// Authentication errors
var (
	// ErrInvalidCredentials indicates the login endpoint rejected the
	// configured credentials. Terminal; never retried automatically.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrAuthenticationFailed indicates the login exchange failed for a
	// reason other than rejected credentials.
	ErrAuthenticationFailed = errors.New("authentication failed")
)

// APIError is a structured rejection from the upstream API, carrying the
// operation context so callers can report what was attempted.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: upstream returned %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: upstream returned %d", e.Method, e.Path, e.StatusCode)
}

// IsClientError reports whether the rejection is a 4xx-class error.
func (e *APIError) IsClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// NetworkError wraps a connection or timeout failure so callers can
// distinguish transient transport problems from upstream rejections.
type NetworkError struct {
	Op      string
	Err     error
	Timeout bool
}

func (e *NetworkError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s: request timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: connection failed: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Retryable reports whether the caller may reasonably retry the request.
func (e *NetworkError) Retryable() bool { return true }
