package client

import (
	"errors"
	"fmt"
)

// ErrorClass labels a failure for retry decisions and metrics.
type ErrorClass string

const (
	// ErrorClassAuth marks authentication failures (401/403). Never retried.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassThrottle marks rate-limit rejections (429). Retried with
	// linearly growing waits.
	ErrorClassThrottle ErrorClass = "throttle"

	// ErrorClassTransient marks timeouts, connection errors, and other
	// HTTP failures. Retried with exponential backoff.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassAPI marks responses that parsed but carry an API error
	// payload. Never retried.
	ErrorClassAPI ErrorClass = "api"
)

// ErrPolicyViolation is returned when the retry loop ends without recording
// either a result or a failure. It indicates a bug, not an API condition.
var ErrPolicyViolation = errors.New("request loop ended without a recorded failure")

// AuthError is an authentication failure. Fatal: the API key is invalid or
// lacks access, retrying cannot help.
type AuthError struct {
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (status %d)", e.StatusCode)
}

// ThrottleError is a rate-limit rejection from the API.
type ThrottleError struct {
	StatusCode int
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("rate limited by API (status %d)", e.StatusCode)
}

// TransientError is a timeout, connection failure, or retryable HTTP error.
// StatusCode is zero for network-level failures.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient HTTP error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// APIError is a semantic error reported inside a parseable response body.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API returned error: %d - %s", e.Code, e.Message)
}

// Classify maps an error to its class. Unclassified errors return "".
func Classify(err error) ErrorClass {
	var authErr *AuthError
	var throttleErr *ThrottleError
	var transientErr *TransientError
	var apiErr *APIError

	switch {
	case errors.As(err, &authErr):
		return ErrorClassAuth
	case errors.As(err, &throttleErr):
		return ErrorClassThrottle
	case errors.As(err, &transientErr):
		return ErrorClassTransient
	case errors.As(err, &apiErr):
		return ErrorClassAPI
	default:
		return ""
	}
}

// shouldRetry reports whether a failure class is retryable at all.
func shouldRetry(class ErrorClass) bool {
	switch class {
	case ErrorClassThrottle, ErrorClassTransient:
		return true
	default:
		// Auth and API errors are final; unknown failures are propagated
		// untouched rather than hammered against the API.
		return false
	}
}
