// Package remote is the HTTP binding of the autosave persistence gateway.
// It speaks the batch save contract of the reference server and classifies
// every failure into the entity error taxonomy.
package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, remote.ErrNotFound) to check.
var (
	ErrBadRequest  = errors.New("remote: bad request")
	ErrNotFound    = errors.New("remote: not found")
	ErrConflict    = errors.New("remote: conflict")
	ErrTooLarge    = errors.New("remote: request too large")
	ErrThrottled   = errors.New("remote: throttled")
	ErrServerError = errors.New("remote: server error")
	ErrUnexpected  = errors.New("remote: unexpected status")
)

// HTTPError wraps a sentinel error with HTTP status code, request ID, and
// the response body for debugging.
type HTTPError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *HTTPError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("remote: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("remote: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// classifyStatus maps a non-2xx HTTP status code to a sentinel error.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrBadRequest
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusRequestEntityTooLarge:
		return ErrTooLarge
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return ErrUnexpected
	}
}

// isRetryable reports whether the given HTTP status code is a transient
// failure.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
