// Package remote provides the HTTP client for the spreadsheet sync endpoint:
// incremental fetch, change probing, and change push, with error
// classification by status code.
package remote

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, remote.ErrGone) to check.
var (
	ErrBadRequest       = errors.New("remote: bad request")
	ErrNotFound         = errors.New("remote: not found")
	ErrConflict         = errors.New("remote: conflict")
	ErrGone             = errors.New("remote: version gone")
	ErrThrottled        = errors.New("remote: throttled")
	ErrServerError      = errors.New("remote: server error")
	ErrUnexpectedStatus = errors.New("remote: unexpected status")
)

// Error wraps a sentinel error with the HTTP status code and the response
// body for debugging.
type Error struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration // set from the Retry-After header on 429
	Err        error         // sentinel, for errors.Is()
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote: HTTP %d", e.StatusCode)
	}

	return fmt.Sprintf("remote: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsHTTPError reports whether err carries a server response. A response of
// any status means the endpoint was reachable.
func IsHTTPError(err error) bool {
	var re *Error
	return errors.As(err, &re)
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusGone:
		return ErrGone
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusOK && code < http.StatusMultipleChoices {
			return nil
		}

		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return ErrUnexpectedStatus
	}
}

// isRetryable reports whether a push that failed with code may be retried.
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
