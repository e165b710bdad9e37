package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors for failure classification.
// Use errors.Is(err, remote.ErrNotFound) to check.
var (
	ErrBadRequest      = errors.New("remote: bad request")
	ErrUnauthorized    = errors.New("remote: unauthorized")
	ErrForbidden       = errors.New("remote: forbidden")
	ErrNotFound        = errors.New("remote: not found")
	ErrConflict        = errors.New("remote: conflict")
	ErrThrottled       = errors.New("remote: throttled")
	ErrServerError     = errors.New("remote: server error")
	ErrInvalidProperty = errors.New("remote: invalid property")
	ErrCircuitOpen     = errors.New("remote: circuit open")
	ErrRetryExhausted  = errors.New("remote: retries exhausted")
)

// RepoError wraps a sentinel error with HTTP status code and the
// API error message body for debugging.
type RepoError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *RepoError) Error() string {
	return fmt.Sprintf("remote: %s: HTTP %d: %s", e.Op, e.StatusCode, e.Message)
}

func (e *RepoError) Unwrap() error {
	return e.Err
}

// TimeoutError reports an operation that exceeded its configured deadline.
// Carries elapsed and limit for diagnostics; never retried automatically.
type TimeoutError struct {
	Op      string
	Elapsed time.Duration
	Limit   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("remote: %s timed out after %s (limit %s)", e.Op, e.Elapsed, e.Limit)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusUnprocessableEntity:
		return ErrInvalidProperty
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// IsTransient reports whether err is worth retrying: network failures,
// throttling, and 5xx responses. Timeouts and circuit-open are excluded.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsTimeout(err) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	// Caller cancellation is not a repository fault; retrying it is
	// pointless and it must not count toward tripping the breaker.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrThrottled) || errors.Is(err, ErrServerError) {
		return true
	}

	// Anything that never reached the repository (no RepoError attached)
	// is treated as a network failure.
	var re *RepoError
	return !errors.As(err, &re)
}
