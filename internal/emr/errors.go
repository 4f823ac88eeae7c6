package emr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ConflictError is the EMR's own double-booking rejection. It is never
// retried; the dialogue re-enters availability resolution instead.
type ConflictError struct {
	Detail string
}

func (e *ConflictError) Error() string {
	if e.Detail == "" {
		return "emr: slot conflict"
	}
	return "emr: slot conflict: " + e.Detail
}

// APIError is a non-2xx EMR response that is not a conflict.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("emr: API error (status %d): %s", e.StatusCode, e.Body)
}

// Transient reports whether the response is worth retrying.
func (e *APIError) Transient() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return e.StatusCode >= 500
}

// IsConflict reports whether err is the EMR's double-booking rejection.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsTransient classifies an EMR error as retriable: network failures,
// timeouts, and 5xx-class API errors. Conflicts and other 4xx responses are
// not transient.
func IsTransient(err error) bool {
	if err == nil || IsConflict(err) {
		return false
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Transient()
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	// A deadline that fired mid-request surfaces as context.DeadlineExceeded.
	return errors.Is(err, context.DeadlineExceeded)
}
