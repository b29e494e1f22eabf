package harvest

import (
	"errors"
	"fmt"
	"net/http"
)

// Error classes used to tag outcomes and log lines.
var (
	// ErrThrottled marks an HTTP 429 response; the only retryable class.
	ErrThrottled = errors.New("throttled")
	// ErrUnreachable marks transport failures and non-2xx responses other than 429.
	ErrUnreachable = errors.New("unreachable")
	// ErrIncompleteExtraction marks a page whose record lacks a name.
	ErrIncompleteExtraction = errors.New("incomplete extraction")
	// ErrPersistence marks a failed durable write.
	ErrPersistence = errors.New("persistence failure")
	// ErrBatchDispatch marks a round that could not be dispatched as a whole.
	ErrBatchDispatch = errors.New("batch dispatch failure")
)

// StatusError reports a non-success HTTP status.
type StatusError struct {
	Code int
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d (%s)", e.Code, http.StatusText(e.Code))
}

// Unwrap classifies the status so callers can use errors.Is.
func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusTooManyRequests {
		return ErrThrottled
	}
	return ErrUnreachable
}
