package downloader

import (
	"errors"
	"fmt"
)

var (
	// ErrPermanent marks a fetch that must not be retried (400, 403, 404, 410).
	ErrPermanent = errors.New("permanent fetch failure")
	// ErrTransient marks a fetch that failed after the retry budget was spent.
	ErrTransient = errors.New("transient fetch failure")
)

// StatusError reports an unexpected HTTP status.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Code)
}

// Unwrap classifies the status as permanent or transient.
func (e *StatusError) Unwrap() error {
	if isFatalStatus(e.Code) {
		return ErrPermanent
	}
	return nil
}

// RetryExhaustedError is returned once either retry ceiling is reached.
type RetryExhaustedError struct {
	URL         string
	Attempts    int
	DNSFailures int
	Last        error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("fetch %s: gave up after %d attempts and %d dns failures: %v",
		e.URL, e.Attempts, e.DNSFailures, e.Last)
}

// Unwrap exposes ErrTransient and the last underlying error.
func (e *RetryExhaustedError) Unwrap() []error {
	return []error{ErrTransient, e.Last}
}

func isFatalStatus(code int) bool {
	switch code {
	case 400, 403, 404, 410:
		return true
	}
	return false
}
