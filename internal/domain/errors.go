package domain

import "errors"

// FetchError is the typed error returned by source adapters. Transient
// failures (timeouts, 429, 5xx) are retried by the fetch orchestrator;
// permanent failures (404, malformed payloads) are recorded and skipped.
type FetchError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *FetchError) Unwrap() error { return e.Err }

// TransientError wraps err as a retryable fetch failure.
func TransientError(op string, err error) error {
	return &FetchError{Op: op, Transient: true, Err: err}
}

// PermanentError wraps err as a non-retryable fetch failure.
func PermanentError(op string, err error) error {
	return &FetchError{Op: op, Err: err}
}

// IsTransient reports whether err carries a transient fetch failure.
func IsTransient(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Transient
}
