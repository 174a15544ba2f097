package coordinator

import (
	"errors"
	"fmt"
)

// IncrementErrorCode categorizes a failed explicit increment.
type IncrementErrorCode string

const (
	// ErrCodeBackend indicates the backend increment call failed.
	ErrCodeBackend IncrementErrorCode = "BACKEND_FAILED"

	// ErrCodeTimeout indicates the increment call did not answer in time.
	ErrCodeTimeout IncrementErrorCode = "TIMEOUT"

	// ErrCodeNoIncrementer indicates the backend has no increment operation.
	ErrCodeNoIncrementer IncrementErrorCode = "NO_INCREMENTER"
)

// IncrementError reports that a user action failed to persist. Unlike
// retrieval failures it is returned to the acting caller so it can retry.
type IncrementError struct {
	Code    IncrementErrorCode
	Kind    string
	Key     string
	Counter string
	Err     error
}

// Error implements the error interface.
func (e *IncrementError) Error() string {
	msg := fmt.Sprintf("%s: increment %s for action %q", e.Code, e.Counter, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *IncrementError) Unwrap() error {
	return e.Err
}

// IsIncrementError reports whether err is, or wraps, an *IncrementError.
func IsIncrementError(err error) bool {
	var ie *IncrementError
	return errors.As(err, &ie)
}
