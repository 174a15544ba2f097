package resolver

import (
	"errors"
	"fmt"

	"github.com/roach88/tally/internal/ir"
)

// AttemptErrorCode categorizes a failed strategy attempt.
type AttemptErrorCode string

const (
	// ErrCodeFailed indicates the strategy returned an error.
	ErrCodeFailed AttemptErrorCode = "FAILED"

	// ErrCodeTimeout indicates the strategy did not answer within its timeout.
	ErrCodeTimeout AttemptErrorCode = "TIMEOUT"

	// ErrCodeEmpty indicates a successful call with no usable counter values.
	ErrCodeEmpty AttemptErrorCode = "EMPTY"

	// ErrCodePanic indicates the strategy panicked.
	ErrCodePanic AttemptErrorCode = "PANIC"
)

// AttemptError is the typed failure of one strategy attempt. It is recorded
// in the pass's timing and never returned to Resolve's caller.
type AttemptError struct {
	Strategy ir.Provenance
	Code     AttemptErrorCode
	Err      error
}

// Error implements the error interface.
func (e *AttemptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Strategy, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Strategy, e.Code)
}

// Unwrap returns the underlying error.
func (e *AttemptError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is an attempt that timed out.
func IsTimeout(err error) bool {
	var ae *AttemptError
	if errors.As(err, &ae) {
		return ae.Code == ErrCodeTimeout
	}
	return false
}
