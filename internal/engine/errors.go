package engine

import (
	"errors"
	"fmt"
)

// ErrUnknownSet is returned when a counter set name is not served by the engine.
var ErrUnknownSet = errors.New("unknown counter set")

// OpenError reports a cache or backend that could not be opened.
type OpenError struct {
	// Component is "cache" or "backend".
	Component string
	Kind      string
	Err       error
}

// Error implements the error interface.
func (e *OpenError) Error() string {
	return fmt.Sprintf("open %s %q: %v", e.Component, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *OpenError) Unwrap() error {
	return e.Err
}
