package coordinator

import (
	"fmt"

	"github.com/roach88/tally/internal/ir"
)

// Class says how a user action affects a shared counter.
type Class string

const (
	// SideEffect actions are counted by the backend itself (a trigger on a
	// related write). The client must never add its own increment.
	SideEffect Class = "side-effect"
	// Increment actions need the explicit backend increment operation.
	Increment Class = "increment"
)

// ParseClass parses a class name.
func ParseClass(s string) (Class, error) {
	switch Class(s) {
	case SideEffect, Increment:
		return Class(s), nil
	default:
		return "", fmt.Errorf("unknown action class %q", s)
	}
}

// Action is the classification of one action kind.
type Action struct {
	Class Class
	// Key is the counter the action affects.
	Key string
	// Counter is the backend increment operation (Increment only).
	Counter string
}

// Policy maps action kinds to their classification.
type Policy map[string]Action

// DefaultPolicy classifies the built-in action kinds.
func DefaultPolicy() Policy {
	return Policy{
		"share":   {Class: SideEffect, Key: ir.KeyTotalActions},
		"checkin": {Class: SideEffect, Key: ir.KeyTotalActions},
		"hi":      {Class: Increment, Key: ir.KeyTotalActions, Counter: "increment_total_hi"},
		"wave":    {Class: Increment, Key: ir.KeyWaves, Counter: "increment_hi_waves"},
	}
}

// Classify returns the action for kind. Unknown kinds are side-effect-only
// against defaultKey, which never double-counts.
func (p Policy) Classify(kind, defaultKey string) Action {
	a, ok := p[ir.NormalizeKey(kind)]
	if !ok {
		return Action{Class: SideEffect, Key: defaultKey}
	}
	if a.Key == "" {
		a.Key = defaultKey
	}
	if a.Class == Increment && a.Counter == "" {
		a.Counter = a.Key
	}
	return a
}
