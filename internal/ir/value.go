package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Value is a nullable counter value.
//
// The zero Value is null: the counter has not been resolved from any source.
// A null Value is rendered as a placeholder, never as 0.
type Value struct {
	N     int64
	Valid bool
}

// Int returns a non-null Value holding n.
func Int(n int64) Value {
	return Value{N: n, Valid: true}
}

// Null returns the null Value.
func Null() Value {
	return Value{}
}

// Equal reports whether both values are null or both hold the same number.
func (v Value) Equal(o Value) bool {
	if v.Valid != o.Valid {
		return false
	}
	return !v.Valid || v.N == o.N
}

// String renders the value for humans; null renders as "...".
func (v Value) String() string {
	if !v.Valid {
		return "..."
	}
	return strconv.FormatInt(v.N, 10)
}

// MarshalJSON encodes null values as JSON null.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(v.N, 10)), nil
}

// UnmarshalJSON accepts null or an integral JSON number.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*v = Value{}
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("counter value: %w", err)
	}
	i, err := n.Int64()
	if err != nil {
		return fmt.Errorf("counter value %q is not an integer", n)
	}
	*v = Int(i)
	return nil
}
