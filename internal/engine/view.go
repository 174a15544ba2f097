package engine

import "github.com/google/uuid"

// UUIDv7Generator issues page-view tokens. Version 7 tokens carry their
// creation time in the leading bits, so write log entries sort by page view.
type UUIDv7Generator struct{}

// Generate returns a new token in hyphenated form.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
