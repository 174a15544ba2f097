package ir

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeKey returns the canonical form of a counter key or writer
// identity: surrounding whitespace removed and NFC-normalized, so that
// "totalActions" typed with composed and decomposed characters is one key.
func NormalizeKey(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
