// Package ir provides the shared data model for tally.
//
// This package contains type definitions only. All other internal packages
// import ir; ir imports nothing internal. This keeps the counter model the
// foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Counter values are int64, never float64
//   - A counter that has not been resolved is a null Value, not zero
//   - Counter keys and writer identities are NFC-normalized before use
//   - Notifications are ordered by a logical sequence (Seq), not by wall time
package ir
