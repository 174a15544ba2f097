// Package engine wires one client instance of tally.
//
// An Engine owns the event bus, the arbiter of its counter set, the
// resolver, the increment coordinator and, in debug mode, the diagnostics
// overlay. Every page view starts with Bootstrap, which stamps a new view
// token on the arbiter and runs a cache-first resolution; proposals from
// passes started under an older view are fenced off once the counters are
// authoritative.
//
// Widgets never mutate counters. They Subscribe to stats updates or Bind
// to a key, and report interactions through RecordUserAction.
package engine
