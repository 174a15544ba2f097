// Package harness runs tally scenarios end to end.
//
// A scenario seeds a simulated backend and the cache, scripts backend
// failures and delays, then drives an engine through a list of steps:
// page loads, resolution passes, server-side writes, user actions and
// direct proposals from legacy writers. Every counter notification, write
// decision and action result is appended to a trace. Assertions check the
// final state; the trace is compared against a golden file.
//
// # Scenario Format
//
//	name: cache_first_then_remote_call
//	description: "Cached value first, then the authoritative total"
//	cache:
//	  totalActions: 400
//	server:
//	  totalActions: 402
//	scripts:
//	  live-metrics: { fail: true }
//	  remote-call: { delay: 300ms }
//	flow:
//	  - bootstrap: {}
//	  - server_write: share
//	  - action: { kind: share }
//	  - propose: { caller: legacy.timer, key: waves, value: 7, view: previous }
//	  - resolve: { bypass_cache: true }
//	  - script: { op: increment, fail: true }
//	assertions:
//	  - type: final_value
//	    key: totalActions
//	    value: 402
//
// # Assertion Types
//
//   - final_value: the counter holds value (or is null when null is set)
//   - final_source: the counter's provenance tag
//   - overall: the set's overall provenance
//   - authoritative: whether the counter is latched
//   - notification_count: number of stats-updated notifications
//   - notification: overall provenance and values of the n-th notification
//   - write_rejected: a caller proposed at least once and was never accepted
//   - calls: number of backend calls for one operation
//   - cached: the value persisted in the cache after the run
//
// # Deterministic Testing
//
// Page-view tokens are page-1, page-2 and so on; timestamps come from a fake
// clock. The runner joins background resolution after every step, so the
// trace order does not depend on goroutine scheduling. Durations are left
// out of the trace.
package harness
