// Package store provides the SQLite-backed durable cache for counter values.
//
// Each counter key is one row in the snapshots table holding a plain
// integer. There is no TTL and no version column: staleness is handled by
// always preferring a fresh resolution over the cache.
//
// Store satisfies cache.Store. Its Read and Write methods are best effort:
// database errors are logged and reported as a cache miss or a dropped
// write, never returned. ReadSnapshot, WriteSnapshot, Snapshots and Clear
// return errors for callers that need them (the CLI).
//
// # Connection
//
// The DSN asks the driver for WAL journaling, synchronous=NORMAL and a
// five second busy timeout on every connection. The pool holds a single
// connection, so ":memory:" behaves as one database.
package store
