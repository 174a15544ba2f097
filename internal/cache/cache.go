// Package cache holds last-known counter values between page views.
//
// Caching is an optimization, never a correctness dependency: every
// implementation swallows storage failures (logging them) and reports a
// failed read as absent. Staleness is handled by always preferring a fresh
// resolution over the cache, so entries carry no TTL or version.
package cache

import (
	"log/slog"
	"sync"

	"github.com/roach88/tally/internal/ir"
)

// Store is a best-effort key/value store for counter values.
// Implementations must be safe for concurrent use; last write wins.
type Store interface {
	Read(key string) (int64, bool)
	Write(key string, value int64)
}

// ReadSet loads keys from s into a counter set tagged with p.
// Keys missing from the cache stay null and tagged none.
func ReadSet(s Store, name string, keys []string, p ir.Provenance) ir.CounterSet {
	set := ir.NewCounterSet(name, keys)
	for _, k := range keys {
		if v, ok := s.Read(k); ok {
			set.Values[k] = ir.Int(v)
			set.Sources[k] = p
		}
	}
	set.Overall = p
	return set
}

// WriteSet persists every non-null counter of set.
func WriteSet(s Store, set ir.CounterSet) {
	for k, v := range set.Values {
		if v.Valid {
			s.Write(k, v.N)
		}
	}
}

// Memory is an in-process Store.
type Memory struct {
	mu     sync.RWMutex
	values map[string]int64
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]int64)}
}

// Read implements Store.
func (m *Memory) Read(key string) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[ir.NormalizeKey(key)]
	return v, ok
}

// Write implements Store.
func (m *Memory) Write(key string, value int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[ir.NormalizeKey(key)] = value
}

// Snapshots returns all entries.
func (m *Memory) Snapshots() []ir.CachedSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ir.CachedSnapshot, 0, len(m.values))
	for k, v := range m.values {
		out = append(out, ir.CachedSnapshot{Key: k, Value: v})
	}
	return out
}

// Disabled models storage that is turned off: reads miss, writes vanish.
type Disabled struct {
	Logger *slog.Logger
}

// Read implements Store.
func (d Disabled) Read(string) (int64, bool) { return 0, false }

// Write implements Store.
func (d Disabled) Write(key string, _ int64) {
	if d.Logger != nil {
		d.Logger.Debug("cache disabled, dropping write", "key", key)
	}
}
