package arbiter

import (
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/roach88/tally/internal/ir"
)

// Writer identities used by tally's own call paths.
const (
	// WriterResolverCommit commits the first successful network strategy.
	WriterResolverCommit ir.WriterID = "resolver.commit"
	// WriterResolverCache proposes cache contents (cache-first and final fallback).
	WriterResolverCache ir.WriterID = "resolver.cache"
	// WriterCoordinatorConfirmed adopts a server-confirmed increment total.
	WriterCoordinatorConfirmed ir.WriterID = "coordinator.confirmed"
	// WriterCoordinatorOptimistic shows an unconfirmed +1 while an increment is in flight.
	WriterCoordinatorOptimistic ir.WriterID = "coordinator.optimistic"
	// WriterCoordinatorRollback restores last-known-good after a failed increment.
	WriterCoordinatorRollback ir.WriterID = "coordinator.rollback"
)

// Trust is what a writer identity may do once a counter is authoritative.
type Trust int

const (
	// Untrusted writers are accepted only before the authoritative latch is set.
	Untrusted Trust = iota
	// Trusted writers are accepted after the latch is set.
	Trusted
	// Authority writers are trusted and set the latch on their first accepted write.
	Authority
)

func (t Trust) String() string {
	switch t {
	case Trusted:
		return "trusted"
	case Authority:
		return "authority"
	default:
		return "untrusted"
	}
}

// ParseTrust parses "untrusted", "trusted" or "authority".
func ParseTrust(s string) (Trust, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "untrusted":
		return Untrusted, nil
	case "trusted":
		return Trusted, nil
	case "authority":
		return Authority, nil
	default:
		return Untrusted, fmt.Errorf("unknown trust level %q: must be untrusted, trusted or authority", s)
	}
}

// Registry is the explicit allow-list of writer identities.
// Identities that were never granted are Untrusted.
type Registry struct {
	mu      sync.RWMutex
	writers map[ir.WriterID]Trust
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{writers: make(map[ir.WriterID]Trust)}
}

// DefaultRegistry grants tally's own call paths their standard trust.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Grant(WriterResolverCommit, Authority)
	r.Grant(WriterCoordinatorConfirmed, Authority)
	r.Grant(WriterCoordinatorOptimistic, Trusted)
	r.Grant(WriterCoordinatorRollback, Trusted)
	return r
}

func normalizeWriter(id ir.WriterID) ir.WriterID {
	return ir.WriterID(ir.NormalizeKey(string(id)))
}

// Grant sets the trust of id.
func (r *Registry) Grant(id ir.WriterID, t Trust) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writers[normalizeWriter(id)] = t
}

// Revoke makes id untrusted again.
func (r *Registry) Revoke(id ir.WriterID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.writers, normalizeWriter(id))
}

// Trust returns the trust level of id.
func (r *Registry) Trust(id ir.WriterID) Trust {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.writers[normalizeWriter(id)]
}

// Writers returns a copy of every granted identity.
func (r *Registry) Writers() map[ir.WriterID]Trust {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.writers)
}
