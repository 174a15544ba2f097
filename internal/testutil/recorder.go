package testutil

import (
	"sync"

	"github.com/roach88/tally/internal/bus"
	"github.com/roach88/tally/internal/ir"
)

// Recorder collects every ir.StatsUpdate published on a bus.
type Recorder struct {
	mu      sync.Mutex
	updates []ir.StatsUpdate
	stop    func()
}

// NewRecorder subscribes to bus.TopicStatsUpdated on b.
func NewRecorder(b *bus.Bus) *Recorder {
	r := &Recorder{}
	r.stop = b.Subscribe(bus.TopicStatsUpdated, func(_ string, payload any) {
		u, ok := payload.(ir.StatsUpdate)
		if !ok {
			return
		}
		r.mu.Lock()
		r.updates = append(r.updates, u)
		r.mu.Unlock()
	})
	return r
}

// Updates returns a copy of the recorded updates in delivery order.
func (r *Recorder) Updates() []ir.StatsUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ir.StatsUpdate(nil), r.updates...)
}

// Len returns the number of recorded updates.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

// Last returns the most recent update.
func (r *Recorder) Last() (ir.StatsUpdate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.updates) == 0 {
		return ir.StatsUpdate{}, false
	}
	return r.updates[len(r.updates)-1], true
}

// Stop unsubscribes.
func (r *Recorder) Stop() {
	r.stop()
}
