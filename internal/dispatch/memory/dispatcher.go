// Package memory provides a Dispatcher that records applied sets, for the
// CLI dry-run mode and for tests.
package memory

import (
	"context"
	"sync"

	"github.com/upsitesolutions/sir/internal/dispatch"
	"github.com/upsitesolutions/sir/internal/domain"
)

// Dispatcher records every applied set in order.
type Dispatcher struct {
	mu      sync.Mutex
	applied []*domain.ReindexSet
	failErr error
	pingErr error
}

var _ dispatch.Dispatcher = (*Dispatcher)(nil)

// New creates an empty recording dispatcher.
func New() *Dispatcher {
	return &Dispatcher{}
}

// Apply records a copy of set. Empty sets are not recorded.
func (d *Dispatcher) Apply(ctx context.Context, set *domain.ReindexSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failErr != nil {
		return d.failErr
	}
	if set == nil || set.IsEmpty() {
		return nil
	}
	cp := domain.NewReindexSet()
	cp.Union(set)
	d.applied = append(d.applied, cp)
	return nil
}

// Ping returns the configured ping error.
func (d *Dispatcher) Ping(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pingErr
}

// FailWith makes every subsequent Apply return err. A nil err clears it.
func (d *Dispatcher) FailWith(err error) {
	d.mu.Lock()
	d.failErr = err
	d.mu.Unlock()
}

// SetPingError sets the error returned by Ping.
func (d *Dispatcher) SetPingError(err error) {
	d.mu.Lock()
	d.pingErr = err
	d.mu.Unlock()
}

// Applied returns the recorded sets.
func (d *Dispatcher) Applied() []*domain.ReindexSet {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*domain.ReindexSet, len(d.applied))
	copy(out, d.applied)
	return out
}

// Merged returns the union of every recorded set.
func (d *Dispatcher) Merged() *domain.ReindexSet {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := domain.NewReindexSet()
	for _, s := range d.applied {
		out.Union(s)
	}
	return out
}
