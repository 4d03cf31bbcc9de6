package crawler

import (
	"context"

	"github.com/bitnodes/crawld/store"
	"github.com/bitnodes/crawld/wire"
)

// Store set names, scoped under the epoch namespace.
const (
	// seenSet records every address ever offered this epoch, pending or
	// visited. Insert-if-absent on this set is the dedup gate: winning
	// the insert is what grants the right to enqueue.
	seenSet = "seen"

	// visitedSet records addresses whose processing finished, whether
	// probed, excluded, or rejected by the rate limiter.
	visitedSet = "visited"

	// reachableSet records addresses that completed a qualifying
	// handshake.
	reachableSet = "up"
)

// Frontier holds one epoch's discovery state. Deduplication and the
// visited record live in the shared store, so concurrent crawler instances
// agree on which of them owns an address; the pending FIFO is process-local
// and only ever touched by the coordinator goroutine.
type Frontier struct {
	ns    string
	store store.Store

	pending []*wire.NetAddress
}

// NewFrontier returns an empty frontier persisting its sets under the given
// namespace.
func NewFrontier(s store.Store, namespace string) *Frontier {
	return &Frontier{
		ns:    namespace,
		store: s,
	}
}

// Offer enqueues the address unless it has already been seen this epoch.
// The store insert is the atomic claim; only the winner enqueues, so an
// address can never be dispatched twice no matter how many peers share it.
func (f *Frontier) Offer(ctx context.Context, na *wire.NetAddress) (bool, error) {
	inserted, err := f.store.InsertIfAbsent(ctx, f.ns+seenSet, na.Key())
	if err != nil || !inserted {
		return false, err
	}

	f.pending = append(f.pending, na)
	return true, nil
}

// Pop dequeues the oldest pending address, or nil when none remain.
func (f *Frontier) Pop() *wire.NetAddress {
	if len(f.pending) == 0 {
		return nil
	}
	na := f.pending[0]
	f.pending[0] = nil
	f.pending = f.pending[1:]
	return na
}

// PendingLen reports how many addresses await dispatch.
func (f *Frontier) PendingLen() int {
	return len(f.pending)
}

// MarkVisited records that processing of the address has finished.
func (f *Frontier) MarkVisited(ctx context.Context, na *wire.NetAddress) error {
	_, err := f.store.InsertIfAbsent(ctx, f.ns+visitedSet, na.Key())
	return err
}

// MarkReachable records a qualifying handshake with the address.
func (f *Frontier) MarkReachable(ctx context.Context, na *wire.NetAddress) error {
	_, err := f.store.InsertIfAbsent(ctx, f.ns+reachableSet, na.Key())
	return err
}

// Reachable enumerates the epoch's reachable node keys.
func (f *Frontier) Reachable(ctx context.Context) ([]string, error) {
	return f.store.Members(ctx, f.ns+reachableSet)
}
