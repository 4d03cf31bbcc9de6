package crawler

import (
	"context"
	"time"

	"github.com/bitnodes/crawld/prober"
)

// Snapshot is the point-in-time outcome of one crawl epoch: every probed
// node's Result, reachable or not, keyed by node address.
type Snapshot struct {
	// StartedAt is when the epoch began.
	StartedAt time.Time

	// FinishedAt is when the epoch converged or was aborted.
	FinishedAt time.Time

	// Complete is false when the epoch was cut short and the snapshot
	// covers only part of the network.
	Complete bool

	// Results maps node keys to their probe outcomes.
	Results map[string]*prober.Result
}

// NumReachable counts the nodes that completed a qualifying handshake.
func (s *Snapshot) NumReachable() int {
	var n int
	for _, res := range s.Results {
		if res.Reachable {
			n++
		}
	}
	return n
}

// SnapshotWriter persists finished snapshots. The crawler itself never
// formats or stores them; it hands each epoch's snapshot to this
// collaborator and moves on.
type SnapshotWriter interface {
	// Write persists the snapshot.
	Write(ctx context.Context, snap *Snapshot) error
}
