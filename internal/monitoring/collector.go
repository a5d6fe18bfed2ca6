package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/procureflow/po-recon/internal/store"
)

// Snapshot holds a point-in-time view of reconciliation health.
type Snapshot struct {
	DeadTasks        int       `json:"dead_tasks"`
	UnresolvedEvents int       `json:"unresolved_events"`
	OpenPOs          int       `json:"open_pos"`
	CollectedAt      time.Time `json:"collected_at"`
}

// Collector gathers snapshots from the store.
type Collector struct {
	store store.Store
}

// NewCollector creates a metrics collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot of queue and reconciliation depth.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{CollectedAt: time.Now().UTC()}

	dead, err := c.store.ListDeadTasks(ctx, 1000)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list dead tasks")
	}
	snap.DeadTasks = len(dead)

	unresolved, err := c.store.ListUnresolved(ctx, 1000)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list unresolved")
	}
	snap.UnresolvedEvents = len(unresolved)

	pos, err := c.store.ListOpenPurchaseOrders(ctx, "")
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list open pos")
	}
	snap.OpenPOs = len(pos)

	return snap, nil
}
