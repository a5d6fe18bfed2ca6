// Package monitoring exposes Prometheus metrics and point-in-time health
// snapshots for the reconciliation core.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "porecon",
		Subsystem: "retry",
		Name:      "tasks_enqueued_total",
		Help:      "Retry tasks accepted by the coordinator.",
	})
	TasksLeased = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "porecon",
		Subsystem: "retry",
		Name:      "tasks_leased_total",
		Help:      "Lease grants to workers.",
	})
	TasksSucceeded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "porecon",
		Subsystem: "retry",
		Name:      "tasks_succeeded_total",
		Help:      "Tasks completed successfully.",
	})
	TasksDead = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "porecon",
		Subsystem: "retry",
		Name:      "tasks_dead_total",
		Help:      "Tasks dead-lettered after exhausting retries.",
	})
	LeasesReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "porecon",
		Subsystem: "retry",
		Name:      "leases_reaped_total",
		Help:      "Expired leases reset to pending by the reaper.",
	})

	LinksCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "porecon",
		Subsystem: "correlate",
		Name:      "links_created_total",
		Help:      "Correlation links created, by method.",
	}, []string{"method"})
	LinksSuperseded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "porecon",
		Subsystem: "correlate",
		Name:      "links_superseded_total",
		Help:      "Links replaced by a higher-confidence link.",
	})
	CorrelationsUnresolved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "porecon",
		Subsystem: "correlate",
		Name:      "unresolved_total",
		Help:      "Events that matched no purchase order.",
	})

	MatchesComputed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "porecon",
		Subsystem: "match",
		Name:      "computed_total",
		Help:      "Three-way match computations, by resulting status.",
	}, []string{"status"})
	MatchesAutoApproved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "porecon",
		Subsystem: "match",
		Name:      "auto_approved_total",
		Help:      "Match results that cleared the auto-approve threshold.",
	})

	ScoreRecalcs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "porecon",
		Subsystem: "vendorscore",
		Name:      "recalculations_total",
		Help:      "Vendor confidence recalculations.",
	})
)
