package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grantdocs",
		Name:      "lifecycle_transitions_total",
		Help:      "Lifecycle transitions by action and target node kind.",
	}, []string{"action", "kind"})

	CascadeNodesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grantdocs",
		Name:      "cascade_nodes_total",
		Help:      "Rows touched by cascading transitions.",
	}, []string{"action", "kind"})

	TxRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "grantdocs",
		Name:      "tx_retries_total",
		Help:      "Transactions retried after a write conflict.",
	})

	IntegrityErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "grantdocs",
		Name:      "integrity_errors_total",
		Help:      "Corrupted ancestry or cycles detected.",
	})

	SweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grantdocs",
		Name:      "retention_sweeps_total",
		Help:      "Retention sweeps by outcome.",
	}, []string{"outcome"})

	SweepPurgedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grantdocs",
		Name:      "retention_purged_total",
		Help:      "Nodes purged by the retention sweep.",
	}, []string{"kind"})

	SweepFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "grantdocs",
		Name:      "retention_purge_failures_total",
		Help:      "Purges that failed during a sweep and were left for the next one.",
	})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "grantdocs",
		Name:      "retention_sweep_duration_seconds",
		Help:      "Wall time of retention sweeps.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	ExportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grantdocs",
		Name:      "exports_total",
		Help:      "Archive exports by outcome.",
	}, []string{"outcome"})

	ExportFilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grantdocs",
		Name:      "export_files_total",
		Help:      "Files written to or skipped from export archives.",
	}, []string{"result"})

	ExportBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "grantdocs",
		Name:      "export_bytes_total",
		Help:      "Uncompressed bytes written into export archives.",
	})
)
