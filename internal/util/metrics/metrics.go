// Package metrics holds the shared prometheus bucket/label
// definitions and a small set of collectors spanning the streamer,
// IVM pipeline, and view syncer. Grounded on cdc-sink's
// internal/staging/stage/metrics.go.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LatencyBuckets is the shared histogram bucket set for latency
// metrics across the service.
var LatencyBuckets = []float64{
	.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

// TableLabels is used by collectors that are broken down per
// schema+table.
var TableLabels = []string{"schema", "table"}

// QueryLabels is used by collectors that are broken down per query
// hash.
var QueryLabels = []string{"query_hash"}

var (
	// StreamerCommitLag measures the time from a transaction's commit
	// watermark being observed to it being durably persisted.
	StreamerCommitLag = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "streamer_commit_persist_seconds",
		Help:    "time from observing a commit to durably persisting it",
		Buckets: LatencyBuckets,
	})

	// StreamerSubscribers tracks the number of live Change Streamer
	// subscribers.
	StreamerSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamer_subscribers",
		Help: "number of live Change Streamer subscribers",
	})

	// StreamerCatchupRows counts rows replayed from the Change Log
	// Store to satisfy a subscriber's catch-up scan.
	StreamerCatchupRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamer_catchup_rows_total",
		Help: "rows replayed from the change log store during catch-up",
	})

	// PipelinePullDuration measures how long it takes a query pipeline
	// to materialize fresh results after a commit.
	PipelinePullDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ivm_pipeline_pull_duration_seconds",
		Help:    "time to pull fresh results from a query pipeline",
		Buckets: LatencyBuckets,
	}, QueryLabels)

	// PokeSize measures the number of entity patches in a single poke.
	PokeSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "view_syncer_poke_entities",
		Help:    "number of entitiesPatch entries emitted per poke",
		Buckets: []float64{1, 5, 25, 100, 500, 2500},
	})

	// ReconcileIdempotentReplays counts calls to CVR.ReconcileRows that
	// produced zero additional patches, confirming the idempotence
	// invariant in production traffic.
	ReconcileIdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cvr_reconcile_noop_total",
		Help: "reconciliations that produced no new patches",
	})

	// ReplicaApplyLag measures the time from a transaction's commit
	// watermark being observed to it being applied into the Replica
	// Store.
	ReplicaApplyLag = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "replica_apply_seconds",
		Help:    "time from observing a commit to applying it into the replica store",
		Buckets: LatencyBuckets,
	})

	// ReplicaApplyErrors counts failures applying a commit into the
	// replica store.
	ReplicaApplyErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replica_apply_errors_total",
		Help: "commits that failed to apply into the replica store",
	})
)
